package regmap_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"paramctl/pkg/protocol"
	"paramctl/pkg/regmap"
)

const yamlMap = `
parameters:
  - id: vacuum_pump_speed
    address: 35
    words: 2
    kind: float32
    tolerance: 0.01
  - id: heater_enable
    address: 10
    kind: coil
  - id: chamber_mode
    address: 40
    words: 1
    kind: discrete
`

const tomlMap = `
[[parameters]]
id = "vacuum_pump_speed"
address = 35
words = 2
kind = "float32"

[[parameters]]
id = "setpoint_offset"
address = 41
kind = "holding"
`

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registers.yaml")
	if err := os.WriteFile(path, []byte(yamlMap), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := regmap.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Len() != 3 {
		t.Fatalf("Len = %d, want 3", m.Len())
	}

	e, ok := m.Lookup("vacuum_pump_speed")
	if !ok {
		t.Fatal("vacuum_pump_speed not found")
	}
	if e.Address != 35 || e.Kind != protocol.TypeFloat32 || e.Words != 2 || e.Tolerance != 0.01 {
		t.Errorf("unexpected entry: %+v", e)
	}

	coil, _ := m.Lookup("heater_enable")
	if coil.Words != 1 {
		t.Errorf("words should default to the kind width, got %d", coil.Words)
	}

	entries := m.Entries()
	if entries[0].Parameter != "chamber_mode" || entries[2].Parameter != "vacuum_pump_speed" {
		t.Errorf("Entries not sorted: %v", entries)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registers.toml")
	if err := os.WriteFile(path, []byte(tomlMap), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := regmap.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	e, ok := m.Lookup("setpoint_offset")
	if !ok || e.Kind != protocol.TypeHolding || e.Address != 41 {
		t.Fatalf("unexpected setpoint_offset entry: %+v ok=%v", e, ok)
	}
}

func TestNewRejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name    string
		entries []regmap.Entry
		errSub  string
	}{
		{"missing id", []regmap.Entry{{Address: 1, Kind: protocol.TypeCoil}}, "id is required"},
		{"unknown kind", []regmap.Entry{{Parameter: "p", Kind: "input"}}, "unknown kind"},
		{"word mismatch", []regmap.Entry{{Parameter: "p", Kind: protocol.TypeFloat32, Words: 1}}, "occupies 2 words"},
		{"duplicate", []regmap.Entry{
			{Parameter: "p", Kind: protocol.TypeCoil},
			{Parameter: "p", Kind: protocol.TypeCoil},
		}, "duplicate"},
		{"negative tolerance", []regmap.Entry{{Parameter: "p", Kind: protocol.TypeFloat32, Tolerance: -1}}, "tolerance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := regmap.New(tt.entries)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("error %q does not contain %q", err, tt.errSub)
			}
		})
	}
}

func TestNilMapLookup(t *testing.T) {
	var m *regmap.Map
	if _, ok := m.Lookup("x"); ok {
		t.Error("nil map lookup should miss")
	}
	if m.Len() != 0 || m.Entries() != nil {
		t.Error("nil map should be empty")
	}
}
