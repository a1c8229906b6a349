// Package regmap translates logical parameter values to and from the
// controller's register representation. It holds the static parameter ->
// register table loaded at startup and the pure encoders; it does no I/O
// beyond reading the map file.
package regmap

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"paramctl/pkg/protocol"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Entry describes where and how one parameter lives on the controller.
type Entry struct {
	Parameter string                `yaml:"id" toml:"id"`
	Address   uint16                `yaml:"address" toml:"address"`
	Words     int                   `yaml:"words" toml:"words"`
	Kind      protocol.ProtocolType `yaml:"kind" toml:"kind"`
	Tolerance float64               `yaml:"tolerance,omitempty" toml:"tolerance,omitempty"` // float32 only
}

// file is the on-disk shape of a register map.
type file struct {
	Parameters []Entry `yaml:"parameters" toml:"parameters"`
}

// Map is the read-only parameter -> register table.
type Map struct {
	entries map[string]Entry
}

// New builds a Map from entries, validating each one.
func New(entries []Entry) (*Map, error) {
	m := &Map{entries: make(map[string]Entry, len(entries))}
	for i, e := range entries {
		if e.Words == 0 {
			e.Words = e.Kind.Words()
		}
		if err := validateEntry(e); err != nil {
			return nil, fmt.Errorf("parameter[%d]: %w", i, err)
		}
		if _, dup := m.entries[e.Parameter]; dup {
			return nil, fmt.Errorf("parameter[%d]: duplicate id %q", i, e.Parameter)
		}
		m.entries[e.Parameter] = e
	}
	return m, nil
}

func validateEntry(e Entry) error {
	if strings.TrimSpace(e.Parameter) == "" {
		return fmt.Errorf("id is required")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%s: unknown kind %q", e.Parameter, e.Kind)
	}
	if e.Words != e.Kind.Words() {
		return fmt.Errorf("%s: kind %s occupies %d words, got %d", e.Parameter, e.Kind, e.Kind.Words(), e.Words)
	}
	if e.Tolerance < 0 {
		return fmt.Errorf("%s: tolerance must not be negative", e.Parameter)
	}
	return nil
}

// Load reads a register map from path. The format follows the extension:
// .yaml/.yml or .toml.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read register map %s: %w", path, err)
	}
	m, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("register map %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a register map document. ext selects the format
// (".toml" for TOML, anything else is YAML).
func Parse(data []byte, ext string) (*Map, error) {
	var f file
	switch strings.ToLower(ext) {
	case ".toml":
		if err := toml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}
	return New(f.Parameters)
}

// Lookup returns the entry for parameter.
func (m *Map) Lookup(parameter string) (Entry, bool) {
	if m == nil {
		return Entry{}, false
	}
	e, ok := m.entries[parameter]
	return e, ok
}

// Entries returns all entries ordered by parameter id.
func (m *Map) Entries() []Entry {
	if m == nil {
		return nil
	}
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Parameter < out[j].Parameter })
	return out
}

// Len returns the number of parameters in the map.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}
