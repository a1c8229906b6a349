package regmap

import (
	"fmt"
	"math"

	"paramctl/pkg/protocol"
)

// WordOrder is the order in which the two 16-bit halves of a 32-bit value
// are placed in consecutive registers.
type WordOrder int

// Word order constants.
const (
	HighWordFirst WordOrder = iota // ABCD: register N holds bits 31..16
	LowWordFirst                   // CDAB: register N holds bits 15..0
)

func (o WordOrder) String() string {
	if o == LowWordFirst {
		return "low-word-first"
	}
	return "high-word-first"
}

// ControllerWordOrder is the controller's 32-bit convention. A mismatch does
// not fail; it silently yields a wildly wrong value, so this is fixed here
// rather than configurable per command.
const ControllerWordOrder = LowWordFirst

// Encode converts a logical value into its register words for kind, using
// ControllerWordOrder for 32-bit values.
func Encode(kind protocol.ProtocolType, value float64) ([]uint16, error) {
	return EncodeOrder(kind, value, ControllerWordOrder)
}

// Decode converts register words back into a logical value for kind.
func Decode(kind protocol.ProtocolType, words []uint16) (float64, error) {
	return DecodeOrder(kind, words, ControllerWordOrder)
}

// EncodeOrder is Encode with an explicit word order.
func EncodeOrder(kind protocol.ProtocolType, value float64, order WordOrder) ([]uint16, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("encode %s: value %v is not finite", kind, value)
	}
	switch kind {
	case protocol.TypeCoil:
		if value != 0 && value != 1 {
			return nil, fmt.Errorf("encode coil: value %v must be 0 or 1", value)
		}
		return []uint16{uint16(value)}, nil
	case protocol.TypeDiscrete:
		if value != math.Trunc(value) || value < 0 || value > math.MaxUint16 {
			return nil, fmt.Errorf("encode discrete: value %v must be an integer in [0, %d]", value, math.MaxUint16)
		}
		return []uint16{uint16(value)}, nil
	case protocol.TypeHolding:
		if value != math.Trunc(value) || value < math.MinInt16 || value > math.MaxInt16 {
			return nil, fmt.Errorf("encode holding: value %v must be an integer in [%d, %d]", value, math.MinInt16, math.MaxInt16)
		}
		return []uint16{uint16(int16(value))}, nil
	case protocol.TypeFloat32:
		if math.Abs(value) > math.MaxFloat32 {
			return nil, fmt.Errorf("encode float32: value %v out of range", value)
		}
		bits := math.Float32bits(float32(value))
		hi, lo := uint16(bits>>16), uint16(bits)
		if order == LowWordFirst {
			return []uint16{lo, hi}, nil
		}
		return []uint16{hi, lo}, nil
	default:
		return nil, fmt.Errorf("encode: unknown protocol type %q", kind)
	}
}

// DecodeOrder is Decode with an explicit word order.
func DecodeOrder(kind protocol.ProtocolType, words []uint16, order WordOrder) (float64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("decode: unknown protocol type %q", kind)
	}
	if len(words) != kind.Words() {
		return 0, fmt.Errorf("decode %s: got %d words, want %d", kind, len(words), kind.Words())
	}
	switch kind {
	case protocol.TypeCoil:
		if words[0] != 0 {
			return 1, nil
		}
		return 0, nil
	case protocol.TypeDiscrete:
		return float64(words[0]), nil
	case protocol.TypeHolding:
		return float64(int16(words[0])), nil
	default:
		hi, lo := words[0], words[1]
		if order == LowWordFirst {
			hi, lo = words[1], words[0]
		}
		return float64(math.Float32frombits(uint32(hi)<<16 | uint32(lo))), nil
	}
}

// Tolerance returns the accepted read-back deviation for kind. Scalar kinds
// must match exactly; float32 uses floatTol.
func Tolerance(kind protocol.ProtocolType, floatTol float64) float64 {
	if kind == protocol.TypeFloat32 {
		return floatTol
	}
	return 0
}

// Within reports whether got is within tol of want.
func Within(want, got, tol float64) bool {
	return math.Abs(want-got) <= tol
}
