// Package device implements the Device Manager: a declarative register-map
// schema layered on top of the Bus Engine, with polling, conversion, and
// passive enrichment from observed traffic (spec.md §4.6).
package device

import (
	"bytes"
	"fmt"
	"math"
)

// FieldType is a register's wire-to-engineering-unit data type
// (spec.md §6 device-schema format).
type FieldType string

const (
	TypeU16    FieldType = "uint16"
	TypeI16    FieldType = "int16"
	TypeU32BE  FieldType = "uint32_be"
	TypeU32LE  FieldType = "uint32_le"
	TypeI32BE  FieldType = "int32_be"
	TypeI32LE  FieldType = "int32_le"
	TypeF32BE  FieldType = "float32_be"
	TypeF32LE  FieldType = "float32_le"
	TypeBool   FieldType = "bool"
	TypeString FieldType = "string"
)

// wordLength returns how many 16-bit registers this type occupies on the
// wire. applyDefaults does not consult it: an undeclared length defaults to
// 1 for every type.
func (t FieldType) wordLength() uint16 {
	switch t {
	case TypeU32BE, TypeU32LE, TypeI32BE, TypeI32LE, TypeF32BE, TypeF32LE:
		return 2
	default:
		return 1
	}
}

// RegisterDef is one named register within a DeviceType.
type RegisterDef struct {
	Name           string    `yaml:"name"`
	Address        uint16    `yaml:"address"`
	Length         uint16    `yaml:"length"`
	FunctionCode   uint8     `yaml:"functionCode"`
	DataType       FieldType `yaml:"dataType"`
	Factor         float64   `yaml:"factor"`
	Offset         float64   `yaml:"offset"`
	Unit           string    `yaml:"unit"`
	PollIntervalMs uint64    `yaml:"pollInterval"`
}

// applyDefaults fills the documented defaults for fields a schema document
// left unset: length=1, functionCode=3, factor=1, offset=0, pollInterval=0
// (spec.md §6).
func (r *RegisterDef) applyDefaults() {
	if r.Length == 0 {
		r.Length = 1
	}
	if r.FunctionCode == 0 {
		r.FunctionCode = 3
	}
	if r.Factor == 0 {
		r.Factor = 1
	}
}

// DeviceType is a named collection of register definitions, shared by every
// DeviceInstance of that type.
type DeviceType struct {
	Name      string        `yaml:"name"`
	Registers []RegisterDef `yaml:"registers"`
}

func (t *DeviceType) findRegister(name string) (*RegisterDef, bool) {
	for i := range t.Registers {
		if t.Registers[i].Name == name {
			return &t.Registers[i], true
		}
	}
	return nil, false
}

// MappingEntry binds a unit ID to a device type under a human-readable
// name (spec.md §6 mapping document: {unitId, type, name} triples).
type MappingEntry struct {
	UnitID uint8  `yaml:"unitId"`
	Type   string `yaml:"type"`
	Name   string `yaml:"name"`
}

// Value is one register's decoded reading (spec.md §3). Text is only
// populated for TypeString registers; every other type reports through
// RawFloat.
type Value struct {
	RawFloat                  float64
	Text                      string
	Unit                      string
	Valid                     bool
	UpdatedUptimeMs           uint64
	CapturedUnixSecondsOrZero uint64
}

const valueChangeThreshold = 1e-4

// decodeWords converts raw big-endian register words into an engineering
// value per dataType, then applies scale/offset (spec.md §4.6: "parse
// words big-endian on the wire; decode per FieldType; scaled = raw*scale +
// offset"). TypeBool is the exception: it yields 0 or 1 with no
// scale/offset applied.
func decodeWords(dataType FieldType, words []uint16, factor, offset float64) (float64, error) {
	switch dataType {
	case TypeU16:
		if len(words) < 1 {
			return 0, fmt.Errorf("device: uint16 needs 1 word, got %d", len(words))
		}
		return float64(words[0])*factor + offset, nil

	case TypeI16:
		if len(words) < 1 {
			return 0, fmt.Errorf("device: int16 needs 1 word, got %d", len(words))
		}
		return float64(int16(words[0]))*factor + offset, nil

	case TypeU32BE:
		if len(words) < 2 {
			return 0, fmt.Errorf("device: uint32_be needs 2 words, got %d", len(words))
		}
		raw := uint32(words[0])<<16 | uint32(words[1])
		return float64(raw)*factor + offset, nil

	case TypeU32LE:
		if len(words) < 2 {
			return 0, fmt.Errorf("device: uint32_le needs 2 words, got %d", len(words))
		}
		raw := uint32(words[1])<<16 | uint32(words[0])
		return float64(raw)*factor + offset, nil

	case TypeI32BE:
		if len(words) < 2 {
			return 0, fmt.Errorf("device: int32_be needs 2 words, got %d", len(words))
		}
		raw := int32(uint32(words[0])<<16 | uint32(words[1]))
		return float64(raw)*factor + offset, nil

	case TypeI32LE:
		if len(words) < 2 {
			return 0, fmt.Errorf("device: int32_le needs 2 words, got %d", len(words))
		}
		raw := int32(uint32(words[1])<<16 | uint32(words[0]))
		return float64(raw)*factor + offset, nil

	case TypeF32BE:
		if len(words) < 2 {
			return 0, fmt.Errorf("device: float32_be needs 2 words, got %d", len(words))
		}
		bits := uint32(words[0])<<16 | uint32(words[1])
		return float64(math.Float32frombits(bits))*factor + offset, nil

	case TypeF32LE:
		if len(words) < 2 {
			return 0, fmt.Errorf("device: float32_le needs 2 words, got %d", len(words))
		}
		bits := uint32(words[1])<<16 | uint32(words[0])
		return float64(math.Float32frombits(bits))*factor + offset, nil

	case TypeBool:
		if len(words) < 1 {
			return 0, fmt.Errorf("device: bool needs 1 word, got %d", len(words))
		}
		if words[0] != 0 {
			return 1, nil
		}
		return 0, nil

	case TypeString:
		return 0, fmt.Errorf("device: string registers decode via decodeStringWords, not decodeWords")

	default:
		return 0, fmt.Errorf("device: unknown data type %q", dataType)
	}
}

// decodeStringWords packs raw big-endian register words into ASCII text, two
// characters per word (high byte first), trimming trailing NUL/space padding
// per the usual Modbus fixed-width string convention.
func decodeStringWords(words []uint16) string {
	b := make([]byte, 0, len(words)*2)
	for _, w := range words {
		b = append(b, byte(w>>8), byte(w))
	}
	return string(bytes.TrimRight(b, "\x00 "))
}

// encodeWords is the inverse of decodeWords, used by writeNamed to build
// the raw words for a write request (spec.md §4.6).
func encodeWords(dataType FieldType, value, factor, offset float64) ([]uint16, error) {
	raw := (value - offset) / factor

	switch dataType {
	case TypeU16, TypeBool:
		return []uint16{uint16(raw)}, nil

	case TypeI16:
		return []uint16{uint16(int16(raw))}, nil

	case TypeU32BE:
		v := uint32(raw)
		return []uint16{uint16(v >> 16), uint16(v)}, nil

	case TypeU32LE:
		v := uint32(raw)
		return []uint16{uint16(v), uint16(v >> 16)}, nil

	case TypeI32BE:
		v := uint32(int32(raw))
		return []uint16{uint16(v >> 16), uint16(v)}, nil

	case TypeI32LE:
		v := uint32(int32(raw))
		return []uint16{uint16(v), uint16(v >> 16)}, nil

	case TypeF32BE:
		bits := math.Float32bits(float32(raw))
		return []uint16{uint16(bits >> 16), uint16(bits)}, nil

	case TypeF32LE:
		bits := math.Float32bits(float32(raw))
		return []uint16{uint16(bits), uint16(bits >> 16)}, nil

	default:
		return nil, fmt.Errorf("device: unsupported write data type %q", dataType)
	}
}

func valueChanged(prev Value, next float64) bool {
	if !prev.Valid {
		return true
	}
	delta := next - prev.RawFloat
	if delta < 0 {
		delta = -delta
	}
	return delta > valueChangeThreshold
}
