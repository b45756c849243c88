// Package dltensor implements the exchange-tensor layer of the bridge:
// DLPack-compatible descriptors built zero-copy over pipeline buffers,
// and single-owner capsules that carry them across the call boundary.
package dltensor

import (
	"errors"
	"fmt"

	"github.com/x448/float16"
)

// DataType is the pipeline's internal element type tag.
type DataType int

const (
	Bool DataType = iota
	Uint8
	Uint16
	Uint32
	Uint64
	Int8
	Int16
	Int32
	Int64
	Float16
	Float32
	Float64
)

// Size returns the byte size of one element.
func (d DataType) Size() int {
	switch d {
	case Bool, Uint8, Int8:
		return 1
	case Uint16, Int16, Float16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Uint64, Int64, Float64:
		return 8
	default:
		panic(fmt.Sprintf("dltensor: size of unknown DataType %d", d))
	}
}

func (d DataType) String() string {
	switch d {
	case Bool:
		return "bool"
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}

// TypeCode is the DLPack type-class code.
type TypeCode uint8

const (
	CodeInt    TypeCode = 0
	CodeUint   TypeCode = 1
	CodeFloat  TypeCode = 2
	CodeBfloat TypeCode = 4
	CodeBool   TypeCode = 6
)

// ExchangeDType is the (code, bits, lanes) triple of the exchange protocol.
type ExchangeDType struct {
	Code  TypeCode
	Bits  uint8
	Lanes uint16
}

func (t ExchangeDType) String() string {
	return fmt.Sprintf("{code:%d bits:%d lanes:%d}", t.Code, t.Bits, t.Lanes)
}

// ErrUnsupportedType is returned when a type has no mapping in either
// direction, e.g. vectorized lanes or an exotic bit width.
var ErrUnsupportedType = errors.New("dltensor: unsupported data type")

// ToExchangeType maps an internal type tag to its exchange triple.
func ToExchangeType(dt DataType) (ExchangeDType, error) {
	switch dt {
	case Bool:
		return ExchangeDType{CodeBool, 8, 1}, nil
	case Uint8:
		return ExchangeDType{CodeUint, 8, 1}, nil
	case Uint16:
		return ExchangeDType{CodeUint, 16, 1}, nil
	case Uint32:
		return ExchangeDType{CodeUint, 32, 1}, nil
	case Uint64:
		return ExchangeDType{CodeUint, 64, 1}, nil
	case Int8:
		return ExchangeDType{CodeInt, 8, 1}, nil
	case Int16:
		return ExchangeDType{CodeInt, 16, 1}, nil
	case Int32:
		return ExchangeDType{CodeInt, 32, 1}, nil
	case Int64:
		return ExchangeDType{CodeInt, 64, 1}, nil
	case Float16:
		return ExchangeDType{CodeFloat, 16, 1}, nil
	case Float32:
		return ExchangeDType{CodeFloat, 32, 1}, nil
	case Float64:
		return ExchangeDType{CodeFloat, 64, 1}, nil
	default:
		return ExchangeDType{}, fmt.Errorf("%w: internal tag %d", ErrUnsupportedType, dt)
	}
}

// FromExchangeType maps an exchange triple back to the internal tag.
func FromExchangeType(t ExchangeDType) (DataType, error) {
	if t.Lanes != 1 {
		return 0, fmt.Errorf("%w: %s (lanes != 1)", ErrUnsupportedType, t)
	}
	switch t.Code {
	case CodeBool:
		if t.Bits == 8 {
			return Bool, nil
		}
	case CodeUint:
		switch t.Bits {
		case 8:
			return Uint8, nil
		case 16:
			return Uint16, nil
		case 32:
			return Uint32, nil
		case 64:
			return Uint64, nil
		}
	case CodeInt:
		switch t.Bits {
		case 8:
			return Int8, nil
		case 16:
			return Int16, nil
		case 32:
			return Int32, nil
		case 64:
			return Int64, nil
		}
	case CodeFloat:
		switch t.Bits {
		case 16:
			return Float16, nil
		case 32:
			return Float32, nil
		case 64:
			return Float64, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
}

// Float16Bits converts f to its IEEE 754 binary16 representation.
func Float16Bits(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// Float16Value converts a binary16 representation to float32.
func Float16Value(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}
