// Package bitfield packs and unpacks tagged struct fields into a single
// integer word, the way the frame table's owner discriminant and the
// page-table entry's not-present tag bits are described in spec.md §3:
// a handful of narrow fields sharing one machine word.
//
// Adapted from the teacher's src/bitfield (itself based on
// golang.org/x/text/internal/gen/bitfield) — generalized here with an
// Unpack counterpart, since the teacher only ever packed.
package bitfield

import (
	"fmt"
	"reflect"
)

// Config controls the width of the packed word a struct is packed into.
type Config struct {
	// NumBits is the width of the packed word. 0 means "no limit check".
	NumBits uint
}

// Pack packs annotated bit ranges of struct x into an integer. Only fields
// tagged `bitfield:",<width>"` participate; fields are packed low-to-high
// in declaration order.
func Pack(x interface{}, c *Config) (uint64, error) {
	if c == nil {
		c = &Config{NumBits: 64}
	}

	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("bitfield: Pack expected struct, got %v", v.Kind())
	}

	t := v.Type()
	var packed uint64
	var bitOffset uint

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		bits, ok, err := fieldWidth(field)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}

		fieldBits, err := fieldToBits(v.Field(i), field.Name)
		if err != nil {
			return 0, err
		}

		maxValue := uint64(1)<<bits - 1
		if fieldBits > maxValue {
			return 0, fmt.Errorf("bitfield: value %d exceeds %d bits for field %s", fieldBits, bits, field.Name)
		}

		packed |= fieldBits << bitOffset
		bitOffset += bits
	}

	if c.NumBits > 0 && bitOffset > c.NumBits {
		return 0, fmt.Errorf("bitfield: total width %d exceeds NumBits %d", bitOffset, c.NumBits)
	}
	return packed, nil
}

// Unpack is the inverse of Pack: it reads bit ranges out of packed and
// writes them into the tagged fields of *dst.
func Unpack(packed uint64, dst interface{}) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("bitfield: Unpack expects a pointer to struct, got %v", v.Kind())
	}
	v = v.Elem()
	t := v.Type()

	var bitOffset uint
	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		bits, ok, err := fieldWidth(field)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		mask := uint64(1)<<bits - 1
		value := (packed >> bitOffset) & mask
		bitOffset += bits

		fv := v.Field(i)
		if !fv.CanSet() {
			return fmt.Errorf("bitfield: field %s is not settable", field.Name)
		}
		switch fv.Kind() {
		case reflect.Bool:
			fv.SetBool(value != 0)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fv.SetUint(value)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			fv.SetInt(int64(value))
		default:
			return fmt.Errorf("bitfield: unsupported field type %v for field %s", fv.Kind(), field.Name)
		}
	}
	return nil
}

func fieldWidth(field reflect.StructField) (bits uint, ok bool, err error) {
	tag := field.Tag.Get("bitfield")
	if tag == "" {
		return 0, false, nil
	}
	if _, err := fmt.Sscanf(tag, ",%d", &bits); err != nil {
		return 0, false, fmt.Errorf("bitfield: invalid tag %q on field %s", tag, field.Name)
	}
	return bits, bits > 0, nil
}

func fieldToBits(fv reflect.Value, name string) (uint64, error) {
	switch fv.Kind() {
	case reflect.Bool:
		if fv.Bool() {
			return 1, nil
		}
		return 0, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fv.Uint(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		val := fv.Int()
		if val < 0 {
			return 0, fmt.Errorf("bitfield: negative value %d for field %s", val, name)
		}
		return uint64(val), nil
	default:
		return 0, fmt.Errorf("bitfield: unsupported field type %v for field %s", fv.Kind(), name)
	}
}
