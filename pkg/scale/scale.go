// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

// Package scale implements the canonical length-delimited binary encoding
// used for every on-disk key/value and every signed payload in the
// parachain subsystems. It mirrors the shape of gossamer's own pkg/scale
// (VaryingDataType plus Marshal/Unmarshal), reimplemented on top of
// reflection since the original codec's source was not retrievable from
// the reference corpus (see DESIGN.md).
package scale

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
	"sort"
)

// VaryingDataTypeValue is implemented by every concrete variant that can be
// stored inside a VaryingDataType. Index is the variant's stable wire tag.
type VaryingDataTypeValue interface {
	Index() uint
}

// VaryingDataType is a closed sum type: a value is always one of a fixed,
// pre-registered set of VaryingDataTypeValue implementations.
type VaryingDataType struct {
	variants map[uint]VaryingDataTypeValue
	value    VaryingDataTypeValue
}

// NewVaryingDataType registers the set of valid variants for a varying data
// type. The zero value has no value set until Set is called.
func NewVaryingDataType(values ...VaryingDataTypeValue) (VaryingDataType, error) {
	variants := make(map[uint]VaryingDataTypeValue, len(values))
	for _, v := range values {
		if _, ok := variants[v.Index()]; ok {
			return VaryingDataType{}, fmt.Errorf("duplicate variant index %d", v.Index())
		}
		variants[v.Index()] = v
	}
	return VaryingDataType{variants: variants}, nil
}

// MustNewVaryingDataType panics if NewVaryingDataType would return an error.
func MustNewVaryingDataType(values ...VaryingDataTypeValue) VaryingDataType {
	vdt, err := NewVaryingDataType(values...)
	if err != nil {
		panic(err)
	}
	return vdt
}

// Set assigns a value to the varying data type, registering value's Index()
// as a variant if it is not one already. It never returns an error.
func (vdt *VaryingDataType) Set(value VaryingDataTypeValue) error {
	if vdt.variants == nil {
		vdt.variants = make(map[uint]VaryingDataTypeValue)
	}
	vdt.variants[value.Index()] = value
	vdt.value = value
	return nil
}

// Value returns the currently set value, or an error if none has been set.
func (vdt *VaryingDataType) Value() (VaryingDataTypeValue, error) {
	if vdt.value == nil {
		return nil, fmt.Errorf("no value set for varying data type")
	}
	return vdt.value, nil
}

// variantByIndex is used by Unmarshal to reconstruct a VDT from its wire tag.
func (vdt *VaryingDataType) variantByIndex(index uint) (VaryingDataTypeValue, error) {
	v, ok := vdt.variants[index]
	if !ok {
		return nil, fmt.Errorf("no registered variant with index %d", index)
	}
	// return a fresh zero value of the same concrete type so Unmarshal
	// does not mutate the registered template.
	t := reflect.TypeOf(v)
	return reflect.New(t).Elem().Interface().(VaryingDataTypeValue), nil
}

// Marshal encodes v into the canonical length-delimited binary format.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustMarshal panics if Marshal would return an error.
func MustMarshal(v any) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Unmarshal decodes data into the value pointed to by vPtr.
func Unmarshal(data []byte, vPtr any) error {
	buf := bytes.NewBuffer(data)
	rv := reflect.ValueOf(vPtr)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("unmarshal target must be a non-nil pointer")
	}
	return decodeValue(buf, rv.Elem())
}

func encodeValue(buf *bytes.Buffer, v reflect.Value) error {
	if !v.IsValid() {
		return fmt.Errorf("cannot encode invalid value")
	}

	// Types defined from VaryingDataType (type X scale.VaryingDataType) encode
	// as the varying data type they are built on.
	vdtType := reflect.TypeOf(VaryingDataType{})
	if v.Kind() == reflect.Struct && v.Type() != vdtType && v.Type().ConvertibleTo(vdtType) {
		v = v.Convert(vdtType)
	}

	if vdt, ok := v.Interface().(VaryingDataType); ok {
		val, err := vdt.Value()
		if err != nil {
			return err
		}
		if err := binary.Write(buf, binary.LittleEndian, uint8(val.Index())); err != nil {
			return err
		}
		return encodeValue(buf, reflect.ValueOf(val))
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return buf.WriteByte(0)
		}
		if err := buf.WriteByte(1); err != nil {
			return err
		}
		return encodeValue(buf, v.Elem())
	case reflect.Bool:
		b := byte(0)
		if v.Bool() {
			b = 1
		}
		return buf.WriteByte(b)
	case reflect.Uint8:
		return buf.WriteByte(byte(v.Uint()))
	case reflect.Uint16:
		return binary.Write(buf, binary.LittleEndian, uint16(v.Uint()))
	case reflect.Uint32:
		return binary.Write(buf, binary.LittleEndian, uint32(v.Uint()))
	case reflect.Uint, reflect.Uint64:
		return binary.Write(buf, binary.LittleEndian, v.Uint())
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int, reflect.Int64:
		return binary.Write(buf, binary.LittleEndian, v.Int())
	case reflect.String:
		return encodeBytes(buf, []byte(v.String()))
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			_, err := buf.Write(b)
			return err
		}
		for i := 0; i < v.Len(); i++ {
			if err := encodeValue(buf, v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := v.Bytes()
			return encodeBytes(buf, b)
		}
		if err := encodeCompactLength(buf, v.Len()); err != nil {
			return err
		}
		for i := 0; i < v.Len(); i++ {
			if err := encodeValue(buf, v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		if err := encodeCompactLength(buf, len(keys)); err != nil {
			return err
		}
		for _, k := range keys {
			if err := encodeValue(buf, k); err != nil {
				return err
			}
			if err := encodeValue(buf, v.MapIndex(k)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Type().Field(i)
			if field.PkgPath != "" {
				continue // unexported
			}
			if err := encodeValue(buf, v.Field(i)); err != nil {
				return fmt.Errorf("encoding field %s: %w", field.Name, err)
			}
		}
		return nil
	case reflect.Interface:
		return encodeValue(buf, v.Elem())
	default:
		return fmt.Errorf("scale: unsupported kind %s", v.Kind())
	}
}

func encodeBytes(buf *bytes.Buffer, b []byte) error {
	if err := encodeCompactLength(buf, len(b)); err != nil {
		return err
	}
	_, err := buf.Write(b)
	return err
}

func encodeCompactLength(buf *bytes.Buffer, n int) error {
	return binary.Write(buf, binary.LittleEndian, uint32(n))
}

func decodeValue(buf *bytes.Buffer, v reflect.Value) error {
	if !v.CanSet() {
		return fmt.Errorf("cannot decode into unaddressable value")
	}

	if v.Type() == reflect.TypeOf(VaryingDataType{}) {
		tagByte, err := buf.ReadByte()
		if err != nil {
			return err
		}
		vdt := v.Interface().(VaryingDataType)
		val, err := vdt.variantByIndex(uint(tagByte))
		if err != nil {
			return err
		}
		valPtr := reflect.New(reflect.TypeOf(val))
		valPtr.Elem().Set(reflect.ValueOf(val))
		if err := decodeValue(buf, valPtr.Elem()); err != nil {
			return err
		}
		if err := vdt.Set(valPtr.Elem().Interface().(VaryingDataTypeValue)); err != nil {
			return err
		}
		v.Set(reflect.ValueOf(vdt))
		return nil
	}

	switch v.Kind() {
	case reflect.Ptr:
		tagByte, err := buf.ReadByte()
		if err != nil {
			return err
		}
		if tagByte == 0 {
			v.Set(reflect.Zero(v.Type()))
			return nil
		}
		v.Set(reflect.New(v.Type().Elem()))
		return decodeValue(buf, v.Elem())
	case reflect.Bool:
		b, err := buf.ReadByte()
		if err != nil {
			return err
		}
		v.SetBool(b != 0)
		return nil
	case reflect.Uint8:
		b, err := buf.ReadByte()
		if err != nil {
			return err
		}
		v.SetUint(uint64(b))
		return nil
	case reflect.Uint16:
		var x uint16
		if err := binary.Read(buf, binary.LittleEndian, &x); err != nil {
			return err
		}
		v.SetUint(uint64(x))
		return nil
	case reflect.Uint32:
		var x uint32
		if err := binary.Read(buf, binary.LittleEndian, &x); err != nil {
			return err
		}
		v.SetUint(uint64(x))
		return nil
	case reflect.Uint, reflect.Uint64:
		var x uint64
		if err := binary.Read(buf, binary.LittleEndian, &x); err != nil {
			return err
		}
		v.SetUint(x)
		return nil
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int, reflect.Int64:
		var x int64
		if err := binary.Read(buf, binary.LittleEndian, &x); err != nil {
			return err
		}
		v.SetInt(x)
		return nil
	case reflect.String:
		b, err := decodeBytes(buf)
		if err != nil {
			return err
		}
		v.SetString(string(b))
		return nil
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			if _, err := buf.Read(b); err != nil {
				return err
			}
			reflect.Copy(v, reflect.ValueOf(b))
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := decodeValue(buf, v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := decodeBytes(buf)
			if err != nil {
				return err
			}
			v.SetBytes(b)
			return nil
		}
		n, err := decodeCompactLength(buf)
		if err != nil {
			return err
		}
		s := reflect.MakeSlice(v.Type(), n, n)
		for i := 0; i < n; i++ {
			if err := decodeValue(buf, s.Index(i)); err != nil {
				return err
			}
		}
		v.Set(s)
		return nil
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Type().Field(i)
			if field.PkgPath != "" {
				continue
			}
			if err := decodeValue(buf, v.Field(i)); err != nil {
				return fmt.Errorf("decoding field %s: %w", field.Name, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("scale: unsupported kind %s", v.Kind())
	}
}

func decodeBytes(buf *bytes.Buffer) ([]byte, error) {
	n, err := decodeCompactLength(buf)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n == 0 {
		return b, nil
	}
	if _, err := buf.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func decodeCompactLength(buf *bytes.Buffer) (int, error) {
	var n uint32
	if err := binary.Read(buf, binary.LittleEndian, &n); err != nil {
		return 0, err
	}
	return int(n), nil
}
