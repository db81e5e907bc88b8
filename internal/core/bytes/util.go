// Package bytes converts between fixed-layout structs and the little-endian
// byte streams exchanged with the companion and the host.
package bytes

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
)

var ErrNotStruct = errors.New("value is not a struct")

// BytesFromStruct serializes the fields of a struct in declaration order.
// Nested structs are flattened in place.
func BytesFromStruct(data interface{}) ([]byte, error) {
	val := reflect.ValueOf(data)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return nil, fmt.Errorf("BytesFromStruct(): %w, got %v", ErrNotStruct, val.Kind())
	}

	converted := new(bytes.Buffer)
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)

		switch field.Kind() {
		case reflect.Struct, reflect.Ptr:
			b, err := BytesFromStruct(field.Interface())
			if err != nil {
				return nil, err
			}
			converted.Write(b)
		default:
			if err := binary.Write(converted, binary.LittleEndian, field.Interface()); err != nil {
				return nil, fmt.Errorf("BytesFromStruct(): field %s: %w", val.Type().Field(i).Name, err)
			}
		}
	}
	return converted.Bytes(), nil
}

// StructFromBytes fills the struct pointed to by target from data, field by
// field in declaration order. It fails without panicking when data is too
// short, since data usually comes from another process.
func StructFromBytes(data []byte, target interface{}) error {
	targetVal := reflect.ValueOf(target)
	if targetVal.Kind() != reflect.Ptr || targetVal.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("StructFromBytes(): %w, got %v", ErrNotStruct, targetVal.Kind())
	}

	reader := bytes.NewReader(data)
	val := targetVal.Elem()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)

		var err error
		switch field.Kind() {
		case reflect.Ptr:
			err = binary.Read(reader, binary.LittleEndian, field.Interface())
		default:
			err = binary.Read(reader, binary.LittleEndian, field.Addr().Interface())
		}
		if err != nil {
			return fmt.Errorf("StructFromBytes(): field %s: %w", val.Type().Field(i).Name, err)
		}
	}
	return nil
}
