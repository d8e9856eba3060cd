package wire

import (
	"encoding/base64"
	"errors"
	"reflect"
	"testing"
)

func TestDecodeFixedIntegers(t *testing.T) {
	value, err := Decode([]byte{0x07})
	if err != nil {
		t.Fatalf("decode positive fixint failed: %v", err)
	}
	if value != int64(7) {
		t.Fatalf("expected 7, got %v", value)
	}
	value, err = Decode([]byte{0xff})
	if err != nil {
		t.Fatalf("decode negative fixint failed: %v", err)
	}
	if value != int64(-1) {
		t.Fatalf("expected -1, got %v", value)
	}
}

func TestDecodeUnsignedWidths(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
		want int64
	}{
		{"uint8", []byte{0xcc, 0xfe}, 254},
		{"uint16", []byte{0xcd, 0x01, 0x00}, 256},
		{"uint32", []byte{0xce, 0x00, 0x01, 0x00, 0x00}, 65536},
		{"uint64", []byte{0xcf, 0, 0, 0, 1, 0, 0, 0, 0}, 4294967296},
	}
	for _, tc := range cases {
		value, err := Decode(tc.buf)
		if err != nil {
			t.Fatalf("%s: decode failed: %v", tc.name, err)
		}
		if value != tc.want {
			t.Fatalf("%s: expected %d, got %v", tc.name, tc.want, value)
		}
	}
}

func TestDecodeStringSizeClasses(t *testing.T) {
	// fixstr
	value, err := Decode([]byte{0xa3, 'a', 'b', 'c'})
	if err != nil || value != "abc" {
		t.Fatalf("fixstr: got %v, %v", value, err)
	}
	// str8
	value, err = Decode([]byte{0xd9, 0x02, 'h', 'i'})
	if err != nil || value != "hi" {
		t.Fatalf("str8: got %v, %v", value, err)
	}
	// str16
	value, err = Decode([]byte{0xda, 0x00, 0x01, 'x'})
	if err != nil || value != "x" {
		t.Fatalf("str16: got %v, %v", value, err)
	}
	// str32
	value, err = Decode([]byte{0xdb, 0x00, 0x00, 0x00, 0x01, 'y'})
	if err != nil || value != "y" {
		t.Fatalf("str32: got %v, %v", value, err)
	}
}

func TestDecodeNilBoolBinary(t *testing.T) {
	if value, err := Decode([]byte{0xc0}); err != nil || value != nil {
		t.Fatalf("nil: got %v, %v", value, err)
	}
	if value, err := Decode([]byte{0xc3}); err != nil || value != true {
		t.Fatalf("true: got %v, %v", value, err)
	}
	if value, err := Decode([]byte{0xc2}); err != nil || value != false {
		t.Fatalf("false: got %v, %v", value, err)
	}
	value, err := Decode([]byte{0xc4, 0x03, 0x01, 0x02, 0x03})
	if err != nil {
		t.Fatalf("bin8 decode failed: %v", err)
	}
	if !reflect.DeepEqual(value, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("bin8: got %v", value)
	}
}

func TestDecodeArraysAndMaps(t *testing.T) {
	// fixarray of two fixints
	value, err := Decode([]byte{0x92, 0x01, 0x02})
	if err != nil {
		t.Fatalf("fixarray decode failed: %v", err)
	}
	if !reflect.DeepEqual(value, []any{int64(1), int64(2)}) {
		t.Fatalf("fixarray: got %v", value)
	}

	// array16 with one element
	value, err = Decode([]byte{0xdc, 0x00, 0x01, 0xa1, 'z'})
	if err != nil {
		t.Fatalf("array16 decode failed: %v", err)
	}
	if !reflect.DeepEqual(value, []any{"z"}) {
		t.Fatalf("array16: got %v", value)
	}

	// fixmap {"k": 1}
	value, err = Decode([]byte{0x81, 0xa1, 'k', 0x01})
	if err != nil {
		t.Fatalf("fixmap decode failed: %v", err)
	}
	if !reflect.DeepEqual(value, map[string]any{"k": int64(1)}) {
		t.Fatalf("fixmap: got %v", value)
	}

	// map16 with integer key coerced to string
	value, err = Decode([]byte{0xde, 0x00, 0x01, 0x05, 0xa1, 'v'})
	if err != nil {
		t.Fatalf("map16 decode failed: %v", err)
	}
	if !reflect.DeepEqual(value, map[string]any{"5": "v"}) {
		t.Fatalf("map16 key coercion: got %v", value)
	}
}

func TestDecodeNestedStructure(t *testing.T) {
	// {"1": {"items": [true, nil]}}
	buf := []byte{
		0x81,
		0x01,
		0x81,
		0xa5, 'i', 't', 'e', 'm', 's',
		0x92, 0xc3, 0xc0,
	}
	value, err := Decode(buf)
	if err != nil {
		t.Fatalf("nested decode failed: %v", err)
	}
	want := map[string]any{
		"1": map[string]any{
			"items": []any{true, nil},
		},
	}
	if !reflect.DeepEqual(value, want) {
		t.Fatalf("nested: got %v", value)
	}
}

func TestDecodeTruncatedInput(t *testing.T) {
	cases := [][]byte{
		{},
		{0xa5, 'a', 'b'},
		{0xd9},
		{0x81, 0xa1, 'k'},
		{0xcd, 0x01},
		{0xc4, 0x05, 0x01},
	}
	for i, buf := range cases {
		if _, err := Decode(buf); !errors.Is(err, ErrTruncated) {
			t.Fatalf("case %d: expected ErrTruncated, got %v", i, err)
		}
	}
}

func TestDecodeUnknownFormatByte(t *testing.T) {
	if _, err := Decode([]byte{0xc1}); !errors.Is(err, ErrUnknownByte) {
		t.Fatalf("expected ErrUnknownByte, got %v", err)
	}
}

func TestDecodeBase64PayloadRepairsPadding(t *testing.T) {
	// fixmap {"k": "v"} encoded then padding stripped
	raw := []byte{0x81, 0xa1, 'k', 0xa1, 'v'}
	encoded := base64.StdEncoding.EncodeToString(raw)
	stripped := encoded
	for len(stripped) > 0 && stripped[len(stripped)-1] == '=' {
		stripped = stripped[:len(stripped)-1]
	}
	value, err := DecodeBase64Payload(stripped)
	if err != nil {
		t.Fatalf("decode base64 payload failed: %v", err)
	}
	if !reflect.DeepEqual(value, map[string]any{"k": "v"}) {
		t.Fatalf("got %v", value)
	}
}
