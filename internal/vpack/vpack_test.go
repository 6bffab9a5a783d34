// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package vpack

import (
	"bytes"
	"testing"
)

func TestInt_RoundTrip(t *testing.T) {
	values := []int64{0, 1, 9, -1, -6, 10, 200, 255, 256, 65535, 65536, 1 << 31, 1<<40 + 7, -7, -200, -70000}
	for _, v := range values {
		enc := Int(v)
		got, err := Slice(enc).GetInt()
		if err != nil {
			t.Fatalf("GetInt(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("expected %d, got %d", v, got)
		}
		size, err := Slice(enc).ByteSize()
		if err != nil {
			t.Fatalf("ByteSize(%d): %v", v, err)
		}
		if size != len(enc) {
			t.Errorf("value %d: ByteSize %d != encoded length %d", v, size, len(enc))
		}
	}
}

func TestString_RoundTrip(t *testing.T) {
	long := string(bytes.Repeat([]byte("x"), 500))
	for _, s := range []string{"", "a", "_system", "çãé", long} {
		enc := String(s)
		got, err := Slice(enc).GetString()
		if err != nil {
			t.Fatalf("GetString(%q): %v", s, err)
		}
		if got != s {
			t.Errorf("expected %q, got %q", s, got)
		}
	}
}

func TestArray_RoundTrip(t *testing.T) {
	arr := Slice(Array(Int(1), Int(1), String("_system"), Int(1), String("/_api/version")))
	if !arr.IsArray() {
		t.Fatal("expected array")
	}
	n, err := arr.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 elements, got %d", n)
	}

	el, err := arr.At(2)
	if err != nil {
		t.Fatalf("At(2): %v", err)
	}
	if s, _ := el.GetString(); s != "_system" {
		t.Errorf("expected _system, got %q", s)
	}
	el, err = arr.At(4)
	if err != nil {
		t.Fatalf("At(4): %v", err)
	}
	if s, _ := el.GetString(); s != "/_api/version" {
		t.Errorf("expected path, got %q", s)
	}

	if _, err := arr.At(5); err == nil {
		t.Error("expected error for out-of-range index")
	}
}

func TestArray_Empty(t *testing.T) {
	arr := Slice(Array())
	n, err := arr.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty array, got %d elements", n)
	}
	size, _ := arr.ByteSize()
	if size != 1 {
		t.Errorf("expected 1-byte empty array, got %d", size)
	}
}

func TestArray_LargeNeedsWiderIndex(t *testing.T) {
	// 300 strings de 10 bytes estouram o limite de 255 bytes do formato
	// com index de 1 byte; o encoder precisa promover a largura.
	items := make([][]byte, 300)
	for i := range items {
		items[i] = String("abcdefghij")
	}
	arr := Slice(Array(items...))
	n, err := arr.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 300 {
		t.Fatalf("expected 300 elements, got %d", n)
	}
	last, err := arr.At(299)
	if err != nil {
		t.Fatalf("At(299): %v", err)
	}
	if s, _ := last.GetString(); s != "abcdefghij" {
		t.Errorf("unexpected element: %q", s)
	}
}

func TestObject_Get(t *testing.T) {
	obj := Slice(Object(
		KV{Key: "version", Value: String("3.12.0")},
		KV{Key: "server", Value: String("nvst")},
		KV{Key: "count", Value: Int(42)},
	))
	if !obj.IsObject() {
		t.Fatal("expected object")
	}

	v, err := obj.Get("version")
	if err != nil {
		t.Fatalf("Get(version): %v", err)
	}
	if s, _ := v.GetString(); s != "3.12.0" {
		t.Errorf("expected 3.12.0, got %q", s)
	}

	c, err := obj.Get("count")
	if err != nil {
		t.Fatalf("Get(count): %v", err)
	}
	if n, _ := c.GetInt(); n != 42 {
		t.Errorf("expected 42, got %d", n)
	}

	if _, err := obj.Get("missing"); err == nil {
		t.Error("expected ErrKeyNotFound for missing key")
	}
}

func TestObject_StringMap(t *testing.T) {
	obj := Slice(Object(
		KV{Key: "a", Value: String("1")},
		KV{Key: "b", Value: String("2")},
	))
	m, err := obj.StringMap()
	if err != nil {
		t.Fatalf("StringMap: %v", err)
	}
	if len(m) != 2 || m["a"] != "1" || m["b"] != "2" {
		t.Errorf("unexpected map: %v", m)
	}
}

func TestObject_EmptyStringMap(t *testing.T) {
	m, err := Slice(Object()).StringMap()
	if err != nil {
		t.Fatalf("StringMap: %v", err)
	}
	if len(m) != 0 {
		t.Errorf("expected empty map, got %v", m)
	}
}

func TestNested_RoundTrip(t *testing.T) {
	head := Slice(Array(
		Int(1),
		Int(1),
		String("_system"),
		Int(1),
		String("/_api/version"),
		Object(KV{Key: "details", Value: String("true")}),
		Object(),
	))
	n, err := head.Len()
	if err != nil || n != 7 {
		t.Fatalf("expected 7 elements, got %d (%v)", n, err)
	}
	q, err := head.At(5)
	if err != nil {
		t.Fatalf("At(5): %v", err)
	}
	m, err := q.StringMap()
	if err != nil {
		t.Fatalf("StringMap: %v", err)
	}
	if m["details"] != "true" {
		t.Errorf("unexpected query params: %v", m)
	}
}

func TestAppendJSON(t *testing.T) {
	obj := Slice(Object(
		KV{Key: "name", Value: String("nvst")},
		KV{Key: "tags", Value: Array(Int(1), Int(2))},
	))
	out, err := obj.AppendJSON(nil)
	if err != nil {
		t.Fatalf("AppendJSON: %v", err)
	}
	want := `{"name":"nvst","tags":[1,2]}`
	if string(out) != want {
		t.Errorf("expected %s, got %s", want, out)
	}
}

func TestSlice_TrailingBytesIgnored(t *testing.T) {
	// Uma Slice pode apontar para dentro de um buffer maior (head + body);
	// ByteSize delimita o valor.
	head := Array(Int(1), Int(2), Int(200), Object())
	payload := append(append([]byte{}, head...), []byte("raw body bytes")...)

	s := Slice(payload)
	size, err := s.ByteSize()
	if err != nil {
		t.Fatalf("ByteSize: %v", err)
	}
	if size != len(head) {
		t.Errorf("expected head size %d, got %d", len(head), size)
	}
	code, err := s.At(2)
	if err != nil {
		t.Fatalf("At(2): %v", err)
	}
	if v, _ := code.GetInt(); v != 200 {
		t.Errorf("expected 200, got %d", v)
	}
}
