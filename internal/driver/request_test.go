// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package driver

import (
	"bytes"
	"testing"

	"github.com/nishisan-dev/n-vst/internal/vpack"
)

func TestRequest_EncodePayload(t *testing.T) {
	req := NewRequest("mydb", MethodPost, "/_api/document/users")
	req.Query["waitForSync"] = "true"
	req.Header["x-custom"] = "1"
	req.Body = []byte("opaque body")

	payload, err := req.encodePayload()
	if err != nil {
		t.Fatalf("encodePayload: %v", err)
	}

	head := vpack.Slice(payload)
	headSize, err := head.ByteSize()
	if err != nil {
		t.Fatalf("ByteSize: %v", err)
	}
	if !bytes.Equal(payload[headSize:], []byte("opaque body")) {
		t.Error("body must follow the head untouched")
	}

	n, err := head.Len()
	if err != nil || n != 7 {
		t.Fatalf("expected 7-element head, got %d (%v)", n, err)
	}

	checkInt := func(i int, want int64) {
		t.Helper()
		el, err := head.At(i)
		if err != nil {
			t.Fatalf("At(%d): %v", i, err)
		}
		if v, _ := el.GetInt(); v != want {
			t.Errorf("element %d: expected %d, got %d", i, want, v)
		}
	}
	checkString := func(i int, want string) {
		t.Helper()
		el, err := head.At(i)
		if err != nil {
			t.Fatalf("At(%d): %v", i, err)
		}
		if v, _ := el.GetString(); v != want {
			t.Errorf("element %d: expected %q, got %q", i, want, v)
		}
	}

	checkInt(0, 1) // version
	checkInt(1, 1) // type REQUEST
	checkString(2, "mydb")
	checkInt(3, 2) // POST
	checkString(4, "/_api/document/users")

	query, err := head.At(5)
	if err != nil {
		t.Fatalf("At(5): %v", err)
	}
	q, err := query.StringMap()
	if err != nil {
		t.Fatalf("query StringMap: %v", err)
	}
	if q["waitForSync"] != "true" {
		t.Errorf("unexpected query params: %v", q)
	}
}

func TestRequest_DefaultDatabase(t *testing.T) {
	req := NewRequest("", MethodGet, "/_api/version")
	if req.Database != "_system" {
		t.Errorf("expected _system, got %q", req.Database)
	}
}

func TestRequest_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  *Request
	}{
		{"path without slash", &Request{Database: "x", Method: MethodGet, Path: "no-slash"}},
		{"empty path", &Request{Database: "x", Method: MethodGet}},
		{"invalid method", &Request{Database: "x", Method: Method(42), Path: "/x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.req.encodePayload(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestMethodCodes(t *testing.T) {
	// Códigos do wire: DELETE=0, GET=1, POST=2, PUT=3, HEAD=4, PATCH=5, OPTIONS=6.
	codes := map[Method]int{
		MethodDelete: 0, MethodGet: 1, MethodPost: 2, MethodPut: 3,
		MethodHead: 4, MethodPatch: 5, MethodOptions: 6,
	}
	for m, want := range codes {
		if int(m) != want {
			t.Errorf("%s: expected code %d, got %d", m, want, int(m))
		}
	}
}

func TestParseResponse(t *testing.T) {
	payload := responsePayload(503, map[string]string{"x-arango-endpoint": "tcp://other:8529"}, []byte("body"))
	resp, err := parseResponse(payload)
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if resp.Version != 1 || resp.Type != 2 {
		t.Errorf("unexpected envelope: %+v", resp)
	}
	if resp.ResponseCode != 503 {
		t.Errorf("expected 503, got %d", resp.ResponseCode)
	}
	if resp.Meta["x-arango-endpoint"] != "tcp://other:8529" {
		t.Errorf("unexpected meta: %v", resp.Meta)
	}
	if string(resp.Body) != "body" {
		t.Errorf("unexpected body: %q", resp.Body)
	}
	if resp.IsSuccess() {
		t.Error("503 must not be success")
	}
}

func TestParseResponse_WithoutMeta(t *testing.T) {
	head := vpack.Array(vpack.Int(1), vpack.Int(2), vpack.Int(200))
	resp, err := parseResponse(head)
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if resp.ResponseCode != 200 || len(resp.Meta) != 0 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestParseResponse_WrongType(t *testing.T) {
	head := vpack.Array(vpack.Int(1), vpack.Int(1), vpack.Int(200))
	if _, err := parseResponse(head); err == nil {
		t.Fatal("expected error for request-typed envelope")
	}
}
