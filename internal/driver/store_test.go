// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package driver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nishisan-dev/n-vst/internal/vpack"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func responsePayload(code int, meta map[string]string, body []byte) []byte {
	metaPairs := make([]vpack.KV, 0, len(meta))
	for k, v := range meta {
		metaPairs = append(metaPairs, vpack.KV{Key: k, Value: vpack.String(v)})
	}
	head := vpack.Array(vpack.Int(1), vpack.Int(2), vpack.Int(int64(code)), vpack.Object(metaPairs...))
	return append(append([]byte{}, head...), body...)
}

func TestMessageStore_Resolve(t *testing.T) {
	store := NewMessageStore(testLogger())
	comp := store.Add(1)
	if store.Size() != 1 {
		t.Fatalf("expected 1 slot, got %d", store.Size())
	}

	body := []byte("result bytes")
	if err := store.Resolve(1, responsePayload(200, map[string]string{"x-request-id": "abc"}, body)); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if store.Size() != 0 {
		t.Errorf("expected empty store after resolve, got %d", store.Size())
	}

	resp, err := comp.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if resp.ResponseCode != 200 {
		t.Errorf("expected 200, got %d", resp.ResponseCode)
	}
	if resp.Meta["x-request-id"] != "abc" {
		t.Errorf("unexpected meta: %v", resp.Meta)
	}
	if !bytes.Equal(resp.Body, body) {
		t.Errorf("unexpected body: %q", resp.Body)
	}
}

func TestMessageStore_ResolveUnknownID(t *testing.T) {
	store := NewMessageStore(testLogger())
	// Id desconhecido: loga e descarta, sem derrubar nada.
	if err := store.Resolve(99, responsePayload(200, nil, nil)); err != nil {
		t.Fatalf("expected nil error for unknown id, got %v", err)
	}
}

func TestMessageStore_ResolveMalformedPayload(t *testing.T) {
	store := NewMessageStore(testLogger())
	comp := store.Add(1)

	if err := store.Resolve(1, []byte{0xff, 0x00}); err == nil {
		t.Fatal("expected error for malformed response payload")
	}
	// O slot falha junto.
	if _, err := comp.Await(context.Background()); err == nil {
		t.Fatal("expected failed completion")
	}
}

func TestMessageStore_Clear(t *testing.T) {
	store := NewMessageStore(testLogger())
	comps := []*Completion{store.Add(1), store.Add(2), store.Add(3)}

	cause := errors.New("connection lost")
	store.Clear(cause)
	if store.Size() != 0 {
		t.Fatalf("expected empty store, got %d", store.Size())
	}

	for i, comp := range comps {
		if _, err := comp.Await(context.Background()); !errors.Is(err, cause) {
			t.Errorf("slot %d: expected clear error, got %v", i+1, err)
		}
	}
}

func TestCompletion_AwaitContext(t *testing.T) {
	store := NewMessageStore(testLogger())
	comp := store.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := comp.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	// Resolução tardia não bloqueia nem entrega a ninguém.
	if err := store.Resolve(1, responsePayload(200, nil, nil)); err != nil {
		t.Fatalf("late resolve: %v", err)
	}
}
