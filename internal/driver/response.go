// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package driver

import (
	"errors"
	"fmt"

	"github.com/nishisan-dev/n-vst/internal/vpack"
)

// Response é o record imutável de uma resposta do server. O Body pertence ao
// caller após a entrega. Um ResponseCode não-2xx NÃO é erro do driver: é
// devolvido inalterado ao caller.
type Response struct {
	Version      int
	Type         int
	ResponseCode int
	Meta         map[string]string
	Body         []byte
}

// IsSuccess reporta se o response code é da classe 2xx.
func (r *Response) IsSuccess() bool {
	return r.ResponseCode >= 200 && r.ResponseCode < 300
}

// parseResponse decodifica o payload de uma mensagem de resposta:
// head VelocyPack [version, type, responseCode, meta?] seguido do body.
func parseResponse(payload []byte) (*Response, error) {
	head := vpack.Slice(payload)
	if !head.IsArray() {
		return nil, fmt.Errorf("driver: response head is not an array")
	}
	headSize, err := head.ByteSize()
	if err != nil || headSize > len(payload) {
		return nil, fmt.Errorf("driver: malformed response head: %w", err)
	}
	n, err := head.Len()
	if err != nil {
		return nil, fmt.Errorf("driver: malformed response head: %w", err)
	}
	if n < 3 {
		return nil, fmt.Errorf("driver: response head with %d elements", n)
	}

	version, err := intAt(head, 0)
	if err != nil {
		return nil, err
	}
	msgType, err := intAt(head, 1)
	if err != nil {
		return nil, err
	}
	if msgType != typeResponse {
		return nil, fmt.Errorf("driver: unexpected message type %d in response", msgType)
	}
	code, err := intAt(head, 2)
	if err != nil {
		return nil, err
	}

	meta := map[string]string{}
	if n >= 4 {
		el, err := head.At(3)
		if err != nil {
			return nil, fmt.Errorf("driver: reading response meta: %w", err)
		}
		meta, err = el.StringMap()
		if err != nil {
			return nil, fmt.Errorf("driver: decoding response meta: %w", err)
		}
	}

	return &Response{
		Version:      int(version),
		Type:         int(msgType),
		ResponseCode: int(code),
		Meta:         meta,
		Body:         payload[headSize:],
	}, nil
}

func intAt(s vpack.Slice, i int) (int64, error) {
	el, err := s.At(i)
	if err != nil {
		return 0, fmt.Errorf("driver: response head element %d: %w", i, err)
	}
	v, err := el.GetInt()
	if err != nil {
		if errors.Is(err, vpack.ErrInvalidType) {
			return 0, fmt.Errorf("driver: response head element %d is not an int", i)
		}
		return 0, err
	}
	return v, nil
}
