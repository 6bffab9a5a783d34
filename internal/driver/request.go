// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package driver implementa o núcleo do client VST: records de request e
// response, métodos de autenticação, o message store de completions, a frota
// de executors single-thread e a conexão reativa.
package driver

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/nishisan-dev/n-vst/internal/vpack"
)

// Versão do protocolo e tipos de mensagem do envelope VST.
const (
	protocolVersion = 1
	typeRequest     = 1
	typeResponse    = 2
	typeAuth        = 1000
)

// Method é o verbo HTTP-style de um request, com os códigos inteiros do wire.
type Method int

// Códigos de método do envelope VST.
const (
	MethodDelete  Method = 0
	MethodGet     Method = 1
	MethodPost    Method = 2
	MethodPut     Method = 3
	MethodHead    Method = 4
	MethodPatch   Method = 5
	MethodOptions Method = 6
)

func (m Method) String() string {
	switch m {
	case MethodDelete:
		return "DELETE"
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodPut:
		return "PUT"
	case MethodHead:
		return "HEAD"
	case MethodPatch:
		return "PATCH"
	case MethodOptions:
		return "OPTIONS"
	default:
		return "METHOD(" + strconv.Itoa(int(m)) + ")"
	}
}

// Request é o record imutável de um request: não deve ser mutado após a
// construção. O Body é consumido pela camada de framing no Execute.
type Request struct {
	Database string
	Method   Method
	Path     string
	Query    map[string]string
	Header   map[string]string
	Body     []byte
}

// NewRequest cria um request para o database e path dados.
// Database vazio vira "_system".
func NewRequest(database string, method Method, path string) *Request {
	if database == "" {
		database = "_system"
	}
	return &Request{
		Database: database,
		Method:   method,
		Path:     path,
		Query:    map[string]string{},
		Header:   map[string]string{},
	}
}

// validate verifica os invariantes de construção.
func (r *Request) validate() error {
	if r.Database == "" {
		return fmt.Errorf("driver: request without database")
	}
	if r.Path == "" || r.Path[0] != '/' {
		return fmt.Errorf("driver: request path %q must start with '/'", r.Path)
	}
	if r.Method < MethodDelete || r.Method > MethodOptions {
		return fmt.Errorf("driver: invalid method code %d", int(r.Method))
	}
	return nil
}

// encodePayload produz o payload da mensagem: o head VelocyPack
// [version, type, database, methodCode, path, query, headers] seguido do
// body opaco.
func (r *Request) encodePayload() ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	head := vpack.Array(
		vpack.Int(protocolVersion),
		vpack.Int(typeRequest),
		vpack.String(r.Database),
		vpack.Int(int64(r.Method)),
		vpack.String(r.Path),
		stringObject(r.Query),
		stringObject(r.Header),
	)
	payload := make([]byte, 0, len(head)+len(r.Body))
	payload = append(payload, head...)
	payload = append(payload, r.Body...)
	return payload, nil
}

// stringObject codifica um map string→string com chaves em ordem estável.
func stringObject(m map[string]string) []byte {
	if len(m) == 0 {
		return vpack.Object()
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]vpack.KV, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, vpack.KV{Key: k, Value: vpack.String(m[k])})
	}
	return vpack.Object(pairs...)
}
