// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package driver

import (
	"context"
	"fmt"
	"log/slog"
)

// outcome é o resultado terminal de um completion slot.
type outcome struct {
	resp *Response
	err  error
}

// Completion é o handle aguardável de um request em voo. O slot é resolvido
// ou falhado exatamente uma vez, sempre no executor da conexão dona; Await
// pode ser chamado de qualquer goroutine.
type Completion struct {
	ch chan outcome
}

func newCompletion() *Completion {
	return &Completion{ch: make(chan outcome, 1)}
}

// Await bloqueia até o slot resolver ou o context expirar. Um Await que
// desiste (context cancelado) não cancela o request: a conexão ainda consome
// a resposta do server e a descarta.
func (c *Completion) Await(ctx context.Context) (*Response, error) {
	select {
	case out := <-c.ch:
		return out.resp, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Completion) complete(out outcome) {
	select {
	case c.ch <- out:
	default:
		// Slot já completado; descarta (caller desistiu ou teardown duplo).
	}
}

// MessageStore mapeia message id → completion slot dos requests em voo de uma
// conexão. Capacidade limitada apenas pelo número de requests pendentes.
// Todas as mutações acontecem no executor da conexão dona.
type MessageStore struct {
	slots  map[uint64]*Completion
	logger *slog.Logger
}

// NewMessageStore cria um store vazio.
func NewMessageStore(logger *slog.Logger) *MessageStore {
	return &MessageStore{
		slots:  make(map[uint64]*Completion),
		logger: logger,
	}
}

// Add aloca um slot PENDING para o message id e retorna o handle.
func (s *MessageStore) Add(id uint64) *Completion {
	c := newCompletion()
	s.slots[id] = c
	return c
}

// Remove descarta um slot sem completá-lo (falha antes do write).
func (s *MessageStore) Remove(id uint64) {
	delete(s.slots, id)
}

// Resolve decodifica o envelope de resposta e completa o slot do id.
// Id desconhecido é violação de protocolo do ponto de vista do peer, mas não
// derruba a conexão: loga e descarta (o caller pode ter desistido).
// Um envelope indecifrável retorna erro — esse sim invalida a conexão.
func (s *MessageStore) Resolve(id uint64, payload []byte) error {
	slot, ok := s.slots[id]
	if !ok {
		s.logger.Warn("response for unknown message id, discarding", "message_id", id)
		return nil
	}
	delete(s.slots, id)

	resp, err := parseResponse(payload)
	if err != nil {
		slot.complete(outcome{err: err})
		return fmt.Errorf("resolving message %d: %w", id, err)
	}
	slot.complete(outcome{resp: resp})
	return nil
}

// Clear falha todos os slots pendentes com o erro dado e esvazia o store.
// Usado na perda da conexão.
func (s *MessageStore) Clear(err error) {
	for id, slot := range s.slots {
		slot.complete(outcome{err: err})
		delete(s.slots, id)
	}
}

// Size retorna o número de requests em voo.
func (s *MessageStore) Size() int {
	return len(s.slots)
}
