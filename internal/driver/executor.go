// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package driver

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrExecutorClosed indica submit após o shutdown da frota.
var ErrExecutorClosed = errors.New("driver: executor closed")

// defaultMailboxSize é o tamanho da fila de tasks de cada executor.
const defaultMailboxSize = 512

// Executor é um ator single-goroutine com mailbox limitada. Todo estado
// mutável de uma conexão é afim ao seu executor: tasks submetidas executam
// uma por vez, na ordem de chegada.
type Executor struct {
	tasks    chan func()
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newExecutor(mailbox int) *Executor {
	e := &Executor{
		tasks:  make(chan func(), mailbox),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	defer close(e.done)
	for {
		select {
		case <-e.stopCh:
			return
		case task := <-e.tasks:
			task()
		}
	}
}

// Submit enfileira uma task. Bloqueia quando a mailbox está cheia.
func (e *Executor) Submit(task func()) error {
	select {
	case <-e.stopCh:
		return ErrExecutorClosed
	default:
	}
	select {
	case e.tasks <- task:
		return nil
	case <-e.stopCh:
		return ErrExecutorClosed
	}
}

func (e *Executor) stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.done
}

// Fleet é a frota limitada de executors do driver, construída explicitamente
// na inicialização e entregue a cada conexão — nenhum estado process-wide.
// Conexões são atribuídas em round-robin.
type Fleet struct {
	executors []*Executor
	next      atomic.Uint32
}

// NewFleet cria size executors (size <= 0 usa o número de CPUs).
func NewFleet(size int) *Fleet {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	f := &Fleet{executors: make([]*Executor, size)}
	for i := range f.executors {
		f.executors[i] = newExecutor(defaultMailboxSize)
	}
	return f
}

// Next retorna o próximo executor em round-robin.
func (f *Fleet) Next() *Executor {
	n := f.next.Add(1) - 1
	return f.executors[int(n)%len(f.executors)]
}

// Size retorna o número de executors da frota.
func (f *Fleet) Size() int {
	return len(f.executors)
}

// Close para todos os executors e aguarda o término das goroutines.
// Tasks ainda na mailbox são descartadas.
func (f *Fleet) Close() {
	for _, e := range f.executors {
		e.stop()
	}
}
