// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
)

// maxChunkLength é o tamanho máximo aceitável de um chunk no wire.
// Protege contra headers malformados que poderiam causar OOM.
const maxChunkLength = 64 * 1024 * 1024 // 64MB

// assembly acompanha a remontagem de uma mensagem multi-chunk.
// Chunks de uma mesma mensagem chegam em ordem crescente de índice (garantia
// do server num único stream TCP); o offset corrente é derivado por acumulação.
// Interleaving entre mensagens distintas é aceito livremente.
type assembly struct {
	data     []byte
	expected uint32 // total de chunks da mensagem
	received uint32 // chunks já aplicados
	written  uint64 // offset corrente de escrita em data
}

// ChunkDecoder consome um stream arbitrário de bytes e emite mensagens
// completas. Mantém um acumulador de bytes parciais e uma tabela de
// remontagem por message id. Não é thread-safe: todo acesso acontece no
// executor da conexão dona.
type ChunkDecoder struct {
	buf     []byte
	pending map[uint64]*assembly
}

// NewChunkDecoder cria um decoder vazio.
func NewChunkDecoder() *ChunkDecoder {
	return &ChunkDecoder{pending: make(map[uint64]*assembly)}
}

// Push acrescenta bytes recebidos do socket e retorna as mensagens que
// completaram. Um erro retornado é um erro de protocolo: o estado do decoder
// fica indefinido e a conexão deve ser derrubada.
func (d *ChunkDecoder) Push(p []byte) ([]Message, error) {
	d.buf = append(d.buf, p...)

	var complete []Message
	pos := 0
	for {
		remaining := d.buf[pos:]
		if len(remaining) < 4 {
			break
		}
		length := binary.LittleEndian.Uint32(remaining[0:4])
		if length < ChunkHeaderSize || length > maxChunkLength {
			return nil, fmt.Errorf("%w: length %d", ErrInvalidChunkHeader, length)
		}
		if uint32(len(remaining)) < length {
			break
		}

		chunk := Chunk{
			Length:        length,
			ChunkX:        binary.LittleEndian.Uint32(remaining[4:8]),
			MessageID:     binary.LittleEndian.Uint64(remaining[8:16]),
			MessageLength: binary.LittleEndian.Uint64(remaining[16:24]),
			Content:       remaining[ChunkHeaderSize:length],
		}
		pos += int(length)

		msg, done, err := d.apply(&chunk)
		if err != nil {
			return nil, err
		}
		if done {
			complete = append(complete, msg)
		}
	}

	// Compacta o acumulador descartando os chunks consumidos.
	if pos > 0 {
		n := copy(d.buf, d.buf[pos:])
		d.buf = d.buf[:n]
	}
	return complete, nil
}

// apply incorpora um chunk na tabela de remontagem.
func (d *ChunkDecoder) apply(c *Chunk) (Message, bool, error) {
	if c.IsFirst() {
		if _, exists := d.pending[c.MessageID]; exists {
			return Message{}, false, fmt.Errorf("%w: %d", ErrDuplicateFirst, c.MessageID)
		}
		count := c.ChunkCount()
		if count == 0 {
			return Message{}, false, fmt.Errorf("%w: zero chunk count", ErrInvalidChunkHeader)
		}

		// Chunk único: a mensagem completa em uma passada, sem slot.
		if count == 1 {
			if uint64(len(c.Content)) != c.MessageLength {
				return Message{}, false, fmt.Errorf("%w: message %d", ErrTruncatedMessage, c.MessageID)
			}
			data := make([]byte, len(c.Content))
			copy(data, c.Content)
			return Message{ID: c.MessageID, Data: data}, true, nil
		}

		slot := &assembly{
			data:     make([]byte, c.MessageLength),
			expected: count,
		}
		if err := slot.write(c); err != nil {
			return Message{}, false, err
		}
		d.pending[c.MessageID] = slot
		return Message{}, false, nil
	}

	slot, ok := d.pending[c.MessageID]
	if !ok {
		return Message{}, false, fmt.Errorf("%w: %d", ErrUnknownMessage, c.MessageID)
	}
	if err := slot.write(c); err != nil {
		return Message{}, false, err
	}
	if slot.received == slot.expected {
		delete(d.pending, c.MessageID)
		if slot.written != uint64(len(slot.data)) {
			return Message{}, false, fmt.Errorf("%w: message %d", ErrTruncatedMessage, c.MessageID)
		}
		return Message{ID: c.MessageID, Data: slot.data}, true, nil
	}
	return Message{}, false, nil
}

func (a *assembly) write(c *Chunk) error {
	end := a.written + uint64(len(c.Content))
	if end > uint64(len(a.data)) {
		return fmt.Errorf("%w: message %d", ErrChunkOverflow, c.MessageID)
	}
	copy(a.data[a.written:end], c.Content)
	a.written = end
	a.received++
	return nil
}

// PendingMessages retorna quantas mensagens estão parcialmente remontadas.
func (d *ChunkDecoder) PendingMessages() int {
	return len(d.pending)
}

// Reset descarta o acumulador e toda remontagem parcial.
// Chamado no reset da conexão.
func (d *ChunkDecoder) Reset() {
	d.buf = nil
	d.pending = make(map[uint64]*assembly)
}
