// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteHandshake escreve o preâmbulo VST (Client → Server).
// Formato: "VST/1.1\r\n\r\n" (11 bytes), sem resposta.
func WriteHandshake(w io.Writer) error {
	if _, err := io.WriteString(w, HandshakeString); err != nil {
		return fmt.Errorf("writing vst handshake: %w", err)
	}
	return nil
}

// EncodeChunks divide o payload de uma mensagem em chunks prontos para o wire.
// chunkSize é o máximo de bytes de conteúdo por chunk (o header de 24 bytes
// não conta). Um payload vazio ainda produz um chunk, sem conteúdo.
//
// chunkX do primeiro chunk carrega (chunkCount<<1)|1; os seguintes carregam
// (index<<1). Mensagem de chunk único usa chunkX = 3. messageLength leva o
// tamanho total do payload em todos os chunks.
func EncodeChunks(messageID uint64, payload []byte, chunkSize int) [][]byte {
	if chunkSize < MinChunkSize {
		chunkSize = MinChunkSize
	}
	total := len(payload)
	count := (total + chunkSize - 1) / chunkSize
	if count == 0 {
		count = 1
	}

	chunks := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > total {
			end = total
		}
		content := payload[start:end]

		var chunkX uint32
		if i == 0 {
			chunkX = uint32(count)<<1 | 1
		} else {
			chunkX = uint32(i) << 1
		}

		buf := make([]byte, ChunkHeaderSize+len(content))
		binary.LittleEndian.PutUint32(buf[0:4], uint32(ChunkHeaderSize+len(content)))
		binary.LittleEndian.PutUint32(buf[4:8], chunkX)
		binary.LittleEndian.PutUint64(buf[8:16], messageID)
		binary.LittleEndian.PutUint64(buf[16:24], uint64(total))
		copy(buf[ChunkHeaderSize:], content)
		chunks = append(chunks, buf)
	}
	return chunks
}

// WriteMessage codifica e escreve todos os chunks de uma mensagem.
func WriteMessage(w io.Writer, messageID uint64, payload []byte, chunkSize int) error {
	for _, chunk := range EncodeChunks(messageID, payload, chunkSize) {
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("writing chunk for message %d: %w", messageID, err)
		}
	}
	return nil
}
