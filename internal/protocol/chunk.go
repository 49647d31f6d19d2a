// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadChunkHeader lê o header de 8 bytes de um chunk binário.
// Valida que Length não excede MaxChunkSize.
func ReadChunkHeader(r io.Reader) (*ChunkHeader, error) {
	var buf [ChunkHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("reading chunk header: %w", err)
	}

	h := &ChunkHeader{
		Offset: binary.BigEndian.Uint32(buf[0:4]),
		Length: binary.BigEndian.Uint32(buf[4:8]),
	}
	if h.Length > MaxChunkSize {
		return nil, ErrChunkTooLarge
	}
	return h, nil
}

// WriteChunk escreve um chunk completo: header de 8 bytes + payload.
// Um payload vazio produz o marcador de fim de stream (Length == 0).
func WriteChunk(w io.Writer, offset uint32, payload []byte) error {
	if len(payload) > MaxChunkSize {
		return ErrChunkTooLarge
	}

	var hdr [ChunkHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], offset)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing chunk header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("writing chunk payload: %w", err)
		}
	}
	return nil
}

// ReadChunkPayload lê Length bytes do payload de um chunk em buf.
// buf deve ter capacidade para h.Length bytes.
func ReadChunkPayload(r io.Reader, h *ChunkHeader, buf []byte) ([]byte, error) {
	data := buf[:h.Length]
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading chunk payload: %w", err)
	}
	return data, nil
}
