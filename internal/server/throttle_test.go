// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestThrottledWriter_ZeroBypasses(t *testing.T) {
	var buf bytes.Buffer
	w := NewThrottledWriter(context.Background(), &buf, 0)

	// Quando bytesPerSec=0, deve retornar o writer original (sem wrapper)
	if _, ok := w.(*ThrottledWriter); ok {
		t.Fatal("expected original writer (bypass), got ThrottledWriter")
	}

	data := []byte("hello world")
	n, err := w.Write(data)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(data) {
		t.Errorf("expected %d bytes written, got %d", len(data), n)
	}
	if buf.String() != "hello world" {
		t.Errorf("expected 'hello world', got %q", buf.String())
	}
}

func TestThrottledWriter_SmallWrites(t *testing.T) {
	var buf bytes.Buffer
	// 1 MB/s — escritas pequenas devem funcionar sem bloquear significativamente
	w := NewThrottledWriter(context.Background(), &buf, 1*1024*1024)

	data := []byte("small")
	for i := 0; i < 10; i++ {
		_, err := w.Write(data)
		if err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	if buf.Len() != 50 {
		t.Errorf("expected 50 bytes written, got %d", buf.Len())
	}
}

func TestThrottledWriter_RespectsBandwidthLimit(t *testing.T) {
	var buf bytes.Buffer

	// Limite: 100 KB/s — burst é min(100KB, maxBurstSize=256KB) = 100KB
	// Escrevemos 200 KB: burst cobre ~100KB, restante ~100KB a 100KB/s = ~1s mínimo
	limit := int64(100 * 1024)
	w := NewThrottledWriter(context.Background(), &buf, limit)

	data := make([]byte, 200*1024)
	for i := range data {
		data[i] = byte(i % 256)
	}

	start := time.Now()
	n, err := w.Write(data)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(data) {
		t.Errorf("expected %d bytes written, got %d", len(data), n)
	}

	// Margem inferior de 600ms para tolerância de CI
	if elapsed < 600*time.Millisecond {
		t.Errorf("write finished too fast (%v), throttle not applied", elapsed)
	}
	if buf.Len() != len(data) {
		t.Errorf("expected %d bytes in buffer, got %d", len(data), buf.Len())
	}
}

func TestThrottledWriter_ContextCancelAborts(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())

	// Limite baixíssimo: a escrita precisaria de vários segundos
	w := NewThrottledWriter(ctx, &buf, 1024)

	data := make([]byte, 64*1024)
	done := make(chan error, 1)
	go func() {
		_, err := w.Write(data)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after context cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Write did not abort after context cancellation")
	}
}
