// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nishisan-dev/n-chat/internal/protocol"
)

// uploadChunks envia o payload em chunks de até 64KB a partir do offset dado,
// seguido do marcador de fim de stream.
func (c *testClient) uploadChunks(data []byte, offset int) {
	c.t.Helper()
	for off := offset; off < len(data); off += protocol.MaxChunkSize {
		end := off + protocol.MaxChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := protocol.WriteChunk(c.conn, uint32(off), data[off:end]); err != nil {
			c.t.Fatalf("writing chunk at %d: %v", off, err)
		}
	}
	if err := protocol.WriteChunk(c.conn, uint32(len(data)), nil); err != nil {
		c.t.Fatalf("writing end-of-stream marker: %v", err)
	}
}

// downloadChunks lê chunks até o marcador de fim de stream e devolve o
// conteúdo montado por offset relativo ao início do download.
func (c *testClient) downloadChunks(base int, size int) []byte {
	c.t.Helper()
	out := make([]byte, size)
	buf := make([]byte, protocol.MaxChunkSize)

	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		hdr, err := protocol.ReadChunkHeader(c.r)
		if err != nil {
			c.t.Fatalf("reading chunk header: %v", err)
		}
		if hdr.Length == 0 {
			return out
		}
		payload, err := protocol.ReadChunkPayload(c.r, hdr, buf)
		if err != nil {
			c.t.Fatalf("reading chunk payload: %v", err)
		}
		copy(out[int(hdr.Offset)-base:], payload)
	}
}

// requestUpload negocia um upload U e retorna o file ID.
func (c *testClient) requestUpload(target, filename string, size int) string {
	c.t.Helper()
	resp := c.roundTrip(fmt.Sprintf("REQ_UPLOAD U %s %s %d", target, filename, size))
	if !strings.HasPrefix(resp, "SUCCESS 200 READY_UPLOAD ") {
		c.t.Fatalf("REQ_UPLOAD: got %q", resp)
	}
	return strings.TrimPrefix(resp, "SUCCESS 200 READY_UPLOAD ")
}

func patternData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestReqUploadValidation(t *testing.T) {
	addr, _ := newTestServer(t)

	alice := dialTestServer(t, addr)
	alice.register("alice")
	bob := dialTestServer(t, addr)
	bob.register("bob")

	if resp := alice.roundTrip("REQ_UPLOAD U ghost f.bin 100"); resp != "FAIL 404 TARGET_NOT_FOUND" {
		t.Errorf("unknown target: got %q", resp)
	}
	if resp := alice.roundTrip("REQ_UPLOAD G devs f.bin 100"); resp != "FAIL 404 TARGET_NOT_FOUND" {
		t.Errorf("group non-member target: got %q", resp)
	}
	if resp := alice.roundTrip("REQ_UPLOAD U bob f.bin 0"); resp != "FAIL 400 INVALID_FORMAT" {
		t.Errorf("zero size: got %q", resp)
	}
	if resp := alice.roundTrip("REQ_UPLOAD U bob nosize"); resp != "FAIL 400 INVALID_FORMAT" {
		t.Errorf("missing size: got %q", resp)
	}
	if resp := alice.roundTrip(fmt.Sprintf("REQ_UPLOAD U bob f.bin %d", protocol.MaxFileSize+1)); resp != "FAIL 400 FILE_TOO_LARGE" {
		t.Errorf("oversized file: got %q", resp)
	}

	// Nome com espaços: o último token é o tamanho, o resto é o filename.
	fid := alice.requestUpload("bob", "relatorio final 2026.pdf", 10)
	if fid == "" {
		t.Fatal("empty file id")
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	addr, dataDir := newTestServer(t)

	alice := dialTestServer(t, addr)
	alice.register("alice")
	bob := dialTestServer(t, addr)
	bob.register("bob")
	befriend(t, alice, bob, "alice", "bob")

	data := patternData(200000)
	fid := alice.requestUpload("bob", "report.bin", len(data))

	if resp := alice.roundTrip("UPLOAD_DATA " + fid); resp != "SUCCESS 200 START_UPLOAD 0" {
		t.Fatalf("UPLOAD_DATA: got %q", resp)
	}
	alice.uploadChunks(data, 0)
	if resp := alice.recv(); resp != "SUCCESS 200 UPLOAD_COMPLETE" {
		t.Fatalf("upload completion: got %q", resp)
	}

	if notif := bob.recv(); notif != "NOTIFY_FILE U bob alice "+fid+" report.bin" {
		t.Fatalf("file notification: got %q", notif)
	}

	onDisk, err := os.ReadFile(filepath.Join(dataDir, "uploads", fid))
	if err != nil {
		t.Fatalf("reading stored blob: %v", err)
	}
	if !bytes.Equal(onDisk, data) {
		t.Fatal("stored blob differs from uploaded data")
	}

	// Download completo pelo destinatário.
	resp := bob.roundTrip("REQ_DOWNLOAD " + fid)
	want := fmt.Sprintf("SUCCESS 200 READY_DOWNLOAD %s report.bin %d", fid, len(data))
	if resp != want {
		t.Fatalf("REQ_DOWNLOAD: got %q, want %q", resp, want)
	}
	got := bob.downloadChunks(0, len(data))
	if resp := bob.recv(); resp != "SUCCESS 200 DOWNLOAD_COMPLETE" {
		t.Fatalf("download completion: got %q", resp)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("downloaded data differs from original")
	}

	// O histórico da conversa registra o envio e o download.
	alice.send("HISTORY U bob 0 0")
	header := alice.recv()
	if !strings.HasPrefix(header, "SUCCESS 200 ") {
		t.Fatalf("history header: got %q", header)
	}
	n, _ := strconv.Atoi(strings.TrimPrefix(header, "SUCCESS 200 "))
	var kinds []string
	for i := 0; i < n; i++ {
		rec := alice.recv()
		fields := strings.SplitN(rec, "|", 6)
		if len(fields) != 6 {
			t.Fatalf("malformed history record: %q", rec)
		}
		kinds = append(kinds, fields[3])
	}
	if len(kinds) != 2 || kinds[0] != "FILE" || kinds[1] != "DOWNLOAD" {
		t.Fatalf("expected FILE then DOWNLOAD records, got %v", kinds)
	}
}

// O cliente sempre envia o marcador de fim de stream depois do último chunk;
// o servidor precisa consumi-lo antes de voltar ao modo linha, senão os 8
// bytes do marcador contaminam o próximo comando da conexão.
func TestCommandsAfterUploadComplete(t *testing.T) {
	addr, _ := newTestServer(t)

	alice := dialTestServer(t, addr)
	alice.register("alice")
	bob := dialTestServer(t, addr)
	bob.register("bob")
	befriend(t, alice, bob, "alice", "bob")

	data := patternData(1000)
	fid := alice.requestUpload("bob", "notes.txt", len(data))
	if resp := alice.roundTrip("UPLOAD_DATA " + fid); resp != "SUCCESS 200 START_UPLOAD 0" {
		t.Fatalf("UPLOAD_DATA: got %q", resp)
	}
	alice.uploadChunks(data, 0)
	if resp := alice.recv(); resp != "SUCCESS 200 UPLOAD_COMPLETE" {
		t.Fatalf("upload completion: got %q", resp)
	}

	// A mesma conexão continua atendendo comandos de linha normalmente.
	if resp := alice.roundTrip("GET_GROUPS"); !strings.HasPrefix(resp, "SUCCESS 200 GROUPS") {
		t.Errorf("GET_GROUPS after upload: got %q", resp)
	}
	if resp := alice.roundTrip("GET_FRIENDS"); !strings.HasPrefix(resp, "SUCCESS 200 FRIENDS") {
		t.Errorf("GET_FRIENDS after upload: got %q", resp)
	}
}

func TestUploadResumeAfterDisconnect(t *testing.T) {
	addr, dataDir := newTestServer(t)

	bobConn := dialTestServer(t, addr)
	bobConn.register("bob")
	bobConn.conn.Close()

	alice := dialTestServer(t, addr)
	sid := alice.register("alice")

	data := patternData(200000)
	fid := alice.requestUpload("bob", "big.bin", len(data))

	if resp := alice.roundTrip("UPLOAD_DATA " + fid); resp != "SUCCESS 200 START_UPLOAD 0" {
		t.Fatalf("UPLOAD_DATA: got %q", resp)
	}

	// Envia só os dois primeiros chunks (131072 bytes) e derruba a conexão.
	for _, off := range []int{0, protocol.MaxChunkSize} {
		if err := protocol.WriteChunk(alice.conn, uint32(off), data[off:off+protocol.MaxChunkSize]); err != nil {
			t.Fatalf("writing partial chunk: %v", err)
		}
	}
	alice.conn.Close()

	// Espera o server drenar os dois chunks para o blob parcial.
	blobPath := filepath.Join(dataDir, "uploads", fid)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if fi, err := os.Stat(blobPath); err == nil && fi.Size() == 2*protocol.MaxChunkSize {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("partial blob never reached expected size")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Reconecta com a mesma sessão e retoma de onde parou.
	alice2 := dialTestServer(t, addr)
	if resp := alice2.roundTrip("AUTH " + sid); resp != "SUCCESS 200 AUTH_OK" {
		t.Fatalf("AUTH on reconnect: got %q", resp)
	}
	if resp := alice2.roundTrip("REQ_RESUME_UPLOAD " + fid); resp != fmt.Sprintf("SUCCESS 200 READY_UPLOAD %d", 2*protocol.MaxChunkSize) {
		t.Fatalf("REQ_RESUME_UPLOAD: got %q", resp)
	}
	if resp := alice2.roundTrip("UPLOAD_DATA " + fid); resp != fmt.Sprintf("SUCCESS 200 START_UPLOAD %d", 2*protocol.MaxChunkSize) {
		t.Fatalf("UPLOAD_DATA resume: got %q", resp)
	}
	alice2.uploadChunks(data, 2*protocol.MaxChunkSize)
	if resp := alice2.recv(); resp != "SUCCESS 200 UPLOAD_COMPLETE" {
		t.Fatalf("resumed upload completion: got %q", resp)
	}

	onDisk, err := os.ReadFile(blobPath)
	if err != nil {
		t.Fatalf("reading stored blob: %v", err)
	}
	if !bytes.Equal(onDisk, data) {
		t.Fatal("resumed blob differs from original data")
	}

	if resp := alice2.roundTrip("REQ_RESUME_UPLOAD " + fid); resp != "FAIL 404 FILE_ID_NOT_FOUND" {
		t.Fatalf("resume after completion: got %q", resp)
	}
}

func TestCancelUpload(t *testing.T) {
	addr, dataDir := newTestServer(t)

	alice := dialTestServer(t, addr)
	alice.register("alice")
	bob := dialTestServer(t, addr)
	bob.register("bob")

	if resp := alice.roundTrip("REQ_CANCEL_UPLOAD nope"); resp != "FAIL 404 FILE_ID_NOT_FOUND" {
		t.Fatalf("cancel unknown: got %q", resp)
	}

	fid := alice.requestUpload("bob", "tmp.bin", 1000)
	if resp := alice.roundTrip("REQ_CANCEL_UPLOAD " + fid); resp != "SUCCESS 200 UPLOAD_CANCELLED" {
		t.Fatalf("REQ_CANCEL_UPLOAD: got %q", resp)
	}
	if resp := alice.roundTrip("UPLOAD_DATA " + fid); resp != "FAIL 404 FILE_ID_NOT_FOUND" {
		t.Fatalf("UPLOAD_DATA after cancel: got %q", resp)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "uploads", fid)); !os.IsNotExist(err) {
		t.Fatal("cancelled blob should not exist")
	}
}

func TestResumeDownload(t *testing.T) {
	addr, _ := newTestServer(t)

	alice := dialTestServer(t, addr)
	alice.register("alice")
	bob := dialTestServer(t, addr)
	bob.register("bob")
	befriend(t, alice, bob, "alice", "bob")

	data := patternData(100000)
	fid := alice.requestUpload("bob", "resume.bin", len(data))
	if resp := alice.roundTrip("UPLOAD_DATA " + fid); resp != "SUCCESS 200 START_UPLOAD 0" {
		t.Fatalf("UPLOAD_DATA: got %q", resp)
	}
	alice.uploadChunks(data, 0)
	if resp := alice.recv(); resp != "SUCCESS 200 UPLOAD_COMPLETE" {
		t.Fatalf("upload completion: got %q", resp)
	}
	bob.recv() // NOTIFY_FILE

	if resp := bob.roundTrip("REQ_RESUME_DOWNLOAD nope 0"); resp != "FAIL 404 FILE_NOT_FOUND" {
		t.Errorf("resume unknown file: got %q", resp)
	}
	if resp := bob.roundTrip(fmt.Sprintf("REQ_RESUME_DOWNLOAD %s %d", fid, len(data))); resp != "FAIL 400 INVALID_OFFSET" {
		t.Errorf("resume past end: got %q", resp)
	}
	if resp := bob.roundTrip("REQ_RESUME_DOWNLOAD " + fid + " abc"); resp != "FAIL 400 INVALID_OFFSET" {
		t.Errorf("resume with bad offset: got %q", resp)
	}

	offset := 70000
	if resp := bob.roundTrip(fmt.Sprintf("REQ_RESUME_DOWNLOAD %s %d", fid, offset)); resp != fmt.Sprintf("SUCCESS 200 RESUME_DOWNLOAD %d", offset) {
		t.Fatalf("REQ_RESUME_DOWNLOAD: got %q", resp)
	}
	tail := bob.downloadChunks(offset, len(data)-offset)
	if resp := bob.recv(); resp != "SUCCESS 200 DOWNLOAD_COMPLETE" {
		t.Fatalf("resumed download completion: got %q", resp)
	}
	if !bytes.Equal(tail, data[offset:]) {
		t.Fatal("resumed tail differs from original data")
	}
}

func TestDownloadUnknownFile(t *testing.T) {
	addr, _ := newTestServer(t)
	alice := dialTestServer(t, addr)
	alice.register("alice")

	if resp := alice.roundTrip("REQ_DOWNLOAD nope"); resp != "FAIL 404 FILE_NOT_FOUND" {
		t.Fatalf("download unknown file: got %q", resp)
	}
}
