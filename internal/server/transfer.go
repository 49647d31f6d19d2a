// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/n-chat/internal/protocol"
	"github.com/nishisan-dev/n-chat/internal/state"
	"github.com/nishisan-dev/n-chat/internal/store"
)

// handleReqUpload recebe a linha crua porque o filename pode conter espaços:
// o tamanho é o token após o ÚLTIMO espaço, o que sobra antes é o filename.
func (sess *session) handleReqUpload(line string) string {
	parts := strings.SplitN(line, " ", 4)
	if len(parts) < 4 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	targetType, target := parts[1], parts[2]
	rest := strings.TrimSpace(parts[3])

	lastSpace := strings.LastIndex(rest, " ")
	if lastSpace < 0 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	filename := strings.TrimSpace(rest[:lastSpace])
	filesize, err := strconv.ParseInt(strings.TrimSpace(rest[lastSpace+1:]), 10, 64)
	if err != nil || filesize <= 0 || targetType == "" || target == "" || filename == "" {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	if filesize > protocol.MaxFileSize {
		return protocol.Fail(400, "FILE_TOO_LARGE")
	}

	var validTarget bool
	switch targetType {
	case "U":
		validTarget = sess.srv.st.UserExists(target)
	case "G":
		isMember, err := sess.srv.st.IsMember(target, sess.user)
		validTarget = err == nil && isMember
	}
	if !validTarget {
		return protocol.Fail(404, "TARGET_NOT_FOUND")
	}

	if !sess.srv.diskHasSpace() {
		sess.logger.Warn("upload rejected, low disk space", "user", sess.user)
		return protocol.Fail(500, "NO_SPACE")
	}

	fid := sess.srv.st.NextFileID()
	sess.srv.st.RegisterUpload(&state.FileMeta{
		ID:         fid,
		Filename:   filename,
		Sender:     sess.user,
		TargetType: targetType,
		TargetName: target,
		Filesize:   filesize,
		Path:       sess.srv.store.UploadPath(fid),
		UploadTime: time.Now().Unix(),
	})

	sess.logger.Info("upload registered", "fid", fid, "filename", filename, "size", filesize)
	return protocol.Success(200, "READY_UPLOAD "+fid)
}

// handleUploadData troca o socket para modo binário e recebe chunks até o
// marcador de EOF (chunk de comprimento zero) ou falha de I/O. O cliente
// sempre envia o marcador depois do último chunk, então o loop só volta ao
// modo linha depois de consumi-lo; sair antes deixaria os 8 bytes do marcador
// na frente do próximo comando. Falha preserva o arquivo parcial e a entrada
// ativa para resume posterior.
func (sess *session) handleUploadData(args []string) string {
	if len(args) < 1 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	fid := args[0]

	meta, ok := sess.srv.st.ActiveUpload(fid)
	if !ok {
		return protocol.Fail(404, "FILE_ID_NOT_FOUND")
	}

	if err := sess.peer.WriteLine(protocol.Success(200, fmt.Sprintf("START_UPLOAD %d", meta.BytesReceived))); err != nil {
		return ""
	}

	f, err := os.OpenFile(meta.Path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		sess.logger.Error("opening upload file", "fid", fid, "error", err)
		sess.peer.WriteLine(protocol.Fail(500, "FILE_OPEN_ERROR"))
		return ""
	}

	received := meta.BytesReceived
	interrupted := false
	buf := make([]byte, protocol.MaxChunkSize)

	for {
		hdr, err := protocol.ReadChunkHeader(sess.r)
		if err != nil {
			interrupted = true
			break
		}
		if hdr.Length == 0 {
			// Marcador de EOF do cliente
			break
		}

		payload, err := protocol.ReadChunkPayload(sess.r, hdr, buf)
		if err != nil {
			interrupted = true
			break
		}

		// Escrita posicional: chunks redundantes após resume são inofensivos
		if _, err := f.WriteAt(payload, int64(hdr.Offset)); err != nil {
			sess.logger.Error("writing upload chunk", "fid", fid, "offset", hdr.Offset, "error", err)
			interrupted = true
			break
		}

		received = sess.srv.st.AdvanceUpload(fid, int64(hdr.Length))
		sess.srv.TrafficIn.Add(int64(hdr.Length))
		sess.logger.Debug("upload chunk received", "fid", fid, "offset", hdr.Offset, "length", hdr.Length)
	}

	f.Close()

	if interrupted || received < meta.Filesize {
		sess.logger.Warn("upload interrupted", "fid", fid, "received", received, "expected", meta.Filesize)
		sess.peer.WriteLine(protocol.Fail(500, "UPLOAD_INTERRUPTED"))
		return ""
	}

	completed, err := sess.srv.st.CompleteUpload(fid)
	if err != nil {
		sess.logger.Error("completing upload", "fid", fid, "error", err)
		sess.peer.WriteLine(protocol.Fail(500, "SERVER_ERROR"))
		return ""
	}

	sess.finalizeUpload(completed)
	sess.logger.Info("upload complete", "fid", fid, "bytes", received)
	sess.peer.WriteLine(protocol.Success(200, "UPLOAD_COMPLETE"))
	return ""
}

// finalizeUpload persiste o metadata, grava os registros FILE e FILEMETA nos
// logs da conversa e notifica os participantes. Falhas aqui não mudam o
// status do upload: o arquivo já está durável.
func (sess *session) finalizeUpload(meta *state.FileMeta) {
	if err := sess.srv.store.AppendFileMetadata(meta); err != nil {
		sess.logger.Error("appending file metadata", "fid", meta.ID, "error", err)
	}

	ts := time.Now().Unix()
	content := meta.ID + ":" + meta.Filename
	indexed := content + ":" + strconv.FormatInt(meta.Filesize, 10)

	switch meta.TargetType {
	case "G":
		g, ok := sess.srv.st.GroupInfo(meta.TargetName)
		if !ok {
			return
		}
		key := store.ConvKey("G", meta.TargetName)
		if err := sess.srv.store.AppendMessage(key, ts, meta.Sender, protocol.KindFile, content); err != nil {
			sess.logger.Error("appending FILE record", "fid", meta.ID, "error", err)
		}
		if err := sess.srv.store.AppendFileEvent(key, ts, meta.Sender, protocol.KindFileMeta, indexed); err != nil {
			sess.logger.Error("appending FILEMETA record", "fid", meta.ID, "error", err)
		}
		for _, member := range g.Members {
			if member != meta.Sender {
				sess.srv.presence.Notify(member, fmt.Sprintf("%s G %s %s %s %s",
					protocol.NotifyFile, meta.TargetName, meta.Sender, meta.ID, meta.Filename))
			}
		}

	case "U":
		if conv := sess.srv.st.Conversation(meta.Sender, meta.TargetName); conv != "" {
			key := store.ConvKey("U", conv)
			if err := sess.srv.store.AppendMessage(key, ts, meta.Sender, protocol.KindFile, content); err != nil {
				sess.logger.Error("appending FILE record", "fid", meta.ID, "error", err)
			}
			if err := sess.srv.store.AppendFileEvent(key, ts, meta.Sender, protocol.KindFileMeta, indexed); err != nil {
				sess.logger.Error("appending FILEMETA record", "fid", meta.ID, "error", err)
			}
		}
		sess.srv.presence.Notify(meta.TargetName, fmt.Sprintf("%s U %s %s %s %s",
			protocol.NotifyFile, meta.TargetName, meta.Sender, meta.ID, meta.Filename))
	}

	if sess.srv.offsite != nil {
		go sess.srv.offsite.Replicate(meta)
	}
}

// handleResumeUpload re-lê o tamanho em disco do blob parcial; o server é a
// autoridade sobre o offset de continuação.
func (sess *session) handleResumeUpload(args []string) string {
	if len(args) < 1 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	fid := args[0]

	if _, ok := sess.srv.st.ActiveUpload(fid); !ok {
		return protocol.Fail(404, "FILE_ID_NOT_FOUND")
	}

	onDisk := sess.srv.store.UploadSize(fid)
	if err := sess.srv.st.SetUploadReceived(fid, onDisk); err != nil {
		return protocol.Fail(404, "FILE_ID_NOT_FOUND")
	}

	sess.logger.Info("upload resume", "fid", fid, "offset", onDisk)
	return protocol.Success(200, fmt.Sprintf("READY_UPLOAD %d", onDisk))
}

func (sess *session) handleCancelUpload(args []string) string {
	if len(args) < 1 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	fid := args[0]

	path, err := sess.srv.st.CancelUpload(fid)
	if err != nil {
		return protocol.Fail(404, "FILE_ID_NOT_FOUND")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		sess.logger.Warn("removing cancelled upload", "fid", fid, "error", err)
	}

	sess.logger.Info("upload cancelled", "fid", fid)
	return protocol.Success(200, "UPLOAD_CANCELLED")
}

func (sess *session) handleReqDownload(args []string) string {
	if len(args) < 1 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	fid := args[0]

	meta, ok := sess.srv.st.CompletedFile(fid)
	if !ok {
		return protocol.Fail(404, "FILE_NOT_FOUND")
	}

	header := protocol.Success(200, fmt.Sprintf("READY_DOWNLOAD %s %s %d", meta.ID, meta.Filename, meta.Filesize))
	if err := sess.peer.WriteLine(header); err != nil {
		return ""
	}

	if err := sess.streamFile(meta, 0); err != nil {
		sess.logger.Warn("download interrupted", "fid", fid, "error", err)
		return ""
	}

	sess.peer.WriteLine(protocol.Success(200, "DOWNLOAD_COMPLETE"))
	sess.recordDownload(meta)
	sess.logger.Info("download complete", "fid", fid, "user", sess.user)
	return ""
}

// handleResumeDownload continua um download a partir do offset declarado
// pelo cliente; o cliente é a autoridade sobre onde continuar.
func (sess *session) handleResumeDownload(args []string) string {
	if len(args) < 2 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	fid := args[0]

	meta, ok := sess.srv.st.CompletedFile(fid)
	if !ok {
		return protocol.Fail(404, "FILE_NOT_FOUND")
	}

	offset, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || offset < 0 || offset >= meta.Filesize {
		return protocol.Fail(400, "INVALID_OFFSET")
	}

	if err := sess.peer.WriteLine(protocol.Success(200, fmt.Sprintf("RESUME_DOWNLOAD %d", offset))); err != nil {
		return ""
	}

	if err := sess.streamFile(meta, offset); err != nil {
		sess.logger.Warn("download resume interrupted", "fid", fid, "error", err)
		return ""
	}

	sess.peer.WriteLine(protocol.Success(200, "DOWNLOAD_COMPLETE"))
	sess.recordDownload(meta)
	sess.logger.Info("download resume complete", "fid", fid, "offset", offset)
	return ""
}

// streamFile envia o blob em chunks de até 64KB em ordem ascendente de
// offset, terminando com um chunk de comprimento zero. O socket fica
// exclusivo do stream durante toda a fase binária.
func (sess *session) streamFile(meta *state.FileMeta, offset int64) error {
	f, err := os.Open(meta.Path)
	if err != nil {
		sess.logger.Error("opening file for download", "fid", meta.ID, "error", err)
		sess.peer.WriteLine(protocol.Fail(500, "FILE_OPEN_ERROR"))
		return err
	}
	defer f.Close()

	return sess.peer.Stream(func(w io.Writer) error {
		tw := NewThrottledWriter(sess.ctx, w, sess.srv.cfg.Transfer.MaxRateRaw)
		buf := make([]byte, protocol.MaxChunkSize)

		pos := offset
		for pos < meta.Filesize {
			n := int64(protocol.MaxChunkSize)
			if rest := meta.Filesize - pos; rest < n {
				n = rest
			}
			if _, err := f.ReadAt(buf[:n], pos); err != nil {
				return fmt.Errorf("reading file at %d: %w", pos, err)
			}
			if err := protocol.WriteChunk(tw, uint32(pos), buf[:n]); err != nil {
				return fmt.Errorf("sending chunk at %d: %w", pos, err)
			}
			sess.srv.TrafficOut.Add(n)
			pos += n
		}

		// Marcador de fim de stream no offset final
		return protocol.WriteChunk(tw, uint32(pos), nil)
	})
}

// recordDownload grava o evento DOWNLOAD nos logs da conversa, atribuído a
// quem baixou, não a quem enviou.
func (sess *session) recordDownload(meta *state.FileMeta) {
	ts := time.Now().Unix()
	content := meta.ID + ":" + meta.Filename

	var key string
	switch meta.TargetType {
	case "G":
		key = store.ConvKey("G", meta.TargetName)
	case "U":
		conv := sess.srv.st.Conversation(meta.Sender, meta.TargetName)
		if conv == "" {
			return
		}
		key = store.ConvKey("U", conv)
	default:
		return
	}

	if err := sess.srv.store.AppendMessage(key, ts, sess.user, protocol.KindDownload, content); err != nil {
		sess.logger.Error("appending DOWNLOAD record", "fid", meta.ID, "error", err)
	}
	if err := sess.srv.store.AppendFileEvent(key, ts, sess.user, protocol.KindDownload, content); err != nil {
		sess.logger.Error("appending DOWNLOAD index record", "fid", meta.ID, "error", err)
	}
}
