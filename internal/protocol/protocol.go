// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo de texto line-oriented do N-Chat
// e o framing binário de chunks usado na transferência de arquivos.
package protocol

import "errors"

// ChunkHeaderSize é o tamanho em bytes do header binário no wire:
// Offset(4B) + Length(4B), big-endian.
const ChunkHeaderSize = 8

// MaxChunkSize é o payload máximo aceito por chunk (64KB).
const MaxChunkSize = 65536

// MaxFileSize é o tamanho máximo de arquivo aceito em REQ_UPLOAD (100MB).
const MaxFileSize = 100 * 1024 * 1024

// Verbos de notificação assíncrona (Server → Client, best-effort).
const (
	NotifyFriendRequest  = "NOTIFY_FRIEND_REQUEST"
	NotifyFriendAccepted = "NOTIFY_FRIEND_ACCEPTED"
	NotifyFriendRejected = "NOTIFY_FRIEND_REJECTED"
	NotifyGroupInvite    = "NOTIFY_GROUP_INVITE"
	NotifyMemberJoin     = "NOTIFY_MEMBER_JOIN"
	NotifyInviteRejected = "NOTIFY_INVITE_REJECTED"
	NotifyEjected        = "NOTIFY_EJECTED"
	NotifyMemberLeft     = "NOTIFY_MEMBER_LEFT"
	NotifyText           = "NOTIFY_TEXT"
	NotifyFile           = "NOTIFY_FILE"
	NotifySessionExpired = "NOTIFY SESSION_EXPIRED"
)

// Tipos de registro no log de histórico por conversa.
const (
	KindText     = "TEXT"
	KindFile     = "FILE"
	KindFileMeta = "FILEMETA"
	KindDownload = "DOWNLOAD"
)

// Erros do framing binário.
var (
	ErrChunkTooLarge  = errors.New("protocol: chunk length exceeds 64KB")
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
)

// ChunkHeader precede cada chunk binário na transferência de arquivos.
// Um chunk com Length == 0 é o marcador de fim de stream.
// Formato: [Offset uint32 4B] [Length uint32 4B], big-endian.
type ChunkHeader struct {
	Offset uint32 // posição do payload dentro do arquivo
	Length uint32 // tamanho dos dados que seguem
}
