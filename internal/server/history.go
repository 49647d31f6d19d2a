// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/nishisan-dev/n-chat/internal/protocol"
	"github.com/nishisan-dev/n-chat/internal/store"
)

// handleHistory responde HISTORY <U|G> <target> <tbegin> <tend>: um header
// SUCCESS 200 <N> seguido de N registros length-prefixed, em ordem de arquivo.
func (sess *session) handleHistory(args []string) string {
	if len(args) < 4 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	targetType, target := args[0], args[1]

	var convKey string
	switch targetType {
	case "U":
		conv := sess.srv.st.Conversation(sess.user, target)
		if conv == "" {
			return protocol.Fail(404, "CONVERSATION_NOT_FOUND")
		}
		convKey = store.ConvKey("U", conv)
	case "G":
		g, ok := sess.srv.st.GroupInfo(target)
		if !ok {
			return protocol.Fail(404, "GROUP_NOT_FOUND")
		}
		if !contains(g.Members, sess.user) {
			return protocol.Fail(403, "ACCESS_DENIED")
		}
		convKey = store.ConvKey("G", target)
	default:
		return protocol.Fail(400, "INVALID_TYPE")
	}

	tbegin := parseTimeBound(args[2])
	tend := parseTimeBound(args[3])

	msgs, exists, err := sess.srv.store.ReadMessages(convKey)
	if err != nil {
		sess.logger.Error("reading history", "conv", convKey, "error", err)
		return protocol.Fail(500, "SERVER_ERROR")
	}
	if !exists {
		return protocol.Fail(404, "NO_MESSAGES")
	}

	// Bounds inclusivos; 0 significa "sem limite".
	var records []string
	seq := 0
	for _, m := range msgs {
		if (tbegin == 0 || m.TS >= tbegin) && (tend == 0 || m.TS <= tend) {
			seq++
			records = append(records, fmt.Sprintf("%d|%s|%d|%s|%d|%s",
				seq, m.Sender, m.TS, m.Kind, len(m.Content), m.Content))
		}
	}

	if len(records) == 0 {
		return protocol.Fail(404, "NO_MESSAGES")
	}

	if err := sess.peer.WriteLine(protocol.Success(200, fmt.Sprintf("%d", len(records)))); err != nil {
		sess.logger.Warn("writing history header", "error", err)
		return ""
	}
	for _, rec := range records {
		if err := sess.peer.WriteLine(rec); err != nil {
			sess.logger.Warn("writing history record", "error", err)
			return ""
		}
	}
	return ""
}

// parseTimeBound aceita segundos inteiros desde a epoch, "YYYY-MM-DD HH:MM[:SS]"
// e a variante com 'T'. Entrada não parseável cai para "agora" (leniente,
// assim como vazio não é tratado como 0 automático: string vazia retorna 0).
func parseTimeBound(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	allDigits := true
	for _, c := range s {
		if c < '0' || c > '9' {
			allDigits = false
			break
		}
	}
	if allDigits {
		var n int64
		fmt.Sscanf(s, "%d", &n)
		return n
	}

	s = strings.ReplaceAll(s, "T", " ")
	s = strings.ReplaceAll(s, "t", " ")

	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.Unix()
		}
	}

	return time.Now().Unix()
}
