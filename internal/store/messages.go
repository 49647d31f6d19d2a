// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Message é um registro do log de histórico: ts|sender|kind|content.
type Message struct {
	TS      int64
	Sender  string
	Kind    string // TEXT, FILE, DOWNLOAD, FILEMETA
	Content string
}

// ConvKey monta a chave de conversa usada nos nomes de arquivo de log:
// U_<conv> para pares, G_<group> para grupos.
func ConvKey(targetType, id string) string {
	return targetType + "_" + id
}

// logLock retorna o lock de append de uma conversa, criando-o se preciso.
// Appends na mesma conversa são serializados; conversas distintas não.
func (s *Store) logLock(key string) *sync.Mutex {
	s.logsMu.Lock()
	defer s.logsMu.Unlock()
	mu, ok := s.logs[key]
	if !ok {
		mu = &sync.Mutex{}
		s.logs[key] = mu
	}
	return mu
}

// AppendMessage acrescenta um registro ao log de mensagens da conversa.
func (s *Store) AppendMessage(convKey string, ts int64, sender, kind, content string) error {
	return s.appendRecord(filepath.Join(s.dataDir, messagesDir, convKey+".txt"), convKey, ts, sender, kind, content)
}

// AppendFileEvent acrescenta um registro ao índice de eventos de arquivo
// da conversa (FILEMETA e DOWNLOAD), separado do log principal para que
// consultas de auditoria de arquivos sejam baratas.
func (s *Store) AppendFileEvent(convKey string, ts int64, sender, kind, content string) error {
	return s.appendRecord(filepath.Join(s.dataDir, filesDir, convKey+".txt"), "files/"+convKey, ts, sender, kind, content)
}

func (s *Store) appendRecord(path, lockKey string, ts int64, sender, kind, content string) error {
	mu := s.logLock(lockKey)
	mu.Lock()
	defer mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening log %s: %w", path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d|%s|%s|%s\n", ts, sender, kind, content); err != nil {
		return fmt.Errorf("appending to log %s: %w", path, err)
	}
	return nil
}

// ReadMessages lê todos os registros do log de mensagens de uma conversa,
// na ordem do arquivo (cronológica de append). Retorna lista vazia e
// ok=false se o log não existe.
func (s *Store) ReadMessages(convKey string) ([]Message, bool, error) {
	path := filepath.Join(s.dataDir, messagesDir, convKey+".txt")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("opening log %s: %w", path, err)
	}
	defer f.Close()

	var out []Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		m, ok := parseMessage(line)
		if ok {
			out = append(out, m)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, true, fmt.Errorf("reading log %s: %w", path, err)
	}
	return out, true, nil
}

// parseMessage decompõe ts|sender|kind|content; o content pode conter '|'.
func parseMessage(line string) (Message, bool) {
	parts := strings.SplitN(line, "|", 4)
	if len(parts) != 4 {
		return Message{}, false
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Message{}, false
	}
	return Message{TS: ts, Sender: parts[1], Kind: parts[2], Content: parts[3]}, true
}
