// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package store implementa a persistência em arquivos texto do N-Chat:
// seis tabelas flat (users, sessions, friends, pending, groups, invites),
// o log append-only de metadados de arquivos e os logs de mensagens por
// conversa. Tabelas mutáveis são reescritas por inteiro (tmp + rename);
// logs são apenas append.
package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/nishisan-dev/n-chat/internal/state"
)

// Nomes dos arquivos de tabela dentro do data dir.
const (
	usersFile    = "users.txt"
	sessionsFile = "sessions.txt"
	friendsFile  = "friends.txt"
	pendingFile  = "pending_requests.txt"
	groupsFile   = "groups.txt"
	invitesFile  = "group_invites.txt"
	metadataFile = "file_metadata.txt"

	messagesDir = "messages"
	filesDir    = "files"
	uploadsDir  = "uploads"
)

// Store gerencia todos os arquivos persistentes sob um data dir.
type Store struct {
	dataDir string

	tablesMu sync.Mutex // serializa reescritas de tabelas
	metaMu   sync.Mutex // serializa appends em file_metadata.txt

	logsMu sync.Mutex             // protege o mapa de locks por conversa
	logs   map[string]*sync.Mutex // chave de conversa -> lock de append
}

// New cria um Store para o data dir informado.
func New(dataDir string) *Store {
	return &Store{
		dataDir: dataDir,
		logs:    make(map[string]*sync.Mutex),
	}
}

// DataDir retorna o diretório raiz de persistência.
func (s *Store) DataDir() string {
	return s.dataDir
}

// UploadPath retorna o caminho do blob binário de um arquivo.
func (s *Store) UploadPath(fid string) string {
	return filepath.Join(s.dataDir, uploadsDir, fid)
}

// UploadSize retorna o tamanho em disco do blob de um upload (0 se ausente).
func (s *Store) UploadSize(fid string) int64 {
	fi, err := os.Stat(s.UploadPath(fid))
	if err != nil {
		return 0
	}
	return fi.Size()
}

// EnsureLayout cria o data dir, os subdiretórios e as seis tabelas
// (vazias se ausentes), como o servidor espera encontrar no boot.
func (s *Store) EnsureLayout() error {
	for _, dir := range []string{s.dataDir,
		filepath.Join(s.dataDir, messagesDir),
		filepath.Join(s.dataDir, filesDir),
		filepath.Join(s.dataDir, uploadsDir),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	for _, name := range []string{usersFile, sessionsFile, friendsFile,
		pendingFile, groupsFile, invitesFile, metadataFile} {
		f, err := os.OpenFile(filepath.Join(s.dataDir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("ensuring table %s: %w", name, err)
		}
		f.Close()
	}
	return nil
}

// LoadAll carrega todas as tabelas e os metadados de arquivos no State.
func (s *Store) LoadAll(st *state.State) error {
	if err := s.loadUsers(st); err != nil {
		return err
	}
	if err := s.loadSessions(st); err != nil {
		return err
	}
	if err := s.loadFriends(st); err != nil {
		return err
	}
	if err := s.loadPending(st); err != nil {
		return err
	}
	if err := s.loadGroups(st); err != nil {
		return err
	}
	if err := s.loadInvites(st); err != nil {
		return err
	}
	return s.loadFileMetadata(st)
}

// writeTable reescreve uma tabela por inteiro de forma atômica:
// grava em .tmp no mesmo diretório e renomeia por cima.
func (s *Store) writeTable(name string, lines []string) error {
	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()

	path := filepath.Join(s.dataDir, name)
	tmp, err := os.CreateTemp(s.dataDir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp for %s: %w", name, err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("flushing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming %s: %w", name, err)
	}
	return nil
}

// readLines lê um arquivo linha a linha, tolerando '\r' e pulando vazias.
func (s *Store) readLines(name string, fn func(line string)) error {
	f, err := os.Open(filepath.Join(s.dataDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening %s: %w", name, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fn(line)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	return nil
}

// ---- users.txt: username:password ----

// SaveUsers reescreve users.txt.
func (s *Store) SaveUsers(users map[string]string) error {
	return s.writeTable(usersFile, sortedKV(users))
}

func (s *Store) loadUsers(st *state.State) error {
	return s.readLines(usersFile, func(line string) {
		user, pass, ok := strings.Cut(line, ":")
		user = strings.TrimSpace(user)
		if ok && user != "" {
			st.LoadUser(user, strings.TrimSpace(pass))
		}
	})
}

// ---- sessions.txt: session_id:username ----

// SaveSessions reescreve sessions.txt.
func (s *Store) SaveSessions(sessions map[string]string) error {
	return s.writeTable(sessionsFile, sortedKV(sessions))
}

func (s *Store) loadSessions(st *state.State) error {
	return s.readLines(sessionsFile, func(line string) {
		sid, user, ok := strings.Cut(line, ":")
		sid = strings.TrimSpace(sid)
		user = strings.TrimSpace(user)
		if ok && sid != "" && user != "" {
			st.LoadSession(sid, user)
		}
	})
}

// ---- friends.txt: user:name|status|conv,name|status|conv,... ----

// SaveFriends reescreve friends.txt.
func (s *Store) SaveFriends(friends map[string][]state.FriendEntry) error {
	lines := make([]string, 0, len(friends))
	for _, user := range sortedKeys(friends) {
		var parts []string
		for _, e := range friends[user] {
			parts = append(parts, e.Name+"|"+e.Status+"|"+e.Conv)
		}
		lines = append(lines, user+":"+strings.Join(parts, ","))
	}
	return s.writeTable(friendsFile, lines)
}

func (s *Store) loadFriends(st *state.State) error {
	return s.readLines(friendsFile, func(line string) {
		user, rest, ok := strings.Cut(line, ":")
		user = strings.TrimSpace(user)
		if !ok || user == "" {
			return
		}
		var entries []state.FriendEntry
		for _, tok := range strings.Split(rest, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			// formato: name|status|conv (status e conv opcionais)
			parts := strings.Split(tok, "|")
			e := state.FriendEntry{Name: strings.TrimSpace(parts[0]), Status: "offline"}
			if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
				e.Status = strings.TrimSpace(parts[1])
			}
			if len(parts) > 2 {
				e.Conv = strings.TrimSpace(parts[2])
			}
			if e.Name != "" {
				entries = append(entries, e)
			}
		}
		st.LoadFriends(user, entries)
	})
}

// ---- pending_requests.txt: target:sender1,sender2,... ----

// SavePending reescreve pending_requests.txt.
func (s *Store) SavePending(pending map[string][]string) error {
	lines := make([]string, 0, len(pending))
	for _, target := range sortedKeys(pending) {
		lines = append(lines, target+":"+strings.Join(pending[target], ","))
	}
	return s.writeTable(pendingFile, lines)
}

func (s *Store) loadPending(st *state.State) error {
	return s.readLines(pendingFile, func(line string) {
		target, rest, ok := strings.Cut(line, ":")
		target = strings.TrimSpace(target)
		if !ok || target == "" {
			return
		}
		st.LoadPending(target, splitNonEmpty(rest))
	})
}

// ---- groups.txt: group:creator:max:member1,member2,... ----

// SaveGroups reescreve groups.txt.
func (s *Store) SaveGroups(groups map[string]*state.Group) error {
	lines := make([]string, 0, len(groups))
	for _, name := range sortedKeys(groups) {
		g := groups[name]
		lines = append(lines, fmt.Sprintf("%s:%s:%d:%s",
			g.Name, g.Creator, g.MaxMembers, strings.Join(g.Members, ",")))
	}
	return s.writeTable(groupsFile, lines)
}

func (s *Store) loadGroups(st *state.State) error {
	return s.readLines(groupsFile, func(line string) {
		parts := strings.SplitN(line, ":", 4)
		if len(parts) < 3 {
			return
		}
		name := strings.TrimSpace(parts[0])
		if name == "" {
			return
		}
		maxMembers, _ := strconv.Atoi(strings.TrimSpace(parts[2]))
		g := &state.Group{
			Name:       name,
			Creator:    strings.TrimSpace(parts[1]),
			MaxMembers: maxMembers,
		}
		if len(parts) > 3 {
			g.Members = splitNonEmpty(parts[3])
		}
		st.LoadGroup(g)
	})
}

// ---- group_invites.txt: group:invitee1,invitee2,... ----

// SaveInvites reescreve group_invites.txt.
func (s *Store) SaveInvites(invites map[string][]string) error {
	lines := make([]string, 0, len(invites))
	for _, group := range sortedKeys(invites) {
		lines = append(lines, group+":"+strings.Join(invites[group], ","))
	}
	return s.writeTable(invitesFile, lines)
}

func (s *Store) loadInvites(st *state.State) error {
	return s.readLines(invitesFile, func(line string) {
		group, rest, ok := strings.Cut(line, ":")
		group = strings.TrimSpace(group)
		if !ok || group == "" {
			return
		}
		st.LoadInvites(group, splitNonEmpty(rest))
	})
}

func splitNonEmpty(csv string) []string {
	var out []string
	for _, tok := range strings.Split(csv, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

func sortedKV(m map[string]string) []string {
	lines := make([]string, 0, len(m))
	for _, k := range sortedKeys(m) {
		lines = append(lines, k+":"+m[k])
	}
	return lines
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
