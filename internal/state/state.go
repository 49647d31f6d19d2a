// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package state mantém o estado de domínio do servidor em memória:
// usuários, sessões, amizades, grupos e metadados de arquivos.
// Cada tabela conceitual tem seu próprio lock; nenhum lock é mantido
// através de I/O bloqueante — persistência é responsabilidade do caller.
package state

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Erros de domínio retornados pelas operações de estado.
var (
	ErrUserExists      = errors.New("state: user already exists")
	ErrUserNotFound    = errors.New("state: user not found")
	ErrInvalidLogin    = errors.New("state: invalid credentials")
	ErrSessionExpired  = errors.New("state: session not found")
	ErrRequestNotFound = errors.New("state: pending request not found")
	ErrGroupExists     = errors.New("state: group already exists")
	ErrGroupNotFound   = errors.New("state: group not found")
	ErrInviteNotFound  = errors.New("state: invite not found")
	ErrNotAdmin        = errors.New("state: user is not group admin")
	ErrNotMember       = errors.New("state: user is not a group member")
	ErrAlreadyMember   = errors.New("state: user is already a member")
	ErrGroupFull       = errors.New("state: group reached max members")
	ErrFileNotFound    = errors.New("state: file not found")
)

// FriendEntry é uma aresta do grafo de amizades. O conv é o ID estável
// da conversa 1:1, idêntico nas listas dos dois lados. O status é um
// cache de presença usado pela persistência; respostas ao cliente devem
// consultar o mapa online.
type FriendEntry struct {
	Name   string
	Status string // "online" ou "offline"
	Conv   string
}

// Group representa um grupo de chat. O creator é admin e sempre membro.
type Group struct {
	Name       string
	Creator    string
	MaxMembers int
	Members    []string
}

// FileMeta descreve um arquivo em upload (ativo) ou já armazenado (completo).
type FileMeta struct {
	ID            string
	Filename      string
	Sender        string
	TargetType    string // "U" ou "G"
	TargetName    string
	Filesize      int64
	BytesReceived int64
	Path          string
	Complete      bool
	UploadTime    int64
}

// State agrega todas as tabelas de domínio com locks independentes.
type State struct {
	usersMu sync.Mutex
	users   map[string]string // username -> password

	sessionsMu  sync.Mutex
	sessions    map[string]string // session id -> username
	userSession map[string]string // username -> session id

	friendsMu sync.Mutex
	friends   map[string][]FriendEntry

	pendingMu sync.Mutex
	pending   map[string][]string // target -> senders (ordem de chegada)

	groupsMu   sync.Mutex
	groups     map[string]*Group
	userGroups map[string][]string
	invites    map[string][]string

	filesMu   sync.Mutex
	active    map[string]*FileMeta
	completed map[string]*FileMeta

	fileCounter atomic.Int64
}

// New cria um State vazio.
func New() *State {
	return &State{
		users:       make(map[string]string),
		sessions:    make(map[string]string),
		userSession: make(map[string]string),
		friends:     make(map[string][]FriendEntry),
		pending:     make(map[string][]string),
		groups:      make(map[string]*Group),
		userGroups:  make(map[string][]string),
		invites:     make(map[string][]string),
		active:      make(map[string]*FileMeta),
		completed:   make(map[string]*FileMeta),
	}
}

// ---- usuários ----

// RegisterUser adiciona um usuário novo. Retorna ErrUserExists se o nome já existe.
func (s *State) RegisterUser(username, password string) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	if _, ok := s.users[username]; ok {
		return ErrUserExists
	}
	s.users[username] = password
	return nil
}

// CheckCredentials valida o par usuário/senha.
func (s *State) CheckCredentials(username, password string) bool {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	pw, ok := s.users[username]
	return ok && pw == password
}

// UserExists verifica se um usuário está cadastrado.
func (s *State) UserExists(username string) bool {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	_, ok := s.users[username]
	return ok
}

// UsersSnapshot retorna uma cópia da tabela de usuários para persistência.
func (s *State) UsersSnapshot() map[string]string {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	out := make(map[string]string, len(s.users))
	for k, v := range s.users {
		out[k] = v
	}
	return out
}

// LoadUser insere um usuário durante o load inicial (sem validação de duplicata).
func (s *State) LoadUser(username, password string) {
	s.usersMu.Lock()
	s.users[username] = password
	s.usersMu.Unlock()
}

// ---- sessões ----

// NewSession cria uma sessão para o usuário, aplicando a política de
// sessão única: se existir sessão anterior ela é removida e seu ID é
// retornado em oldSID para que o caller notifique e feche a conexão antiga.
func (s *State) NewSession(username string) (sid, oldSID string) {
	sid = fmt.Sprintf("%d-%d", time.Now().Unix(), rand.Intn(100000))

	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if old, ok := s.userSession[username]; ok {
		oldSID = old
		delete(s.sessions, old)
	}
	s.sessions[sid] = username
	s.userSession[username] = sid
	return sid, oldSID
}

// ResolveSession retorna o usuário dono de uma sessão.
func (s *State) ResolveSession(sid string) (string, bool) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	user, ok := s.sessions[sid]
	return user, ok
}

// RemoveSession apaga uma sessão (logout). Retorna o usuário que a detinha.
func (s *State) RemoveSession(sid string) (string, bool) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	user, ok := s.sessions[sid]
	if !ok {
		return "", false
	}
	delete(s.sessions, sid)
	delete(s.userSession, user)
	return user, true
}

// SessionsSnapshot retorna uma cópia da tabela de sessões para persistência.
func (s *State) SessionsSnapshot() map[string]string {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	out := make(map[string]string, len(s.sessions))
	for k, v := range s.sessions {
		out[k] = v
	}
	return out
}

// LoadSession insere uma sessão durante o load inicial, reconstruindo o
// mapeamento user -> session (política de sessão única).
func (s *State) LoadSession(sid, username string) {
	s.sessionsMu.Lock()
	s.sessions[sid] = username
	s.userSession[username] = sid
	s.sessionsMu.Unlock()
}

// NextFileID gera um ID de arquivo único no formato <unix>_<contador>.
func (s *State) NextFileID() string {
	return fmt.Sprintf("%d_%d", time.Now().Unix(), s.fileCounter.Add(1))
}
