// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package state

import (
	"fmt"
	"math/rand"
	"time"
)

// AddPending registra um pedido de amizade de sender para target.
// Idempotente: o mesmo sender aparece no máximo uma vez por target.
func (s *State) AddPending(target, sender string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for _, existing := range s.pending[target] {
		if existing == sender {
			return
		}
	}
	s.pending[target] = append(s.pending[target], sender)
}

// RemovePending remove um pedido pendente. Retorna ErrRequestNotFound
// se sender não tem pedido para target.
func (s *State) RemovePending(target, sender string) error {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	list, ok := s.pending[target]
	if !ok {
		return ErrRequestNotFound
	}
	for i, existing := range list {
		if existing == sender {
			s.pending[target] = append(list[:i], list[i+1:]...)
			if len(s.pending[target]) == 0 {
				delete(s.pending, target)
			}
			return nil
		}
	}
	return ErrRequestNotFound
}

// PendingSnapshot retorna uma cópia da tabela de pedidos pendentes.
func (s *State) PendingSnapshot() map[string][]string {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	out := make(map[string][]string, len(s.pending))
	for k, v := range s.pending {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// LoadPending insere pedidos pendentes durante o load inicial.
func (s *State) LoadPending(target string, senders []string) {
	s.pendingMu.Lock()
	s.pending[target] = senders
	s.pendingMu.Unlock()
}

// ConfirmFriends cria a amizade simétrica entre a e b, reaproveitando o
// conv existente em qualquer uma das listas ou cunhando um novo.
// statusA e statusB são os status de presença cacheados nas entradas.
// Retorna o conv do par.
func (s *State) ConfirmFriends(a, b, statusA, statusB string) string {
	s.friendsMu.Lock()
	defer s.friendsMu.Unlock()

	conv := findConv(s.friends[a], b)
	if conv == "" {
		conv = findConv(s.friends[b], a)
	}
	if conv == "" {
		conv = fmt.Sprintf("U%d-%d", time.Now().Unix(), rand.Intn(1<<16))
	}

	s.friends[a] = upsertEntry(s.friends[a], FriendEntry{Name: b, Status: statusB, Conv: conv})
	s.friends[b] = upsertEntry(s.friends[b], FriendEntry{Name: a, Status: statusA, Conv: conv})
	return conv
}

func findConv(entries []FriendEntry, name string) string {
	for _, e := range entries {
		if e.Name == name && e.Conv != "" {
			return e.Conv
		}
	}
	return ""
}

func upsertEntry(entries []FriendEntry, entry FriendEntry) []FriendEntry {
	for i, e := range entries {
		if e.Name == entry.Name {
			entries[i] = entry
			return entries
		}
	}
	return append(entries, entry)
}

// Conversation retorna o conv da amizade entre a e b, consultando as
// listas dos dois lados. Vazio se não são amigos.
func (s *State) Conversation(a, b string) string {
	s.friendsMu.Lock()
	defer s.friendsMu.Unlock()
	if conv := findConv(s.friends[a], b); conv != "" {
		return conv
	}
	return findConv(s.friends[b], a)
}

// FriendsOf retorna uma cópia da lista de amigos do usuário.
func (s *State) FriendsOf(username string) []FriendEntry {
	s.friendsMu.Lock()
	defer s.friendsMu.Unlock()
	return append([]FriendEntry(nil), s.friends[username]...)
}

// SetFriendStatus atualiza o status cacheado de username em todas as
// listas de amigos que o contêm.
func (s *State) SetFriendStatus(username, status string) {
	s.friendsMu.Lock()
	defer s.friendsMu.Unlock()
	for owner, entries := range s.friends {
		for i := range entries {
			if entries[i].Name == username {
				entries[i].Status = status
			}
		}
		s.friends[owner] = entries
	}
}

// FriendsSnapshot retorna uma cópia do grafo de amizades para persistência.
func (s *State) FriendsSnapshot() map[string][]FriendEntry {
	s.friendsMu.Lock()
	defer s.friendsMu.Unlock()
	out := make(map[string][]FriendEntry, len(s.friends))
	for k, v := range s.friends {
		out[k] = append([]FriendEntry(nil), v...)
	}
	return out
}

// LoadFriends insere a lista de amigos de um usuário durante o load inicial.
func (s *State) LoadFriends(username string, entries []FriendEntry) {
	s.friendsMu.Lock()
	s.friends[username] = entries
	s.friendsMu.Unlock()
}
