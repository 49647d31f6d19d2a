// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package state

// CreateGroup cria um grupo com creator como admin e único membro inicial.
func (s *State) CreateGroup(name, creator string, maxMembers int) error {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	if _, ok := s.groups[name]; ok {
		return ErrGroupExists
	}
	s.groups[name] = &Group{
		Name:       name,
		Creator:    creator,
		MaxMembers: maxMembers,
		Members:    []string{creator},
	}
	s.userGroups[creator] = append(s.userGroups[creator], name)
	return nil
}

// Invite registra um convite de admin para target entrar no grupo.
// Falha se o grupo não existe, admin não é o creator ou target já é membro.
// Convites duplicados não são registrados.
func (s *State) Invite(group, admin, target string) error {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return ErrGroupNotFound
	}
	if g.Creator != admin {
		return ErrNotAdmin
	}
	if contains(g.Members, target) {
		return ErrAlreadyMember
	}
	if !contains(s.invites[group], target) {
		s.invites[group] = append(s.invites[group], target)
	}
	return nil
}

// ConfirmJoin move o usuário de invites para members, atomicamente.
// O limite max_members é verificado aqui: grupo cheio mantém o convite
// e retorna ErrGroupFull.
// Retorna a lista de membros resultante para notificação.
func (s *State) ConfirmJoin(group, user string) ([]string, error) {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return nil, ErrGroupNotFound
	}
	idx := indexOf(s.invites[group], user)
	if idx < 0 {
		return nil, ErrInviteNotFound
	}
	if g.MaxMembers > 0 && len(g.Members) >= g.MaxMembers {
		return nil, ErrGroupFull
	}

	s.invites[group] = append(s.invites[group][:idx], s.invites[group][idx+1:]...)
	g.Members = append(g.Members, user)
	s.userGroups[user] = append(s.userGroups[user], group)
	return append([]string(nil), g.Members...), nil
}

// RejectJoin remove o convite do usuário para o grupo. Retorna o creator
// do grupo para notificação.
func (s *State) RejectJoin(group, user string) (string, error) {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return "", ErrGroupNotFound
	}
	idx := indexOf(s.invites[group], user)
	if idx < 0 {
		return "", ErrInviteNotFound
	}
	s.invites[group] = append(s.invites[group][:idx], s.invites[group][idx+1:]...)
	return g.Creator, nil
}

// Eject remove target do grupo. Apenas o admin pode ejetar; o admin não
// aparece em members-menos-admin de forma ejetável porque a checagem de
// membership falha com ErrUserNotFound quando target == admin já removido.
// Retorna a lista de membros remanescentes para notificação.
func (s *State) Eject(group, admin, target string) ([]string, error) {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return nil, ErrGroupNotFound
	}
	if g.Creator != admin {
		return nil, ErrNotAdmin
	}
	idx := indexOf(g.Members, target)
	if idx < 0 || target == g.Creator {
		return nil, ErrUserNotFound
	}
	g.Members = append(g.Members[:idx], g.Members[idx+1:]...)
	if gi := indexOf(s.userGroups[target], group); gi >= 0 {
		s.userGroups[target] = append(s.userGroups[target][:gi], s.userGroups[target][gi+1:]...)
	}
	if ii := indexOf(s.invites[group], target); ii >= 0 {
		s.invites[group] = append(s.invites[group][:ii], s.invites[group][ii+1:]...)
	}
	return append([]string(nil), g.Members...), nil
}

// GroupInfo retorna uma cópia do grupo.
func (s *State) GroupInfo(name string) (*Group, bool) {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	g, ok := s.groups[name]
	if !ok {
		return nil, false
	}
	cp := *g
	cp.Members = append([]string(nil), g.Members...)
	return &cp, true
}

// IsMember verifica se user pertence ao grupo.
func (s *State) IsMember(group, user string) (bool, error) {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return false, ErrGroupNotFound
	}
	return contains(g.Members, user), nil
}

// GroupsOf retorna os grupos do usuário com o tamanho atual de cada um,
// na ordem de entrada.
func (s *State) GroupsOf(user string) []Group {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	var out []Group
	for _, name := range s.userGroups[user] {
		if g, ok := s.groups[name]; ok {
			cp := *g
			cp.Members = append([]string(nil), g.Members...)
			out = append(out, cp)
		}
	}
	return out
}

// GroupsSnapshot retorna uma cópia de todos os grupos para persistência.
func (s *State) GroupsSnapshot() map[string]*Group {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	out := make(map[string]*Group, len(s.groups))
	for k, g := range s.groups {
		cp := *g
		cp.Members = append([]string(nil), g.Members...)
		out[k] = &cp
	}
	return out
}

// InvitesSnapshot retorna uma cópia da tabela de convites para persistência.
func (s *State) InvitesSnapshot() map[string][]string {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	out := make(map[string][]string, len(s.invites))
	for k, v := range s.invites {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// LoadGroup insere um grupo durante o load inicial, reconstruindo user_groups.
func (s *State) LoadGroup(g *Group) {
	s.groupsMu.Lock()
	s.groups[g.Name] = g
	for _, m := range g.Members {
		s.userGroups[m] = append(s.userGroups[m], g.Name)
	}
	s.groupsMu.Unlock()
}

// LoadInvites insere os convites de um grupo durante o load inicial.
func (s *State) LoadInvites(group string, invitees []string) {
	s.groupsMu.Lock()
	s.invites[group] = invitees
	s.groupsMu.Unlock()
}

func contains(list []string, v string) bool {
	return indexOf(list, v) >= 0
}

func indexOf(list []string, v string) int {
	for i, item := range list {
		if item == v {
			return i
		}
	}
	return -1
}
