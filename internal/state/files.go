// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package state

// RegisterUpload registra um upload ativo com bytes_received = 0.
func (s *State) RegisterUpload(meta *FileMeta) {
	s.filesMu.Lock()
	s.active[meta.ID] = meta
	s.filesMu.Unlock()
}

// ActiveUpload retorna uma cópia dos metadados de um upload ativo.
func (s *State) ActiveUpload(fid string) (*FileMeta, bool) {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	m, ok := s.active[fid]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}

// AdvanceUpload soma n a bytes_received de um upload ativo e retorna o total.
func (s *State) AdvanceUpload(fid string, n int64) int64 {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	if m, ok := s.active[fid]; ok {
		m.BytesReceived += n
		return m.BytesReceived
	}
	return 0
}

// SetUploadReceived sobrescreve bytes_received de um upload ativo
// (resume server-authoritative: o valor vem do tamanho em disco).
func (s *State) SetUploadReceived(fid string, n int64) error {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	m, ok := s.active[fid]
	if !ok {
		return ErrFileNotFound
	}
	m.BytesReceived = n
	return nil
}

// CompleteUpload move o upload de ativo para completo e retorna os
// metadados finais.
func (s *State) CompleteUpload(fid string) (*FileMeta, error) {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	m, ok := s.active[fid]
	if !ok {
		return nil, ErrFileNotFound
	}
	delete(s.active, fid)
	m.Complete = true
	s.completed[fid] = m
	cp := *m
	return &cp, nil
}

// CancelUpload remove um upload ativo e retorna o path do arquivo parcial
// para que o caller o delete.
func (s *State) CancelUpload(fid string) (string, error) {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	m, ok := s.active[fid]
	if !ok {
		return "", ErrFileNotFound
	}
	delete(s.active, fid)
	return m.Path, nil
}

// CompletedFile retorna uma cópia dos metadados de um arquivo completo.
func (s *State) CompletedFile(fid string) (*FileMeta, bool) {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	m, ok := s.completed[fid]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}

// LoadCompletedFile insere um arquivo completo durante o load inicial.
func (s *State) LoadCompletedFile(meta *FileMeta) {
	s.filesMu.Lock()
	s.completed[meta.ID] = meta
	s.filesMu.Unlock()
}

// ActiveUploads retorna uma cópia de todos os uploads ativos
// (usado pelo job de expiração).
func (s *State) ActiveUploads() []FileMeta {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	out := make([]FileMeta, 0, len(s.active))
	for _, m := range s.active {
		out = append(out, *m)
	}
	return out
}

// ActiveUploadCount retorna o número de uploads ativos (stats).
func (s *State) ActiveUploadCount() int {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	return len(s.active)
}
