// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package state

import (
	"errors"
	"testing"
)

func TestRegisterUser_Duplicate(t *testing.T) {
	s := New()
	if err := s.RegisterUser("alice", "s3cret"); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if err := s.RegisterUser("alice", "other"); !errors.Is(err, ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
	if !s.CheckCredentials("alice", "s3cret") {
		t.Error("expected valid credentials")
	}
	if s.CheckCredentials("alice", "wrong") {
		t.Error("expected invalid credentials with wrong password")
	}
}

func TestNewSession_SingleSessionPolicy(t *testing.T) {
	s := New()
	s.LoadUser("alice", "pw")

	sid1, old := s.NewSession("alice")
	if old != "" {
		t.Errorf("expected no evicted session on first login, got %q", old)
	}

	sid2, old := s.NewSession("alice")
	if old != sid1 {
		t.Errorf("expected eviction of %q, got %q", sid1, old)
	}
	if sid2 == sid1 {
		t.Error("expected distinct session ids")
	}

	// A sessão antiga não pode mais ser resolvida por AUTH
	if _, ok := s.ResolveSession(sid1); ok {
		t.Error("old session should not resolve after eviction")
	}
	if user, ok := s.ResolveSession(sid2); !ok || user != "alice" {
		t.Errorf("new session should resolve to alice, got %q ok=%v", user, ok)
	}
}

func TestConfirmFriends_SymmetricSharedConv(t *testing.T) {
	s := New()
	conv := s.ConfirmFriends("alice", "bob", "online", "offline")
	if conv == "" {
		t.Fatal("expected minted conv id")
	}

	if got := s.Conversation("alice", "bob"); got != conv {
		t.Errorf("conv(alice->bob) = %q, want %q", got, conv)
	}
	if got := s.Conversation("bob", "alice"); got != conv {
		t.Errorf("conv(bob->alice) = %q, want %q", got, conv)
	}

	// Reconfirmar reaproveita o conv existente
	if again := s.ConfirmFriends("bob", "alice", "online", "online"); again != conv {
		t.Errorf("expected conv reuse, got %q want %q", again, conv)
	}

	af := s.FriendsOf("alice")
	bf := s.FriendsOf("bob")
	if len(af) != 1 || len(bf) != 1 {
		t.Fatalf("expected one entry each, got %d and %d", len(af), len(bf))
	}
	if af[0].Conv != bf[0].Conv {
		t.Error("conv ids differ between the two sides")
	}
}

func TestPending_Idempotent(t *testing.T) {
	s := New()
	s.AddPending("bob", "alice")
	s.AddPending("bob", "alice")

	if err := s.RemovePending("bob", "alice"); err != nil {
		t.Fatalf("RemovePending: %v", err)
	}
	// Segunda remoção falha: o duplicado não foi registrado
	if err := s.RemovePending("bob", "alice"); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestGroupMembershipInvariant(t *testing.T) {
	s := New()
	if err := s.CreateGroup("devs", "alice", 5); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := s.CreateGroup("devs", "bob", 5); !errors.Is(err, ErrGroupExists) {
		t.Errorf("expected ErrGroupExists, got %v", err)
	}

	if err := s.Invite("devs", "alice", "carol"); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if err := s.Invite("devs", "carol", "dave"); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("expected ErrNotAdmin, got %v", err)
	}
	if err := s.Invite("devs", "alice", "alice"); !errors.Is(err, ErrAlreadyMember) {
		t.Errorf("expected ErrAlreadyMember, got %v", err)
	}

	members, err := s.ConfirmJoin("devs", "carol")
	if err != nil {
		t.Fatalf("ConfirmJoin: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	// Invariante: g ∈ user_groups[u] ⇔ u ∈ groups[g].members
	for _, u := range []string{"alice", "carol"} {
		groups := s.GroupsOf(u)
		if len(groups) != 1 || groups[0].Name != "devs" {
			t.Errorf("GroupsOf(%s) = %v, want [devs]", u, groups)
		}
		if ok, _ := s.IsMember("devs", u); !ok {
			t.Errorf("IsMember(devs, %s) = false", u)
		}
	}

	// Eject restaura o invariante
	if _, err := s.Eject("devs", "alice", "carol"); err != nil {
		t.Fatalf("Eject: %v", err)
	}
	if len(s.GroupsOf("carol")) != 0 {
		t.Error("carol should have no groups after eject")
	}
	if ok, _ := s.IsMember("devs", "carol"); ok {
		t.Error("carol should not be a member after eject")
	}

	// Admin não pode ejetar a si mesmo
	if _, err := s.Eject("devs", "alice", "alice"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound ejecting admin, got %v", err)
	}
}

func TestConfirmJoin_EnforcesMaxMembers(t *testing.T) {
	s := New()
	if err := s.CreateGroup("tiny", "alice", 2); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := s.Invite("tiny", "alice", "bob"); err != nil {
		t.Fatalf("Invite bob: %v", err)
	}
	if err := s.Invite("tiny", "alice", "carol"); err != nil {
		t.Fatalf("Invite carol: %v", err)
	}

	if _, err := s.ConfirmJoin("tiny", "bob"); err != nil {
		t.Fatalf("ConfirmJoin bob: %v", err)
	}
	if _, err := s.ConfirmJoin("tiny", "carol"); !errors.Is(err, ErrGroupFull) {
		t.Errorf("expected ErrGroupFull, got %v", err)
	}

	// Convite é mantido quando o grupo está cheio
	if _, err := s.RejectJoin("tiny", "carol"); err != nil {
		t.Errorf("invite should survive a full-group join attempt: %v", err)
	}
}

func TestUploadLifecycle(t *testing.T) {
	s := New()
	fid := s.NextFileID()
	s.RegisterUpload(&FileMeta{
		ID:         fid,
		Filename:   "f.bin",
		Sender:     "alice",
		TargetType: "U",
		TargetName: "bob",
		Filesize:   200000,
		Path:       "uploads/" + fid,
	})

	if got := s.AdvanceUpload(fid, 65536); got != 65536 {
		t.Errorf("AdvanceUpload = %d, want 65536", got)
	}
	if err := s.SetUploadReceived(fid, 131072); err != nil {
		t.Fatalf("SetUploadReceived: %v", err)
	}
	m, ok := s.ActiveUpload(fid)
	if !ok || m.BytesReceived != 131072 {
		t.Fatalf("ActiveUpload = %+v ok=%v", m, ok)
	}

	done, err := s.CompleteUpload(fid)
	if err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
	if !done.Complete {
		t.Error("completed meta should be marked complete")
	}
	if _, ok := s.ActiveUpload(fid); ok {
		t.Error("upload should leave the active table on completion")
	}
	if _, ok := s.CompletedFile(fid); !ok {
		t.Error("upload should appear in the completed table")
	}

	// Cancelamento de ID desconhecido
	if _, err := s.CancelUpload("nope"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}
}

func TestNextFileID_Unique(t *testing.T) {
	s := New()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := s.NextFileID()
		if seen[id] {
			t.Fatalf("duplicate file id %q", id)
		}
		seen[id] = true
	}
}
