// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/n-chat/internal/logging"
	"github.com/nishisan-dev/n-chat/internal/protocol"
	"github.com/nishisan-dev/n-chat/internal/state"
	"github.com/nishisan-dev/n-chat/internal/store"
)

// defaultMaxMembers é o limite de membros quando INIT_GROUP omite o argumento.
const defaultMaxMembers = 20

// session é o estado transiente de uma conexão: vazio até LOGIN ou AUTH.
type session struct {
	srv    *Server
	peer   *Peer
	r      *bufio.Reader
	logger *slog.Logger
	ctx    context.Context

	sid  string
	user string

	sessionLog io.Closer // log dedicado da sessão, quando configurado
}

// HandleConnection processa os comandos de uma conexão até EOF ou erro fatal.
func (s *Server) HandleConnection(ctx context.Context, conn net.Conn) {
	s.ActiveConns.Add(1)
	defer s.ActiveConns.Add(-1)
	defer conn.Close()

	clientID := s.clientSeq.Add(1)
	logger := s.logger.With("client", clientID, "remote", conn.RemoteAddr().String())
	logger.Info("client connected")

	sess := &session{
		srv:    s,
		peer:   NewPeer(conn),
		r:      bufio.NewReader(conn),
		logger: logger,
		ctx:    ctx,
	}
	defer sess.teardown()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := sess.r.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed != "" {
			if resp := sess.dispatch(trimmed); resp != "" {
				if wErr := sess.peer.WriteLine(resp); wErr != nil {
					sess.logger.Warn("writing response", "error", wErr)
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				sess.logger.Debug("connection read ended", "error", err)
			}
			return
		}
	}
}

// teardown marca o usuário como offline e libera o slot de presença.
// A sessão em si sobrevive à desconexão: o cliente pode voltar com AUTH.
// Uma conexão que perdeu o binding num takeover não mexe no status: o
// usuário continua online pela conexão nova.
func (sess *session) teardown() {
	if sess.user != "" && sess.srv.presence.Unbind(sess.user, sess.peer) {
		sess.srv.st.SetFriendStatus(sess.user, "offline")
		if err := sess.srv.store.SaveFriends(sess.srv.st.FriendsSnapshot()); err != nil {
			sess.logger.Warn("persisting friend status on disconnect", "error", err)
		}
	}
	if sess.sessionLog != nil {
		sess.sessionLog.Close()
	}
	sess.logger.Info("client disconnected", "user", sess.user)
}

// dispatch roteia uma linha de comando e retorna a linha de resposta, ou ""
// quando o handler já escreveu tudo no socket (comandos que fazem streaming).
func (sess *session) dispatch(line string) (resp string) {
	defer func() {
		if r := recover(); r != nil {
			sess.logger.Error("panic handling command", "panic", r)
			resp = protocol.Fail(500, "SERVER_ERROR")
		}
	}()

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	verb := fields[0]
	args := fields[1:]

	sess.logger.Debug("command received", "verb", verb)

	switch verb {
	case "REGISTER":
		return sess.handleRegister(args)
	case "LOGIN":
		return sess.handleLogin(args)
	case "AUTH":
		return sess.handleAuth(args)
	case "LOGOUT":
		return sess.handleLogout()
	}

	if sess.sid == "" {
		return protocol.Fail(401, "UNAUTHORIZED")
	}

	switch verb {
	case "ADD_FRIEND":
		return sess.handleAddFriend(args)
	case "CONFIRM_FRIEND":
		return sess.handleConfirmFriend(args)
	case "REJECT_FRIEND":
		return sess.handleRejectFriend(args)
	case "GET_FRIENDS":
		return sess.handleGetFriends()
	case "INIT_GROUP":
		return sess.handleInitGroup(args)
	case "SEND_INVITE":
		return sess.handleSendInvite(args)
	case "CONFIRM_JOIN":
		return sess.handleConfirmJoin(args)
	case "REJECT_JOIN":
		return sess.handleRejectJoin(args)
	case "EJECT_USER":
		return sess.handleEjectUser(args)
	case "GET_MEMBERS":
		return sess.handleGetMembers(args)
	case "GET_GROUPS":
		return sess.handleGetGroups()
	case "TEXT":
		return sess.handleText(line)
	case "HISTORY":
		return sess.handleHistory(args)
	case "REQ_UPLOAD":
		return sess.handleReqUpload(line)
	case "UPLOAD_DATA":
		return sess.handleUploadData(args)
	case "REQ_RESUME_UPLOAD":
		return sess.handleResumeUpload(args)
	case "REQ_CANCEL_UPLOAD":
		return sess.handleCancelUpload(args)
	case "REQ_DOWNLOAD":
		return sess.handleReqDownload(args)
	case "REQ_RESUME_DOWNLOAD":
		return sess.handleResumeDownload(args)
	case "REQ_CANCEL_DOWNLOAD":
		return protocol.Success(200, "DOWNLOAD_CANCELLED")
	default:
		return protocol.Fail(400, "UNKNOWN_COMMAND")
	}
}

func (sess *session) handleRegister(args []string) string {
	if len(args) < 2 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	username, password := args[0], args[1]
	if err := validateName(username); err != nil {
		return protocol.Fail(400, "INVALID_FORMAT")
	}

	if err := sess.srv.st.RegisterUser(username, password); err != nil {
		return protocol.Fail(409, "USER_EXISTS")
	}
	if err := sess.srv.store.SaveUsers(sess.srv.st.UsersSnapshot()); err != nil {
		sess.logger.Error("persisting users", "error", err)
		return protocol.Fail(500, "SAVE_FAILED")
	}

	sess.logger.Info("user registered", "user", username)
	return protocol.Success(201, "REGISTERED "+username)
}

func (sess *session) handleLogin(args []string) string {
	if len(args) < 2 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	username, password := args[0], args[1]

	if !sess.srv.st.CheckCredentials(username, password) {
		return protocol.Fail(401, "INVALID_LOGIN")
	}

	sid, oldSID := sess.srv.st.NewSession(username)

	// Takeover: a conexão antiga, se houver, é avisada e fechada antes de o
	// novo binding assumir o slot de presença.
	oldPeer := sess.srv.presence.Bind(username, sess.peer)
	if oldSID != "" {
		if oldPeer != nil && oldPeer != sess.peer {
			oldPeer.WriteLine(protocol.NotifySessionExpired + " " + oldSID)
			oldPeer.Close()
			sess.logger.Info("evicted previous session", "user", username, "old_sid", oldSID)
		}
		sess.srv.st.SetFriendStatus(username, "offline")
	}

	sess.sid = sid
	sess.user = username
	sess.srv.st.SetFriendStatus(username, "online")

	if err := sess.srv.store.SaveSessions(sess.srv.st.SessionsSnapshot()); err != nil {
		sess.logger.Error("persisting sessions", "error", err)
	}
	if err := sess.srv.store.SaveFriends(sess.srv.st.FriendsSnapshot()); err != nil {
		sess.logger.Error("persisting friends", "error", err)
	}

	sess.openSessionLog()
	sess.logger.Info("user logged in", "user", username, "sid", sid)
	return protocol.Success(200, "SESSION "+sid)
}

func (sess *session) handleAuth(args []string) string {
	if len(args) < 1 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	sid := args[0]

	username, ok := sess.srv.st.ResolveSession(sid)
	if !ok {
		return protocol.Fail(401, "SESSION_EXPIRED")
	}

	sess.sid = sid
	sess.user = username
	sess.srv.presence.Bind(username, sess.peer)
	sess.srv.st.SetFriendStatus(username, "online")
	if err := sess.srv.store.SaveFriends(sess.srv.st.FriendsSnapshot()); err != nil {
		sess.logger.Error("persisting friends", "error", err)
	}

	sess.openSessionLog()
	sess.logger.Info("session rebound", "user", username, "sid", sid)
	return protocol.Success(200, "AUTH_OK")
}

func (sess *session) handleLogout() string {
	if sess.sid == "" {
		return protocol.Fail(400, "NOT_LOGGED_IN")
	}

	username, removed := sess.srv.st.RemoveSession(sess.sid)
	if removed {
		if err := sess.srv.store.SaveSessions(sess.srv.st.SessionsSnapshot()); err != nil {
			sess.logger.Error("persisting sessions", "error", err)
		}
		sess.srv.presence.Unbind(username, sess.peer)
		sess.srv.st.SetFriendStatus(username, "offline")
		if err := sess.srv.store.SaveFriends(sess.srv.st.FriendsSnapshot()); err != nil {
			sess.logger.Error("persisting friends", "error", err)
		}
		sess.logger.Info("user logged out", "user", username, "sid", sess.sid)
	}

	sess.sid = ""
	sess.user = ""
	if sess.sessionLog != nil {
		sess.sessionLog.Close()
		sess.sessionLog = nil
	}
	return protocol.Success(200, "LOGOUT")
}

func (sess *session) handleAddFriend(args []string) string {
	if len(args) < 1 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	target := args[0]

	if !sess.srv.st.UserExists(target) {
		return protocol.Fail(404, "USER_NOT_FOUND "+target)
	}
	if target == sess.user {
		return protocol.Fail(400, "INVALID_FORMAT")
	}

	sess.srv.st.AddPending(target, sess.user)
	if err := sess.srv.store.SavePending(sess.srv.st.PendingSnapshot()); err != nil {
		sess.logger.Error("persisting pending requests", "error", err)
	}

	sess.srv.presence.Notify(target, protocol.NotifyFriendRequest+" "+sess.user)
	return protocol.Success(200, "REQUEST_SENT "+target)
}

func (sess *session) handleConfirmFriend(args []string) string {
	if len(args) < 1 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	sender := args[0]

	if err := sess.srv.st.RemovePending(sess.user, sender); err != nil {
		return protocol.Fail(404, "REQUEST_NOT_FOUND")
	}

	statusSender := presenceLabel(sess.srv.presence.IsOnline(sender))
	sess.srv.st.ConfirmFriends(sender, sess.user, statusSender, "online")

	if err := sess.srv.store.SavePending(sess.srv.st.PendingSnapshot()); err != nil {
		sess.logger.Error("persisting pending requests", "error", err)
	}
	if err := sess.srv.store.SaveFriends(sess.srv.st.FriendsSnapshot()); err != nil {
		sess.logger.Error("persisting friends", "error", err)
	}

	sess.srv.presence.Notify(sender, protocol.NotifyFriendAccepted+" "+sess.user)
	return protocol.Success(201, "FRIEND_ADDED "+sender)
}

func (sess *session) handleRejectFriend(args []string) string {
	if len(args) < 1 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	sender := args[0]

	if err := sess.srv.st.RemovePending(sess.user, sender); err != nil {
		return protocol.Fail(404, "REQUEST_NOT_FOUND")
	}
	if err := sess.srv.store.SavePending(sess.srv.st.PendingSnapshot()); err != nil {
		sess.logger.Error("persisting pending requests", "error", err)
	}

	sess.srv.presence.Notify(sender, protocol.NotifyFriendRejected+" "+sess.user)
	return protocol.Success(200, "REJECTED_FRIEND "+sender)
}

func (sess *session) handleGetFriends() string {
	// A sessão pode ter sido evictada por um takeover em outra conexão.
	if _, ok := sess.srv.st.ResolveSession(sess.sid); !ok {
		sess.sid = ""
		sess.user = ""
		return protocol.Fail(401, "SESSION_EXPIRED")
	}

	entries := sess.srv.st.FriendsOf(sess.user)
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.Name+":"+presenceLabel(sess.srv.presence.IsOnline(e.Name)))
	}
	return protocol.Success(200, "FRIENDS "+strings.Join(parts, " "))
}

func (sess *session) handleInitGroup(args []string) string {
	if len(args) < 1 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	name := args[0]
	if err := validateName(name); err != nil {
		return protocol.Fail(400, "INVALID_FORMAT")
	}

	maxMembers := defaultMaxMembers
	if len(args) >= 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return protocol.Fail(400, "INVALID_LIMIT")
		}
		maxMembers = n
	}

	if err := sess.srv.st.CreateGroup(name, sess.user, maxMembers); err != nil {
		return protocol.Fail(409, "GROUP_EXISTS")
	}
	if err := sess.srv.store.SaveGroups(sess.srv.st.GroupsSnapshot()); err != nil {
		sess.logger.Error("persisting groups", "error", err)
	}

	sess.logger.Info("group created", "group", name, "max_members", maxMembers)
	return protocol.Success(201, "GROUP_CREATED "+name)
}

func (sess *session) handleSendInvite(args []string) string {
	if len(args) < 2 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	group, target := args[0], args[1]

	switch err := sess.srv.st.Invite(group, sess.user, target); {
	case errors.Is(err, state.ErrGroupNotFound):
		return protocol.Fail(404, "GROUP_NOT_FOUND")
	case errors.Is(err, state.ErrNotAdmin):
		return protocol.Fail(403, "NO_PERMISSION")
	case errors.Is(err, state.ErrAlreadyMember):
		return protocol.Fail(409, "ALREADY_MEMBER")
	case err != nil:
		return protocol.Fail(500, "SERVER_ERROR")
	}

	if err := sess.srv.store.SaveInvites(sess.srv.st.InvitesSnapshot()); err != nil {
		sess.logger.Error("persisting invites", "error", err)
	}

	sess.srv.presence.Notify(target, protocol.NotifyGroupInvite+" "+group+" "+sess.user)
	return protocol.Success(200, "INVITE_SENT "+target)
}

func (sess *session) handleConfirmJoin(args []string) string {
	if len(args) < 1 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	group := args[0]

	members, err := sess.srv.st.ConfirmJoin(group, sess.user)
	switch {
	case errors.Is(err, state.ErrGroupNotFound):
		return protocol.Fail(404, "GROUP_NOT_FOUND")
	case errors.Is(err, state.ErrInviteNotFound):
		return protocol.Fail(404, "INVITE_NOT_FOUND")
	case errors.Is(err, state.ErrGroupFull):
		return protocol.Fail(403, "GROUP_FULL")
	case err != nil:
		return protocol.Fail(500, "SERVER_ERROR")
	}

	if err := sess.srv.store.SaveGroups(sess.srv.st.GroupsSnapshot()); err != nil {
		sess.logger.Error("persisting groups", "error", err)
	}
	if err := sess.srv.store.SaveInvites(sess.srv.st.InvitesSnapshot()); err != nil {
		sess.logger.Error("persisting invites", "error", err)
	}

	for _, member := range members {
		if member != sess.user {
			sess.srv.presence.Notify(member, protocol.NotifyMemberJoin+" "+group+" "+sess.user)
		}
	}
	return protocol.Success(201, "JOINED "+group)
}

func (sess *session) handleRejectJoin(args []string) string {
	if len(args) < 1 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	group := args[0]

	creator, err := sess.srv.st.RejectJoin(group, sess.user)
	switch {
	case errors.Is(err, state.ErrGroupNotFound):
		return protocol.Fail(404, "GROUP_NOT_FOUND")
	case errors.Is(err, state.ErrInviteNotFound):
		return protocol.Fail(404, "INVITE_NOT_FOUND")
	case err != nil:
		return protocol.Fail(500, "SERVER_ERROR")
	}

	if err := sess.srv.store.SaveInvites(sess.srv.st.InvitesSnapshot()); err != nil {
		sess.logger.Error("persisting invites", "error", err)
	}

	sess.srv.presence.Notify(creator, protocol.NotifyInviteRejected+" "+group+" "+sess.user)
	return protocol.Success(200, "REJECTED_JOIN")
}

func (sess *session) handleEjectUser(args []string) string {
	if len(args) < 2 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	group, target := args[0], args[1]

	remaining, err := sess.srv.st.Eject(group, sess.user, target)
	switch {
	case errors.Is(err, state.ErrGroupNotFound):
		return protocol.Fail(404, "GROUP_NOT_FOUND")
	case errors.Is(err, state.ErrNotAdmin):
		return protocol.Fail(403, "NO_PERMISSION")
	case errors.Is(err, state.ErrUserNotFound):
		return protocol.Fail(404, "USER_NOT_FOUND")
	case err != nil:
		return protocol.Fail(500, "SERVER_ERROR")
	}

	if err := sess.srv.store.SaveGroups(sess.srv.st.GroupsSnapshot()); err != nil {
		sess.logger.Error("persisting groups", "error", err)
	}
	if err := sess.srv.store.SaveInvites(sess.srv.st.InvitesSnapshot()); err != nil {
		sess.logger.Error("persisting invites", "error", err)
	}

	sess.srv.presence.Notify(target, protocol.NotifyEjected+" "+group+" "+sess.user)
	for _, member := range remaining {
		if member != sess.user {
			sess.srv.presence.Notify(member, protocol.NotifyMemberLeft+" "+group+" "+target)
		}
	}
	return protocol.Success(200, "EJECTED "+target)
}

func (sess *session) handleGetMembers(args []string) string {
	if len(args) < 1 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	group := args[0]

	g, ok := sess.srv.st.GroupInfo(group)
	if !ok {
		return protocol.Fail(404, "GROUP_NOT_FOUND")
	}
	if !contains(g.Members, sess.user) {
		return protocol.Fail(403, "NOT_A_MEMBER")
	}

	parts := make([]string, 0, len(g.Members))
	for _, member := range g.Members {
		role := "member"
		if member == g.Creator {
			role = "admin"
		}
		parts = append(parts, member+":"+role+":"+presenceLabel(sess.srv.presence.IsOnline(member)))
	}
	return protocol.Success(200, "MEMBERS "+strings.Join(parts, " "))
}

func (sess *session) handleGetGroups() string {
	groups := sess.srv.st.GroupsOf(sess.user)
	parts := make([]string, 0, len(groups))
	for _, g := range groups {
		parts = append(parts, g.Name+":"+strconv.Itoa(len(g.Members)))
	}
	return protocol.Success(200, "GROUPS "+strings.Join(parts, " "))
}

// handleText recebe a linha crua porque o conteúdo é livre e pode ter espaços.
func (sess *session) handleText(line string) string {
	parts := strings.SplitN(line, " ", 4)
	if len(parts) < 4 {
		return protocol.Fail(400, "INVALID_FORMAT")
	}
	targetType, target := parts[1], parts[2]
	content := strings.TrimSpace(parts[3])
	if targetType == "" || target == "" || content == "" {
		return protocol.Fail(400, "INVALID_FORMAT")
	}

	ts := time.Now().Unix()

	switch targetType {
	case "U":
		// Amizade é o gate de entrega: sem conversa compartilhada, o alvo é
		// tratado como inexistente.
		conv := sess.srv.st.Conversation(sess.user, target)
		if conv == "" {
			return protocol.Fail(404, "USER_NOT_FOUND")
		}
		if err := sess.srv.store.AppendMessage(store.ConvKey("U", conv), ts, sess.user, protocol.KindText, content); err != nil {
			sess.logger.Error("appending message", "error", err)
			return protocol.Fail(500, "SAVE_FAILED")
		}
		sess.srv.presence.Notify(target, fmt.Sprintf("%s U %s %d %s", protocol.NotifyText, sess.user, ts, content))
		return protocol.Success(201, "SENT")

	case "G":
		g, ok := sess.srv.st.GroupInfo(target)
		if !ok {
			return protocol.Fail(404, "GROUP_NOT_FOUND")
		}
		if !contains(g.Members, sess.user) {
			return protocol.Fail(403, "NOT_A_MEMBER")
		}
		if err := sess.srv.store.AppendMessage(store.ConvKey("G", target), ts, sess.user, protocol.KindText, content); err != nil {
			sess.logger.Error("appending message", "error", err)
			return protocol.Fail(500, "SAVE_FAILED")
		}
		for _, member := range g.Members {
			if member != sess.user {
				sess.srv.presence.Notify(member, fmt.Sprintf("%s G %s %s %d %s", protocol.NotifyText, target, sess.user, ts, content))
			}
		}
		return protocol.Success(201, "SENT")

	default:
		return protocol.Fail(400, "INVALID_TYPE")
	}
}

// openSessionLog troca o logger da conexão por um que também grava no arquivo
// de log dedicado da sessão, quando logging.session_dir está configurado.
func (sess *session) openSessionLog() {
	dir := sess.srv.cfg.Logging.SessionDir
	if dir == "" {
		return
	}
	if sess.sessionLog != nil {
		sess.sessionLog.Close()
		sess.sessionLog = nil
	}

	logger, closer, path, err := logging.NewSessionLogger(sess.srv.logger, dir, sess.user, sess.sid)
	if err != nil {
		sess.logger.Warn("creating session log", "error", err)
		return
	}
	sess.logger = logger.With("user", sess.user, "sid", sess.sid)
	sess.sessionLog = closer
	sess.logger.Debug("session log opened", "path", path)
}

func presenceLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
