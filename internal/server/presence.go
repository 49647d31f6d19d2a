// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"io"
	"log/slog"
	"net"
	"sync"
)

// Peer representa a conexão de um usuário online. Todas as escritas no socket
// passam pelo mutex interno para que notificações assíncronas não se misturem
// com respostas de comando ou chunks binários.
type Peer struct {
	conn net.Conn
	mu   sync.Mutex
}

// NewPeer cria um Peer para a conexão dada.
func NewPeer(conn net.Conn) *Peer {
	return &Peer{conn: conn}
}

// WriteLine escreve uma única linha terminada em \n no socket do peer.
func (p *Peer) WriteLine(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.conn.Write([]byte(line + "\n"))
	return err
}

// WriteRaw escreve bytes crus (frames binários) no socket do peer.
func (p *Peer) WriteRaw(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.conn.Write(b)
	return err
}

// Stream executa fn com acesso exclusivo ao socket. Fases binárias usam isto
// para que nenhuma notificação se intercale com os frames da transferência;
// notificações pendentes são entregues quando o stream termina.
func (p *Peer) Stream(fn func(w io.Writer) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(p.conn)
}

// Close fecha o socket subjacente.
func (p *Peer) Close() error {
	return p.conn.Close()
}

// Presence mantém o mapa de usuários online (username → Peer).
type Presence struct {
	mu     sync.Mutex
	online map[string]*Peer
	logger *slog.Logger
}

// NewPresence cria um mapa de presença vazio.
func NewPresence(logger *slog.Logger) *Presence {
	return &Presence{
		online: make(map[string]*Peer),
		logger: logger,
	}
}

// Bind registra o peer como a conexão ativa do usuário e retorna o peer
// anterior, se havia um (caso de takeover de sessão).
func (pr *Presence) Bind(username string, peer *Peer) *Peer {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	old := pr.online[username]
	pr.online[username] = peer
	return old
}

// Unbind remove o usuário do mapa, mas apenas se o peer registrado for o
// mesmo, e informa se a remoção aconteceu. Evita que uma conexão antiga
// derrube o binding ou o status online da nova após takeover.
func (pr *Presence) Unbind(username string, peer *Peer) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.online[username] != peer {
		return false
	}
	delete(pr.online, username)
	return true
}

// IsOnline informa se o usuário tem uma conexão ativa.
func (pr *Presence) IsOnline(username string) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	_, ok := pr.online[username]
	return ok
}

// Notify escreve uma linha no socket do usuário, se online. Best-effort:
// falhas de escrita são logadas e descartadas, nunca propagadas ao comando
// que originou a notificação.
func (pr *Presence) Notify(username, message string) {
	pr.mu.Lock()
	peer := pr.online[username]
	pr.mu.Unlock()

	if peer == nil {
		pr.logger.Debug("notify dropped, user offline", "user", username, "message", message)
		return
	}

	if err := peer.WriteLine(message); err != nil {
		pr.logger.Warn("notify write failed", "user", username, "error", err)
	}
}
