// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implementa o servidor de chat (nchat-server).
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/nishisan-dev/n-chat/internal/config"
	"github.com/nishisan-dev/n-chat/internal/pki"
	"github.com/nishisan-dev/n-chat/internal/state"
	"github.com/nishisan-dev/n-chat/internal/store"
)

// Server agrega o estado de domínio, a persistência e o mapa de presença.
// Uma goroutine por conexão aceita; o restante do trabalho é disparado por
// jobs de manutenção (ver maintenance.go).
type Server struct {
	cfg      *config.ServerConfig
	logger   *slog.Logger
	st       *state.State
	store    *store.Store
	presence *Presence
	offsite  *Replicator // nil quando replicação desabilitada

	clientSeq atomic.Int64

	// Métricas observáveis pelo stats reporter
	TrafficIn   atomic.Int64 // bytes recebidos da rede (acumulado desde último reset)
	TrafficOut  atomic.Int64 // bytes enviados em streams de download
	ActiveConns atomic.Int32 // conexões ativas no momento
}

// New constrói um Server: garante o layout do diretório de dados e carrega
// todas as tabelas persistidas para o estado em memória.
func New(cfg *config.ServerConfig, logger *slog.Logger) (*Server, error) {
	st := state.New()
	ds := store.New(cfg.Data.Dir)

	if err := ds.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("preparing data directory: %w", err)
	}
	if err := ds.LoadAll(st); err != nil {
		return nil, fmt.Errorf("loading persisted state: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		st:       st,
		store:    ds,
		presence: NewPresence(logger),
	}

	if cfg.Offsite.Enabled {
		rep, err := NewReplicator(context.Background(), cfg.Offsite, ds, logger)
		if err != nil {
			return nil, fmt.Errorf("configuring offsite replication: %w", err)
		}
		s.offsite = rep
	}

	return s, nil
}

// State expõe o estado de domínio (usado pelos jobs de manutenção e testes).
func (s *Server) State() *state.State { return s.st }

// Store expõe a camada de persistência.
func (s *Server) Store() *store.Store { return s.store }

// Flush grava todas as tabelas mutáveis em disco. Chamado no shutdown e
// periodicamente pelo job de flush.
func (s *Server) Flush() error {
	if err := s.store.SaveUsers(s.st.UsersSnapshot()); err != nil {
		return fmt.Errorf("saving users: %w", err)
	}
	if err := s.store.SaveSessions(s.st.SessionsSnapshot()); err != nil {
		return fmt.Errorf("saving sessions: %w", err)
	}
	if err := s.store.SaveFriends(s.st.FriendsSnapshot()); err != nil {
		return fmt.Errorf("saving friends: %w", err)
	}
	if err := s.store.SavePending(s.st.PendingSnapshot()); err != nil {
		return fmt.Errorf("saving pending requests: %w", err)
	}
	if err := s.store.SaveGroups(s.st.GroupsSnapshot()); err != nil {
		return fmt.Errorf("saving groups: %w", err)
	}
	if err := s.store.SaveInvites(s.st.InvitesSnapshot()); err != nil {
		return fmt.Errorf("saving group invites: %w", err)
	}
	return nil
}

// Run inicia o servidor de chat e bloqueia até o context ser cancelado.
func Run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	srv, err := New(cfg, logger)
	if err != nil {
		return err
	}

	var ln net.Listener
	if cfg.TLS.Enabled {
		tlsCfg, err := pki.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.ServerCert, cfg.TLS.ServerKey)
		if err != nil {
			return fmt.Errorf("configuring TLS: %w", err)
		}
		ln, err = tls.Listen("tcp", cfg.Server.Listen, tlsCfg)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
		}
	} else {
		ln, err = net.Listen("tcp", cfg.Server.Listen)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
		}
	}
	defer ln.Close()

	logger.Info("server listening", "address", cfg.Server.Listen, "tls", cfg.TLS.Enabled)

	maint, err := StartMaintenance(srv, cfg, logger)
	if err != nil {
		return fmt.Errorf("starting maintenance jobs: %w", err)
	}
	defer maint.Stop()

	if cfg.Stats.Enabled {
		go srv.StartStatsReporter(ctx, cfg.Stats.Interval)
	}

	return srv.serve(ctx, ln)
}

// RunWithListener inicia o servidor com um listener já existente (para testes).
// Não inicia jobs de manutenção nem stats reporter.
func RunWithListener(ctx context.Context, ln net.Listener, cfg *config.ServerConfig, logger *slog.Logger) error {
	srv, err := New(cfg, logger)
	if err != nil {
		return err
	}
	return srv.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				if fErr := s.Flush(); fErr != nil {
					s.logger.Error("flushing state on shutdown", "error", fErr)
				}
				s.logger.Info("server shutdown complete")
				return nil
			default:
				s.logger.Error("accepting connection", "error", err)
				continue
			}
		}

		go s.HandleConnection(ctx, conn)
	}
}
