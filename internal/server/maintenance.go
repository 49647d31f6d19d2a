// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"archive/tar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/n-chat/internal/config"
)

// Maintenance agrupa os jobs periódicos do servidor: flush das tabelas,
// expiração de uploads abandonados e snapshot compactado do data dir.
type Maintenance struct {
	cron   *cron.Cron
	srv    *Server
	cfg    *config.ServerConfig
	logger *slog.Logger
	mu     sync.Mutex // garante apenas um snapshot por vez
}

// StartMaintenance registra os jobs conforme os schedules configurados e
// inicia o cron. Schedules vazios desabilitam o job correspondente.
func StartMaintenance(srv *Server, cfg *config.ServerConfig, logger *slog.Logger) (*Maintenance, error) {
	m := &Maintenance{
		srv:    srv,
		cfg:    cfg,
		logger: logger.With("component", "maintenance"),
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	if cfg.Maintenance.FlushSchedule != "" {
		if _, err := c.AddFunc(cfg.Maintenance.FlushSchedule, m.flush); err != nil {
			return nil, fmt.Errorf("registering flush job: %w", err)
		}
	}
	if cfg.Maintenance.ExpirySchedule != "" {
		if _, err := c.AddFunc(cfg.Maintenance.ExpirySchedule, m.expireUploads); err != nil {
			return nil, fmt.Errorf("registering expiry job: %w", err)
		}
	}
	if cfg.Maintenance.SnapshotSchedule != "" {
		if _, err := c.AddFunc(cfg.Maintenance.SnapshotSchedule, m.snapshot); err != nil {
			return nil, fmt.Errorf("registering snapshot job: %w", err)
		}
	}

	m.cron = c
	c.Start()
	m.logger.Info("maintenance started",
		"flush", cfg.Maintenance.FlushSchedule,
		"expiry", cfg.Maintenance.ExpirySchedule,
		"snapshot", cfg.Maintenance.SnapshotSchedule)
	return m, nil
}

// Stop para o cron e aguarda jobs em andamento.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	select {
	case <-ctx.Done():
		m.logger.Info("maintenance stopped gracefully")
	case <-time.After(30 * time.Second):
		m.logger.Warn("maintenance stop timed out")
	}
}

func (m *Maintenance) flush() {
	if err := m.srv.Flush(); err != nil {
		m.logger.Error("flushing tables", "error", err)
		return
	}
	m.logger.Debug("tables flushed")
}

// expireUploads cancela uploads ativos parados há mais que upload_ttl e
// remove seus blobs parciais.
func (m *Maintenance) expireUploads() {
	cutoff := time.Now().Add(-m.cfg.Maintenance.UploadTTL).Unix()
	for _, meta := range m.srv.st.ActiveUploads() {
		if meta.UploadTime >= cutoff {
			continue
		}
		path, err := m.srv.st.CancelUpload(meta.ID)
		if err != nil {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("removing stale upload blob", "fid", meta.ID, "error", err)
		}
		m.logger.Info("stale upload expired", "fid", meta.ID, "filename", meta.Filename)
	}
}

// snapshot gera um tar compactado das tabelas e logs do data dir em
// snapshot_dir. O blob dos uploads não entra: só o estado textual.
func (m *Maintenance) snapshot() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.srv.Flush(); err != nil {
		m.logger.Error("flushing before snapshot", "error", err)
		return
	}

	if err := os.MkdirAll(m.cfg.Maintenance.SnapshotDir, 0755); err != nil {
		m.logger.Error("creating snapshot dir", "error", err)
		return
	}

	name := fmt.Sprintf("state-%s%s", time.Now().Format("20060102-150405"), m.cfg.Maintenance.FileExtension())
	path := filepath.Join(m.cfg.Maintenance.SnapshotDir, name)

	start := time.Now()
	size, err := m.writeSnapshot(path)
	if err != nil {
		m.logger.Error("writing snapshot", "path", path, "error", err)
		os.Remove(path)
		return
	}
	m.logger.Info("snapshot written", "path", path, "bytes", size, "duration", time.Since(start))
}

func (m *Maintenance) writeSnapshot(path string) (int64, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating snapshot file: %w", err)
	}
	defer out.Close()

	compressor, err := newCompressor(out, m.cfg.Maintenance.CompressionMode)
	if err != nil {
		return 0, err
	}
	tw := tar.NewWriter(compressor)

	dataDir := m.srv.store.DataDir()
	snapshotDir := m.cfg.Maintenance.SnapshotDir

	walkErr := filepath.Walk(dataDir, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil // pula entradas que sumiram durante o walk
		}
		// Snapshots anteriores e blobs binários ficam de fora
		if fi.IsDir() {
			if p == snapshotDir || filepath.Base(p) == "uploads" {
				return filepath.SkipDir
			}
			return nil
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dataDir, p)
		if err != nil {
			return err
		}
		return addFileToTar(tw, p, rel)
	})

	if walkErr != nil {
		tw.Close()
		compressor.Close()
		return 0, fmt.Errorf("walking data dir: %w", walkErr)
	}
	if err := tw.Close(); err != nil {
		compressor.Close()
		return 0, fmt.Errorf("closing tar writer: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return 0, fmt.Errorf("closing compressor: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("closing snapshot file: %w", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return 0, nil
	}
	return fi.Size(), nil
}

// newCompressor cria um io.WriteCloser de compressão conforme o modo
// configurado (gzip|zst).
func newCompressor(w io.Writer, mode string) (io.WriteCloser, error) {
	switch mode {
	case config.CompressionZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	default: // gzip
		gzWriter, err := pgzip.NewWriterLevel(w, pgzip.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("creating gzip writer: %w", err)
		}
		if err := gzWriter.SetConcurrency(1<<20, runtime.GOMAXPROCS(0)); err != nil {
			return nil, fmt.Errorf("configuring gzip concurrency: %w", err)
		}
		return gzWriter, nil
	}
}

// addFileToTar adiciona um arquivo regular ao tar usando stat do fd aberto
// para manter o size do header consistente com os bytes copiados.
func addFileToTar(tw *tar.Writer, path, relPath string) error {
	f, err := os.Open(path)
	if err != nil {
		return nil // pula arquivos que sumiram entre walk e tar
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil
	}

	header, err := tar.FileInfoHeader(fi, "")
	if err != nil {
		return fmt.Errorf("creating tar header for %s: %w", path, err)
	}
	header.Name = relPath

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", path, err)
	}
	if _, err := io.Copy(tw, io.LimitReader(f, fi.Size())); err != nil {
		return fmt.Errorf("writing file %s to tar: %w", path, err)
	}
	return nil
}
