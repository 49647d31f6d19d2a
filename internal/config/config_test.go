// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadServerConfig_ExampleFile(t *testing.T) {
	cfgPath := filepath.Join("..", "..", "configs", "server.example.yaml")
	cfg, err := LoadServerConfig(cfgPath)
	if err != nil {
		t.Fatalf("failed to load server example config: %v", err)
	}

	if cfg.Server.Listen != ":8888" {
		t.Errorf("expected server.listen ':8888', got %q", cfg.Server.Listen)
	}
	if cfg.Data.Dir != "/var/lib/nchat/data" {
		t.Errorf("expected data.dir '/var/lib/nchat/data', got %q", cfg.Data.Dir)
	}
	if cfg.TLS.Enabled {
		t.Error("expected tls disabled in example config")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected logging level 'info', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.File != "/var/log/nchat/server.log" {
		t.Errorf("expected logging file '/var/log/nchat/server.log', got %q", cfg.Logging.File)
	}
	if cfg.Transfer.MaxRateRaw != 4*1024*1024 {
		t.Errorf("expected max_rate 4mb parsed, got %d", cfg.Transfer.MaxRateRaw)
	}
	if cfg.Transfer.MinFreeRaw != 500*1024*1024 {
		t.Errorf("expected min_disk_free 500mb parsed, got %d", cfg.Transfer.MinFreeRaw)
	}
	if cfg.Maintenance.SnapshotSchedule != "0 3 * * *" {
		t.Errorf("expected snapshot schedule '0 3 * * *', got %q", cfg.Maintenance.SnapshotSchedule)
	}
	if cfg.Maintenance.UploadTTL != 168*time.Hour {
		t.Errorf("expected upload_ttl 168h, got %v", cfg.Maintenance.UploadTTL)
	}
	if cfg.Maintenance.FileExtension() != ".tar.gz" {
		t.Errorf("expected gzip snapshot extension, got %q", cfg.Maintenance.FileExtension())
	}
	if !cfg.Stats.Enabled || cfg.Stats.Interval != 60*time.Second {
		t.Errorf("expected stats enabled at 60s, got %+v", cfg.Stats)
	}
	if cfg.Offsite.Enabled {
		t.Error("expected offsite disabled in example config")
	}
}

func TestLoadServerConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "server.yaml")
	// Config mínima: tudo vem dos defaults
	if err := os.WriteFile(cfgPath, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadServerConfig(cfgPath)
	if err != nil {
		t.Fatalf("failed to load minimal config: %v", err)
	}
	if cfg.Server.Listen != ":8888" {
		t.Errorf("expected default listen ':8888', got %q", cfg.Server.Listen)
	}
	if cfg.Data.Dir != "./data" {
		t.Errorf("expected default data dir './data', got %q", cfg.Data.Dir)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("expected default logging info/json, got %+v", cfg.Logging)
	}
	if cfg.Transfer.MaxRateRaw != 0 {
		t.Errorf("expected unlimited max_rate by default, got %d", cfg.Transfer.MaxRateRaw)
	}
	if cfg.Maintenance.FlushSchedule != "@every 30s" {
		t.Errorf("expected default flush schedule, got %q", cfg.Maintenance.FlushSchedule)
	}
	if cfg.Maintenance.ExpirySchedule != "@hourly" {
		t.Errorf("expected default expiry schedule, got %q", cfg.Maintenance.ExpirySchedule)
	}
	if cfg.Maintenance.SnapshotSchedule != "" {
		t.Errorf("expected snapshots disabled by default, got %q", cfg.Maintenance.SnapshotSchedule)
	}
	if cfg.Maintenance.UploadTTL != 168*time.Hour {
		t.Errorf("expected default upload_ttl 168h, got %v", cfg.Maintenance.UploadTTL)
	}
	if cfg.Maintenance.SnapshotDir != "./data/snapshots" {
		t.Errorf("expected snapshot dir under data dir, got %q", cfg.Maintenance.SnapshotDir)
	}
}

func TestLoadServerConfig_TLSRequiresCertAndKey(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "server.yaml")
	content := "tls:\n  enabled: true\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadServerConfig(cfgPath); err == nil {
		t.Error("expected error for tls enabled without cert paths")
	}
}

func TestLoadServerConfig_OffsiteRequiresBucket(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "server.yaml")
	content := "offsite:\n  enabled: true\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadServerConfig(cfgPath); err == nil {
		t.Error("expected error for offsite enabled without bucket")
	}
}

func TestLoadServerConfig_InvalidCompressionMode(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "server.yaml")
	content := "maintenance:\n  compression_mode: lz4\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadServerConfig(cfgPath); err == nil {
		t.Error("expected error for unsupported compression_mode")
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1024", 1024},
		{"64kb", 64 * 1024},
		{"4mb", 4 * 1024 * 1024},
		{"1gb", 1024 * 1024 * 1024},
		{"  2MB ", 2 * 1024 * 1024},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if err != nil {
			t.Errorf("ParseByteSize(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "abc", "12xb"} {
		if _, err := ParseByteSize(bad); err == nil {
			t.Errorf("ParseByteSize(%q): expected error", bad)
		}
	}
}
