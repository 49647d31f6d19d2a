// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig representa a configuração completa do nchat-server.
type ServerConfig struct {
	Server      ServerListen      `yaml:"server"`
	Data        DataInfo          `yaml:"data"`
	TLS         TLSServer         `yaml:"tls"`
	Logging     LoggingInfo       `yaml:"logging"`
	Transfer    TransferConfig    `yaml:"transfer"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Stats       StatsConfig       `yaml:"stats"`
	Offsite     OffsiteConfig     `yaml:"offsite"`
}

// ServerListen contém o endereço de escuta do server.
type ServerListen struct {
	Listen string `yaml:"listen"` // default: ":8888"
}

// DataInfo contém o diretório raiz de persistência do chat.
type DataInfo struct {
	Dir string `yaml:"dir"` // default: "./data"
}

// TLSServer contém os caminhos dos certificados do server.
// TLS é opcional: clientes de chat conectam em plaintext quando desabilitado.
type TLSServer struct {
	Enabled    bool   `yaml:"enabled"`
	CACert     string `yaml:"ca_cert"` // opcional: quando presente, exige mTLS
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`        // vazio = stdout
	SessionDir string `yaml:"session_dir"` // vazio = sem logs por sessão
}

// TransferConfig configura limites de transferência de arquivos.
type TransferConfig struct {
	MaxRate     string `yaml:"max_rate"` // ex: "4mb" por segundo; "0" ou vazio = sem limite
	MaxRateRaw  int64  `yaml:"-"`
	MinDiskFree string `yaml:"min_disk_free"` // ex: "500mb" (default); uploads negados abaixo disso
	MinFreeRaw  int64  `yaml:"-"`
}

// Modos de compressão aceitos para snapshots de estado.
const (
	CompressionGzip = "gzip"
	CompressionZstd = "zst"
)

// MaintenanceConfig configura os jobs periódicos do server.
type MaintenanceConfig struct {
	FlushSchedule    string        `yaml:"flush_schedule"`    // cron spec (default: "@every 30s")
	ExpirySchedule   string        `yaml:"expiry_schedule"`   // cron spec (default: "@hourly")
	SnapshotSchedule string        `yaml:"snapshot_schedule"` // cron spec; vazio = snapshots desabilitados
	UploadTTL        time.Duration `yaml:"upload_ttl"`        // default: 168h
	SnapshotDir      string        `yaml:"snapshot_dir"`      // default: "<data.dir>/snapshots"
	CompressionMode  string        `yaml:"compression_mode"`  // gzip|zst (default: gzip)
}

// FileExtension retorna a extensão de arquivo para snapshots de estado.
func (m MaintenanceConfig) FileExtension() string {
	switch m.CompressionMode {
	case CompressionZstd:
		return ".tar.zst"
	default:
		return ".tar.gz"
	}
}

// StatsConfig configura o reporter periódico de métricas do host.
type StatsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"` // default: 60s
}

// OffsiteConfig configura a replicação de uploads completos para um bucket S3.
type OffsiteConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // opcional: S3-compatível (MinIO etc.)
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"` // prefixo de chave no bucket (default: "uploads/")
}

// LoadServerConfig lê e valida o arquivo YAML de configuração do server.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

// Default retorna uma configuração pronta para uso em desenvolvimento,
// sem TLS e com todos os defaults aplicados.
func Default() *ServerConfig {
	cfg := &ServerConfig{}
	// validate() nunca falha sobre o zero value
	_ = cfg.validate()
	return cfg
}

func (c *ServerConfig) validate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8888"
	}
	if c.Data.Dir == "" {
		c.Data.Dir = "./data"
	}

	if c.TLS.Enabled {
		if c.TLS.ServerCert == "" {
			return fmt.Errorf("tls.server_cert is required when tls is enabled")
		}
		if c.TLS.ServerKey == "" {
			return fmt.Errorf("tls.server_key is required when tls is enabled")
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// Transfer defaults
	if c.Transfer.MaxRate == "" {
		c.Transfer.MaxRate = "0"
	}
	rate, err := ParseByteSize(c.Transfer.MaxRate)
	if err != nil {
		return fmt.Errorf("transfer.max_rate: %w", err)
	}
	if rate < 0 {
		return fmt.Errorf("transfer.max_rate must be >= 0, got %s", c.Transfer.MaxRate)
	}
	c.Transfer.MaxRateRaw = rate

	if c.Transfer.MinDiskFree == "" {
		c.Transfer.MinDiskFree = "500mb"
	}
	free, err := ParseByteSize(c.Transfer.MinDiskFree)
	if err != nil {
		return fmt.Errorf("transfer.min_disk_free: %w", err)
	}
	c.Transfer.MinFreeRaw = free

	// Maintenance defaults
	if c.Maintenance.FlushSchedule == "" {
		c.Maintenance.FlushSchedule = "@every 30s"
	}
	if c.Maintenance.ExpirySchedule == "" {
		c.Maintenance.ExpirySchedule = "@hourly"
	}
	if c.Maintenance.UploadTTL <= 0 {
		c.Maintenance.UploadTTL = 168 * time.Hour
	}
	if c.Maintenance.SnapshotDir == "" {
		c.Maintenance.SnapshotDir = c.Data.Dir + "/snapshots"
	}
	if c.Maintenance.CompressionMode == "" {
		c.Maintenance.CompressionMode = CompressionGzip
	}
	c.Maintenance.CompressionMode = strings.ToLower(strings.TrimSpace(c.Maintenance.CompressionMode))
	if c.Maintenance.CompressionMode != CompressionGzip && c.Maintenance.CompressionMode != CompressionZstd {
		return fmt.Errorf("maintenance.compression_mode must be gzip or zst, got %q", c.Maintenance.CompressionMode)
	}

	// Stats defaults
	if c.Stats.Enabled && c.Stats.Interval <= 0 {
		c.Stats.Interval = 60 * time.Second
	}

	// Offsite: campos obrigatórios só quando habilitado
	if c.Offsite.Enabled {
		if c.Offsite.Bucket == "" {
			return fmt.Errorf("offsite.bucket is required when offsite is enabled")
		}
		if c.Offsite.Region == "" {
			c.Offsite.Region = "us-east-1"
		}
		if c.Offsite.Prefix == "" {
			c.Offsite.Prefix = "uploads/"
		}
	}

	return nil
}
