// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/n-chat/internal/config"
	"github.com/nishisan-dev/n-chat/internal/state"
	"github.com/nishisan-dev/n-chat/internal/store"
)

// Replicator copia blobs de uploads completos para um bucket S3 (ou serviço
// compatível). A replicação é best-effort e assíncrona: falhas viram log,
// nunca bloqueiam o fluxo do chat.
type Replicator struct {
	client *s3.Client
	bucket string
	prefix string
	store  *store.Store
	logger *slog.Logger
}

// NewReplicator constrói o cliente S3 conforme a configuração de offsite.
// Credenciais explícitas no YAML têm precedência; ausentes, vale a cadeia
// default do SDK (env vars, profile, IAM role).
func NewReplicator(ctx context.Context, cfg config.OffsiteConfig, ds *store.Store, logger *slog.Logger) (*Replicator, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &Replicator{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		store:  ds,
		logger: logger.With("component", "offsite"),
	}, nil
}

// Replicate envia o blob de um upload completo para o bucket, sob a chave
// <prefix><fid>. Pensado para rodar em goroutine própria após o término
// do upload.
func (r *Replicator) Replicate(meta *state.FileMeta) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	f, err := os.Open(r.store.UploadPath(meta.ID))
	if err != nil {
		r.logger.Error("opening blob for replication", "fid", meta.ID, "error", err)
		return
	}
	defer f.Close()

	key := r.prefix + meta.ID
	start := time.Now()
	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(meta.Filesize),
	})
	if err != nil {
		r.logger.Error("replicating upload", "fid", meta.ID, "bucket", r.bucket, "error", err)
		return
	}

	r.logger.Info("upload replicated", "fid", meta.ID, "key", key,
		"bytes", meta.Filesize, "duration", time.Since(start))
}
