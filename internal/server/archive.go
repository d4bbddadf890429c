// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"github.com/dpipstudio/botwave/internal/config"
)

const archiveSuffix = ".zst"

// Archive espelha a biblioteca de WAV do server em um bucket S3 (ou
// compatível). Objetos sobem comprimidos com zstd.
type Archive struct {
	client *s3.Client
	bucket string
	prefix string
	dir    string
	logger *slog.Logger
}

// NewArchive monta o client S3 a partir da config. Credenciais vazias caem
// na credential chain padrão do SDK.
func NewArchive(cfg config.ArchiveConfig, uploadDir string, logger *slog.Logger) (*Archive, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		dir:    uploadDir,
		logger: logger.With("component", "archive"),
	}, nil
}

// Push envia todos os WAVs da biblioteca para o bucket.
func (a *Archive) Push(ctx context.Context) {
	wavs, err := listWAVs(a.dir)
	if err != nil {
		a.logger.Error("reading library", "dir", a.dir, "error", err)
		return
	}
	if len(wavs) == 0 {
		a.logger.Warn("library is empty, nothing to push", "dir", a.dir)
		return
	}

	a.logger.Info(fmt.Sprintf("pushing %d file(s) to s3://%s/%s", len(wavs), a.bucket, a.prefix))
	ok := 0
	for i, name := range wavs {
		a.logger.Info(fmt.Sprintf("[%d/%d] pushing %s", i+1, len(wavs), name))
		if err := a.pushFile(ctx, name); err != nil {
			a.logger.Error("pushing file", "file", name, "error", err)
			continue
		}
		ok++
	}
	a.logger.Info(fmt.Sprintf("archive push completed: %d/%d files", ok, len(wavs)))
}

func (a *Archive) pushFile(ctx context.Context, name string) error {
	src, err := os.Open(filepath.Join(a.dir, name))
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	defer src.Close()

	// S3 PutObject precisa de tamanho conhecido; comprime para um staging
	// local antes de subir.
	tmp, err := os.CreateTemp("", "botwave_archive_*"+archiveSuffix)
	if err != nil {
		return fmt.Errorf("creating staging file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	if _, err := enc.ReadFrom(src); err != nil {
		enc.Close()
		return fmt.Errorf("compressing %s: %w", name, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flushing zstd stream: %w", err)
	}

	info, err := tmp.Stat()
	if err != nil {
		return fmt.Errorf("staging %s: %w", name, err)
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return fmt.Errorf("rewinding staging file: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.prefix + name + archiveSuffix),
		Body:          tmp,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	return nil
}

// Pull restaura a biblioteca a partir do bucket. Arquivos existentes são
// sobrescritos via escrita temporária e rename.
func (a *Archive) Pull(ctx context.Context) {
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			a.logger.Error("listing bucket", "bucket", a.bucket, "error", err)
			return
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, archiveSuffix) {
				keys = append(keys, key)
			}
		}
	}

	if len(keys) == 0 {
		a.logger.Warn("no archived files found", "bucket", a.bucket, "prefix", a.prefix)
		return
	}

	a.logger.Info(fmt.Sprintf("pulling %d file(s) from s3://%s/%s", len(keys), a.bucket, a.prefix))
	ok := 0
	for i, key := range keys {
		name := strings.TrimSuffix(strings.TrimPrefix(key, a.prefix), archiveSuffix)
		a.logger.Info(fmt.Sprintf("[%d/%d] pulling %s", i+1, len(keys), name))
		if err := a.pullFile(ctx, key, name); err != nil {
			a.logger.Error("pulling file", "file", name, "error", err)
			continue
		}
		ok++
	}
	a.logger.Info(fmt.Sprintf("archive pull completed: %d/%d files", ok, len(keys)))
}

func (a *Archive) pullFile(ctx context.Context, key, name string) error {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("downloading %s: %w", key, err)
	}
	defer out.Body.Close()

	dec, err := zstd.NewReader(out.Body)
	if err != nil {
		return fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	finalPath := filepath.Join(a.dir, name)
	tmpPath := finalPath + ".part"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmpPath, err)
	}

	if _, err := dec.WriteTo(dst); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("decompressing %s: %w", key, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming %s: %w", tmpPath, err)
	}
	return nil
}
