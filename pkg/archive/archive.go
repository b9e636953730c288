// Package archive writes handled events to an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/openfroyo/flowplane/pkg/engine"
)

// Config configures the event archive.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint" validate:"required_if=Enabled true"`
	Bucket    string `yaml:"bucket" validate:"required_if=Enabled true"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"useSSL"`

	// Prefix is prepended to every object key.
	Prefix string `yaml:"prefix"`
}

type objectClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectArchiver stores one JSON object per event.
type ObjectArchiver struct {
	client objectClient
	cfg    Config
	logger zerolog.Logger
}

// New connects to the object store and makes sure the bucket exists.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*ObjectArchiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	a := newArchiver(client, cfg, logger)
	if err := a.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func newArchiver(client objectClient, cfg Config, logger zerolog.Logger) *ObjectArchiver {
	return &ObjectArchiver{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "archive").Str("bucket", cfg.Bucket).Logger(),
	}
}

// EnsureBucket creates the bucket when it is missing.
func (a *ObjectArchiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", a.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.cfg.Bucket, minio.MakeBucketOptions{Region: a.cfg.Region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", a.cfg.Bucket, err)
	}
	a.logger.Info().Msg("Created archive bucket")
	return nil
}

// Archive writes the event under Key.
func (a *ObjectArchiver) Archive(ctx context.Context, event engine.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	key := Key(a.cfg.Prefix, event)
	_, err = a.client.PutObject(ctx, a.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"event-type": event.Type(),
			"source":     event.Source(),
		},
	})
	if err != nil {
		return engine.NewTransientError("failed to archive event", err).
			WithOperation("archive").
			WithDetail("key", key)
	}
	a.logger.Debug().Str("key", key).Msg("Event archived")
	return nil
}

// Key returns {prefix}{pipelineId}/{yyyy}/{mm}/{dd}/{eventId}.json, using
// the event time in UTC. Events without a pipeline go under "_".
func Key(prefix string, event engine.Event) string {
	pipeline := event.PipelineID()
	if pipeline == "" {
		pipeline = "_"
	}
	return prefix + path.Join(pipeline, event.Time().UTC().Format("2006/01/02"), event.ID()+".json")
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
