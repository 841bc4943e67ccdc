// Package archive stores escalation reports for later review.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"safety-timer/internal/config"
	"safety-timer/internal/models"
)

// sink is where report bytes end up.
type sink interface {
	put(ctx context.Context, key string, r models.EscalationResult, body []byte) (string, error)
}

// Archiver writes one JSON report per escalated timer.
type Archiver struct {
	dst sink
}

// New picks S3 when a bucket is configured, a local directory when one is
// set, and returns nil when archiving is disabled.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := bucketClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{dst: &bucketSink{client: client, bucket: cfg.ArchiveS3Bucket}}, nil
	}
	if cfg.ArchiveDir != "" {
		return NewLocal(cfg.ArchiveDir), nil
	}
	return nil, nil
}

// NewLocal archives under baseDir.
func NewLocal(baseDir string) *Archiver {
	return &Archiver{dst: &dirSink{root: baseDir}}
}

func bucketClient(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Save stores the report at escalations/<timer id>.json and returns where it went.
func (a *Archiver) Save(ctx context.Context, r models.EscalationResult) (string, error) {
	if a == nil || a.dst == nil {
		return "", errors.New("archive disabled")
	}
	if r.TimerID == "" {
		return "", errors.New("report has no timer id")
	}
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	return a.dst.put(ctx, reportKey(r.TimerID), r, body)
}

func reportKey(timerID string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(timerID)
	return "escalations/" + safe + ".json"
}

// dirSink writes reports below root, replacing any earlier report atomically.
type dirSink struct {
	root string
}

func (d *dirSink) put(_ context.Context, key string, _ models.EscalationResult, body []byte) (string, error) {
	dest := filepath.Join(d.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("archive dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".report-*")
	if err != nil {
		return "", fmt.Errorf("archive temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("archive write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("archive write: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("archive rename: %w", err)
	}
	return dest, nil
}

// bucketSink puts reports into an S3 bucket, tagging them with the timer and
// outcome so they can be filtered without downloading.
type bucketSink struct {
	client *s3.Client
	bucket string
}

func (b *bucketSink) put(ctx context.Context, key string, r models.EscalationResult, body []byte) (string, error) {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"timer-id": r.TimerID,
			"outcome":  string(r.Outcome),
		},
	}
	if _, err := b.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("archive put s3://%s/%s: %w", b.bucket, key, err)
	}
	return "s3://" + b.bucket + "/" + key, nil
}
