package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Mindburn-Labs/sentinel/pkg/canonicalize"
)

// ErrStoreNotConfigured is returned when export is invoked without a backing
// store (fail-closed).
var ErrStoreNotConfigured = errors.New("audit: store not configured")

// Snapshot is an exported, self-verifying view of the chain.
type Snapshot struct {
	GeneratedAt time.Time `json:"generated_at"`
	Head        Head      `json:"head"`
	EntryCount  int       `json:"entry_count"`
	Entries     []Entry   `json:"entries"`
}

// ObjectUploader stores a finished snapshot archive under a key. Satisfied
// by S3Uploader; tests inject a fake.
type ObjectUploader interface {
	Upload(ctx context.Context, key string, data []byte) (string, error)
}

// Exporter produces snapshot archives for offline verification and
// long-term retention.
type Exporter struct {
	store    Store
	uploader ObjectUploader
}

func NewExporter(store Store, uploader ObjectUploader) *Exporter {
	return &Exporter{store: store, uploader: uploader}
}

// Snapshot reads the full chain from the store.
func (e *Exporter) Snapshot(ctx context.Context) (*Snapshot, error) {
	if e.store == nil {
		return nil, ErrStoreNotConfigured
	}
	entries, err := e.store.Entries(ctx, 1, 0)
	if err != nil {
		return nil, err
	}
	head, err := e.store.Head(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		GeneratedAt: time.Now().UTC(),
		Head:        head,
		EntryCount:  len(entries),
		Entries:     entries,
	}, nil
}

// GeneratePack creates a zip of entries.json + manifest.json and returns the
// archive bytes and its SHA-256 checksum.
func (e *Exporter) GeneratePack(ctx context.Context) ([]byte, string, error) {
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return nil, "", err
	}

	entriesJSON, err := json.MarshalIndent(snap.Entries, "", "  ")
	if err != nil {
		return nil, "", err
	}
	manifest := map[string]interface{}{
		"generated_at": snap.GeneratedAt,
		"entry_count":  snap.EntryCount,
		"chain_head":   snap.Head,
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("entries.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(entriesJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	return zipBytes, canonicalize.HashBytes(zipBytes), nil
}

// Export generates a pack and, when an uploader is configured, pushes it to
// object storage keyed by generation time and head hash.
func (e *Exporter) Export(ctx context.Context) (string, error) {
	pack, checksum, err := e.GeneratePack(ctx)
	if err != nil {
		return "", err
	}
	if e.uploader == nil {
		return checksum, nil
	}
	head, err := e.store.Head(ctx)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("audit/%s-seq%d.zip", time.Now().UTC().Format("20060102T150405Z"), head.Seq)
	if _, err := e.uploader.Upload(ctx, key, pack); err != nil {
		return "", fmt.Errorf("audit: upload snapshot: %w", err)
	}
	return checksum, nil
}

// S3Uploader uploads snapshot archives to an S3 bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config holds S3 uploader settings. Endpoint supports MinIO/LocalStack.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("audit: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Uploader{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, key string, data []byte) (string, error) {
	fullKey := u.prefix + key
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed: %w", err)
	}
	return fullKey, nil
}
