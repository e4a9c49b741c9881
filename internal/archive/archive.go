// Package archive uploads document snapshots to S3-compatible object
// storage when a room drains. Uploads run off the session path; a failure
// is logged and never affects collaboration.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"drawbridge/api/internal/store"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type DocumentGetter interface {
	GetDocument(ctx context.Context, id string) (store.Document, error)
}

type Archiver struct {
	client *minio.Client
	bucket string
	store  DocumentGetter
	logger zerolog.Logger
}

// New builds the MinIO client and creates the bucket when it is missing.
func New(ctx context.Context, cfg Config, st DocumentGetter, logger zerolog.Logger) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Archiver{client: client, bucket: cfg.Bucket, store: st, logger: logger}, nil
}

type snapshot struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"projectId"`
	Data       json.RawMessage `json:"data"`
	Version    int64           `json:"version"`
	ArchivedAt time.Time       `json:"archivedAt"`
}

// OnRoomDrain is the hook the session manager calls after the last member
// leaves a document's room. The upload runs asynchronously.
func (a *Archiver) OnRoomDrain(documentID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Upload(ctx, documentID); err != nil {
			a.logger.Warn().Err(err).Str("document_id", documentID).Msg("snapshot archive failed")
		}
	}()
}

// Upload writes the document's current state to
// snapshots/<documentID>/v<version>.json.
func (a *Archiver) Upload(ctx context.Context, documentID string) error {
	doc, err := a.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(snapshot{
		ID:         doc.ID,
		ProjectID:  doc.ProjectID,
		Data:       doc.Data,
		Version:    doc.Version,
		ArchivedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	key := fmt.Sprintf("snapshots/%s/v%d.json", doc.ID, doc.Version)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", key, err)
	}
	a.logger.Debug().Str("document_id", doc.ID).Int64("version", doc.Version).Msg("snapshot archived")
	return nil
}
