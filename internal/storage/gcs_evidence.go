package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSEvidenceStore deletes captured evidence from a Cloud Storage bucket.
// Refs are either "gs://bucket/object" or an object name in the default bucket.
type GCSEvidenceStore struct {
	gcs    *storage.Client
	bucket string
}

// NewGCSEvidenceStore creates the storage client once at startup. With an
// empty credentialsJSON Application Default Credentials are used.
func NewGCSEvidenceStore(ctx context.Context, bucket, credentialsJSON string) (*GCSEvidenceStore, error) {
	var opts []option.ClientOption
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("evidence: storage client: %w", err)
	}
	return &GCSEvidenceStore{gcs: client, bucket: bucket}, nil
}

func (g *GCSEvidenceStore) Close() error {
	return g.gcs.Close()
}

func (g *GCSEvidenceStore) resolve(ref string) (bucket, object string, err error) {
	if rest, ok := strings.CutPrefix(ref, "gs://"); ok {
		bucket, object, found := strings.Cut(rest, "/")
		if !found || bucket == "" || object == "" {
			return "", "", fmt.Errorf("evidence: malformed ref %q", ref)
		}
		return bucket, object, nil
	}
	if g.bucket == "" {
		return "", "", fmt.Errorf("evidence: no default bucket for ref %q", ref)
	}
	return g.bucket, strings.TrimPrefix(ref, "/"), nil
}

// DeleteEvidence removes the object. An already-missing object is not an error.
func (g *GCSEvidenceStore) DeleteEvidence(ctx context.Context, ref string) error {
	bucket, object, err := g.resolve(ref)
	if err != nil {
		return err
	}
	err = g.gcs.Bucket(bucket).Object(object).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("evidence: delete %s/%s: %w", bucket, object, err)
	}
	return nil
}

// MemoryEvidenceStore records deletions; used when no bucket is configured.
type MemoryEvidenceStore struct {
	mu      sync.Mutex
	deleted []string
}

func NewMemoryEvidenceStore() *MemoryEvidenceStore {
	return &MemoryEvidenceStore{}
}

func (m *MemoryEvidenceStore) DeleteEvidence(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, ref)
	return nil
}

func (m *MemoryEvidenceStore) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}
