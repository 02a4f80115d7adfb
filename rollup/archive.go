package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"cloud.google.com/go/storage"
)

// GCSArchiver writes each snapshot to
// gs://<bucket>/analytics/<name>/<date>.json, keeping one object per day.
type GCSArchiver struct {
	bucket *storage.BucketHandle
}

func NewGCSArchiver(client *storage.Client, bucket string) *GCSArchiver {
	return &GCSArchiver{
		bucket: client.Bucket(bucket),
	}
}

func ObjectName(name, dateKey string) string {
	return path.Join("analytics", name, dateKey+".json")
}

func (a *GCSArchiver) Archive(ctx context.Context, name, dateKey string, snapshot interface{}) error {
	w := a.bucket.Object(ObjectName(name, dateKey)).NewWriter(ctx)
	w.ContentType = "application/json"

	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		w.Close()
		return fmt.Errorf("while encoding snapshot %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("while uploading snapshot %s: %w", name, err)
	}
	return nil
}
