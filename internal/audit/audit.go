// Package audit owns the recognition attempt trail: append-only rows
// for every biometric attempt plus asynchronous snapshot archival.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ams/internal/model"
)

// Store persists recognition audit rows.
type Store interface {
	AppendRecognition(ctx context.Context, entry model.RecognitionLog) (model.RecognitionLog, error)
	SetSnapshotURL(ctx context.Context, id, url string) error
	RecognitionLogsBySession(ctx context.Context, sessionID, entityID string, limit int) ([]model.RecognitionLog, error)
}

// SnapshotJob is the queue message asking the worker to archive the
// image behind an audit row. The image rides the queue base64-encoded
// so the API request can return without waiting on object storage.
type SnapshotJob struct {
	AuditID     string    `json:"audit_id"`
	EntityID    string    `json:"entity_id"`
	ImageBase64 string    `json:"image_base64"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// Encode serializes the job for the queue.
func (j SnapshotJob) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeSnapshotJob parses a queue message back into a job.
func DecodeSnapshotJob(data []byte) (SnapshotJob, error) {
	var j SnapshotJob
	if err := json.Unmarshal(data, &j); err != nil {
		return SnapshotJob{}, fmt.Errorf("decode snapshot job: %w", err)
	}
	if j.AuditID == "" {
		return SnapshotJob{}, fmt.Errorf("snapshot job missing audit id")
	}
	return j, nil
}

// Uploader stores an image and returns its public URL.
type Uploader interface {
	UploadBase64(ctx context.Context, imageBase64, publicID string) (string, error)
}

// Archiver is the worker side of snapshot handling: upload the image,
// stamp the audit row with the resulting URL.
type Archiver struct {
	store    Store
	uploader Uploader
}

func NewArchiver(store Store, uploader Uploader) *Archiver {
	return &Archiver{store: store, uploader: uploader}
}

// Archive processes one job. Upload failures are returned so the
// worker can decide whether to retry; the audit row stays without a
// snapshot URL until then.
func (a *Archiver) Archive(ctx context.Context, job SnapshotJob) error {
	url, err := a.uploader.UploadBase64(ctx, job.ImageBase64, "recognition/"+job.AuditID)
	if err != nil {
		return fmt.Errorf("upload snapshot for audit %s: %w", job.AuditID, err)
	}
	if err := a.store.SetSnapshotURL(ctx, job.AuditID, url); err != nil {
		return fmt.Errorf("stamp snapshot url for audit %s: %w", job.AuditID, err)
	}
	return nil
}
