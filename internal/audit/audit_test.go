package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"ams/internal/model"
)

type fakeStore struct {
	urls map[string]string
}

func (f *fakeStore) AppendRecognition(_ context.Context, entry model.RecognitionLog) (model.RecognitionLog, error) {
	return entry, nil
}

func (f *fakeStore) SetSnapshotURL(_ context.Context, id, url string) error {
	if f.urls == nil {
		f.urls = map[string]string{}
	}
	f.urls[id] = url
	return nil
}

func (f *fakeStore) RecognitionLogsBySession(context.Context, string, string, int) ([]model.RecognitionLog, error) {
	return nil, nil
}

type fakeUploader struct {
	publicIDs []string
	err       error
}

func (u *fakeUploader) UploadBase64(_ context.Context, _, publicID string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	u.publicIDs = append(u.publicIDs, publicID)
	return "https://cdn.example/" + publicID + ".jpg", nil
}

func TestSnapshotJobRoundTrip(t *testing.T) {
	job := SnapshotJob{
		AuditID:     "audit-1",
		EntityID:    "ORG1",
		ImageBase64: "aW1n",
		AttemptedAt: time.Date(2025, 3, 9, 9, 30, 0, 0, time.UTC),
	}
	data, err := job.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeSnapshotJob(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != job {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestDecodeSnapshotJobRejectsGarbage(t *testing.T) {
	if _, err := DecodeSnapshotJob([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if _, err := DecodeSnapshotJob([]byte(`{"entity_id":"ORG1"}`)); err == nil {
		t.Fatal("expected error for missing audit id")
	}
}

func TestArchiverStampsURL(t *testing.T) {
	store := &fakeStore{}
	uploader := &fakeUploader{}
	a := NewArchiver(store, uploader)

	err := a.Archive(context.Background(), SnapshotJob{AuditID: "audit-1", EntityID: "ORG1", ImageBase64: "aW1n"})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if got := store.urls["audit-1"]; got != "https://cdn.example/recognition/audit-1.jpg" {
		t.Fatalf("stamped url %q", got)
	}
	if len(uploader.publicIDs) != 1 || uploader.publicIDs[0] != "recognition/audit-1" {
		t.Fatalf("public ids %v", uploader.publicIDs)
	}
}

func TestArchiverUploadFailureLeavesRow(t *testing.T) {
	store := &fakeStore{}
	a := NewArchiver(store, &fakeUploader{err: errors.New("cdn down")})

	if err := a.Archive(context.Background(), SnapshotJob{AuditID: "audit-1"}); err == nil {
		t.Fatal("expected upload error")
	}
	if len(store.urls) != 0 {
		t.Fatalf("url stamped despite failure: %v", store.urls)
	}
}
