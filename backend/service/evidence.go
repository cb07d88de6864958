package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/AnTengye/securetrack/backend/metrics"
	"github.com/AnTengye/securetrack/backend/model"
	"github.com/AnTengye/securetrack/backend/pkg/logger"
	"github.com/AnTengye/securetrack/backend/store"
	"github.com/google/uuid"
)

// ImageUpload is an incoming checkpoint image
type ImageUpload struct {
	Reader      io.Reader
	Size        int64
	ContentType string
	// ClaimedHash is the client's hex SHA-256, optional
	ClaimedHash string
}

// StagedImage is an uploaded object not yet referenced by any checkpoint
type StagedImage struct {
	Key  string
	Hash string
	Size int64
}

// EvidenceStore keeps checkpoint evidence: append-only rows in the store
// plus image objects in the ImageStore.
type EvidenceStore struct {
	store    store.Store
	images   ImageStore
	maxBytes int64
}

func NewEvidenceStore(s store.Store, images ImageStore, maxBytes int64) *EvidenceStore {
	return &EvidenceStore{store: s, images: images, maxBytes: maxBytes}
}

// objectKey lays images out as evidence/{task}/{type}/{uuid}.{ext}
func objectKey(taskID string, eventType model.EventType, contentType string) string {
	ext := ""
	switch contentType {
	case "image/jpeg":
		ext = ".jpg"
	case "image/png":
		ext = ".png"
	case "image/webp":
		ext = ".webp"
	case "image/heic":
		ext = ".heic"
	}
	return fmt.Sprintf("evidence/%s/%s/%s%s", taskID, eventType, uuid.New().String(), ext)
}

// countingReader counts bytes and fails once limit is exceeded
type countingReader struct {
	r     io.Reader
	n     int64
	limit int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.limit > 0 && c.n > c.limit {
		return n, fmt.Errorf("%w: image exceeds %d bytes", ErrValidation, c.limit)
	}
	return n, err
}

// StageImage streams the image to object storage while hashing it. The
// returned hash is computed from the bytes actually stored.
func (e *EvidenceStore) StageImage(ctx context.Context, taskID string, eventType model.EventType, img ImageUpload) (*StagedImage, error) {
	if img.Reader == nil {
		return nil, validationf("image is required")
	}
	if !strings.HasPrefix(img.ContentType, "image/") {
		return nil, validationf("image content type %q is not an image", img.ContentType)
	}
	if e.maxBytes > 0 && img.Size > e.maxBytes {
		return nil, validationf("image exceeds %d bytes", e.maxBytes)
	}
	claimed := strings.ToLower(strings.TrimSpace(img.ClaimedHash))
	if claimed != "" && !isHexSHA256(claimed) {
		return nil, validationf("image_hash must be 64 hex characters")
	}

	key := objectKey(taskID, eventType, img.ContentType)
	hasher := sha256.New()
	body := &countingReader{r: io.TeeReader(img.Reader, hasher), limit: e.maxBytes}

	if err := e.images.UploadFile(ctx, key, body, img.Size, img.ContentType); err != nil {
		e.Discard(ctx, key)
		if body.limit > 0 && body.n > body.limit {
			return nil, validationf("image exceeds %d bytes", e.maxBytes)
		}
		return nil, err
	}
	if body.n == 0 {
		e.Discard(ctx, key)
		return nil, validationf("image is empty")
	}

	staged := &StagedImage{Key: key, Hash: hex.EncodeToString(hasher.Sum(nil)), Size: body.n}
	if claimed != "" && claimed != staged.Hash {
		e.Discard(ctx, key)
		return nil, validationf("image_hash does not match uploaded image")
	}

	metrics.EvidenceUploadBytes.Observe(float64(staged.Size))
	return staged, nil
}

// RecordCheckpoint appends event inside tx. There is no update or delete.
func (e *EvidenceStore) RecordCheckpoint(ctx context.Context, tx store.Tx, event *model.CheckpointEvent) error {
	if err := tx.InsertEvent(ctx, event); err != nil {
		return fromStore(err, fmt.Sprintf("%s for task %s", event.EventType, event.TaskID))
	}
	return nil
}

// ListCheckpoints returns the task's events PICKUP < TRANSIT < FINAL, each
// with a presigned image URL
func (e *EvidenceStore) ListCheckpoints(ctx context.Context, taskID string) ([]*model.CheckpointEvent, error) {
	events, err := e.store.ListEvents(ctx, taskID)
	if err != nil {
		return nil, fromStore(err, "task "+taskID)
	}
	model.SortByCheckpoint(events)

	for _, ev := range events {
		url, err := e.images.GetPresignedURL(ctx, ev.ImageKey)
		if err != nil {
			logger.Warn(ctx, "failed to presign evidence image", "event_id", ev.ID, "error", err)
			continue
		}
		ev.ImageURL = url
	}
	return events, nil
}

// Discard removes a staged object whose checkpoint was not recorded
func (e *EvidenceStore) Discard(ctx context.Context, key string) {
	if err := e.images.DeleteFile(context.WithoutCancel(ctx), key); err != nil {
		logger.Warn(ctx, "failed to discard staged image", "key", key, "error", err)
	}
}

func isHexSHA256(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
