package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/AnTengye/securetrack/backend/model"
	"github.com/AnTengye/securetrack/backend/store"
)

// memImages is an in-memory ImageStore
type memImages struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemImages() *memImages {
	return &memImages{objects: make(map[string][]byte)}
}

func (m *memImages) UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectName] = data
	return nil
}

func (m *memImages) GetPresignedURL(ctx context.Context, objectName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[objectName]; !ok {
		return "", errors.New("no such object")
	}
	return "https://images.test/" + objectName + "?sig=1", nil
}

func (m *memImages) DeleteFile(ctx context.Context, objectName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, objectName)
	return nil
}

func (m *memImages) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// testClock is a settable clock shared by all services under test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	store    *store.MemoryStore
	images   *memImages
	clock    *testClock
	audit    *AuditTrail
	registry *TaskRegistry
	evidence *EvidenceStore
	engine   *Engine
	auth     *AuthService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemoryStore(),
		images: newMemImages(),
		clock:  &testClock{now: at(9, 0)},
	}
	f.audit = NewAuditTrail(f.store, f.clock.Now)
	f.registry = NewTaskRegistry(f.store, f.audit, f.clock.Now, 5*time.Minute)
	f.evidence = NewEvidenceStore(f.store, f.images, 1<<20)
	f.engine = NewEngine(f.store, f.registry, f.evidence, f.audit, f.clock.Now)
	f.auth = NewAuthService(f.store, f.audit, f.clock.Now)
	return f
}

// at returns hh:mm on a fixed day
func at(hour, min int) time.Time {
	return time.Date(2025, 3, 14, hour, min, 0, 0, time.UTC)
}

func (f *fixture) courier(t *testing.T, phone string) *model.User {
	t.Helper()
	u, err := f.auth.CreateUser(context.Background(), Actor{}, NewUser{Name: "Courier " + phone, Phone: phone, Role: "DELIVERY"})
	if err != nil {
		t.Fatalf("Failed to create courier: %v", err)
	}
	return u
}

// windowTask creates a task with window [10:00, 14:00] assigned to userID
func (f *fixture) windowTask(t *testing.T, code, userID string) *model.Task {
	t.Helper()
	task, err := f.registry.CreateTask(context.Background(), Actor{UserID: "admin"}, TaskSpec{
		SealedPackCode:      code,
		SourceLocation:      "Vault A",
		DestinationLocation: "Branch 7",
		AssignedUserID:      userID,
		StartTime:           at(10, 0),
		EndTime:             at(14, 0),
	})
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
	return task
}

func imageOf(content string) ImageUpload {
	return ImageUpload{
		Reader:      bytes.NewReader([]byte(content)),
		Size:        int64(len(content)),
		ContentType: "image/jpeg",
	}
}

func sha256Hex(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// submitAt submits a checkpoint with the clock set to when
func (f *fixture) submitAt(when time.Time, task *model.Task, eventType model.EventType) (*SubmitResult, error) {
	f.clock.Set(when)
	return f.engine.Submit(context.Background(), Submission{
		Actor:     Actor{UserID: task.AssignedUserID, IPAddress: "10.0.0.1"},
		TaskID:    task.ID,
		EventType: string(eventType),
		Latitude:  52.52,
		Longitude: 13.405,
		Image:     imageOf(string(eventType) + "-photo"),
	})
}

func (f *fixture) status(t *testing.T, id string) model.TaskStatus {
	t.Helper()
	task, err := f.registry.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	return task.Status
}

// auditActions returns every audit action oldest-first
func (f *fixture) auditActions(t *testing.T) []string {
	t.Helper()
	entries, err := f.store.ListAudit(context.Background(), 10000, 0)
	if err != nil {
		t.Fatalf("Failed to list audit: %v", err)
	}
	actions := make([]string, len(entries))
	for i, e := range entries {
		actions[len(entries)-1-i] = e.Action
	}
	return actions
}
