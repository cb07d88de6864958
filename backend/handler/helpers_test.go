package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/AnTengye/securetrack/backend/config"
	"github.com/AnTengye/securetrack/backend/model"
	"github.com/AnTengye/securetrack/backend/service"
	"github.com/AnTengye/securetrack/backend/store"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memImages struct {
	mu      sync.Mutex
	objects map[string][]byte
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
	return "https://images.test/" + objectName, nil
}

func (m *memImages) DeleteFile(ctx context.Context, objectName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, objectName)
	return nil
}

type failingPinger struct{}

func (failingPinger) Ping(ctx context.Context) error { return errors.New("connection refused") }

type testServer struct {
	cfg    *config.Config
	store  *store.MemoryStore
	images *memImages
	svc    *Services
	router *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{
		Auth:      config.AuthConfig{JWTSecret: "test-secret", TokenExpireHours: 1},
		Lifecycle: config.LifecycleConfig{StartGraceMinutes: 5, MaxImageMB: 1},
		RateLimit: config.RateLimitConfig{Requests: 10000, WindowSeconds: 60},
	}

	s := store.NewMemoryStore()
	images := &memImages{objects: make(map[string][]byte)}
	audit := service.NewAuditTrail(s, nil)
	registry := service.NewTaskRegistry(s, audit, nil, cfg.Lifecycle.StartGrace())
	evidence := service.NewEvidenceStore(s, images, cfg.Lifecycle.MaxImageBytes())
	svc := &Services{
		Registry: registry,
		Engine:   service.NewEngine(s, registry, evidence, audit, nil),
		Evidence: evidence,
		Audit:    audit,
		Auth:     service.NewAuthService(s, audit, nil),
		Health:   map[string]Pinger{"store": s},
	}

	return &testServer{cfg: cfg, store: s, images: images, svc: svc, router: NewRouter(cfg, svc)}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) user(t *testing.T, name, phone string, role model.UserRole) *model.User {
	t.Helper()
	u, err := ts.svc.Auth.CreateUser(context.Background(), service.Actor{}, service.NewUser{Name: name, Phone: phone, Role: string(role)})
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	return u
}

// login returns a bearer token for phone on deviceID
func (ts *testServer) login(t *testing.T, phone, deviceID string) string {
	t.Helper()
	w := ts.do(jsonRequest("POST", "/auth/login", "", map[string]string{"phone": phone, "device_id": deviceID}))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected login status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse login response: %v", err)
	}
	return resp.AccessToken
}

// openTask creates a task whose window is open now
func (ts *testServer) openTask(t *testing.T, code, userID string) *model.Task {
	t.Helper()
	now := time.Now()
	task, err := ts.svc.Registry.CreateTask(context.Background(), service.Actor{UserID: "admin"}, service.TaskSpec{
		SealedPackCode:      code,
		SourceLocation:      "Vault A",
		DestinationLocation: "Branch 7",
		AssignedUserID:      userID,
		StartTime:           now.Add(-time.Minute),
		EndTime:             now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
	return task
}

func (ts *testServer) auditActions(t *testing.T) []string {
	t.Helper()
	entries, err := ts.store.ListAudit(context.Background(), 10000, 0)
	if err != nil {
		t.Fatalf("Failed to list audit: %v", err)
	}
	actions := make([]string, len(entries))
	for i, e := range entries {
		actions[len(entries)-1-i] = e.Action
	}
	return actions
}

func jsonRequest(method, path, token string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

// checkpointForm builds a multipart checkpoint submission. An empty image
// omits the file part.
func checkpointForm(t *testing.T, fields map[string]string, image []byte, contentType string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("Failed to write field: %v", err)
		}
	}
	if image != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="image"; filename="photo.jpg"`)
		if contentType != "" {
			h.Set("Content-Type", contentType)
		}
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("Failed to create part: %v", err)
		}
		if _, err := part.Write(image); err != nil {
			t.Fatalf("Failed to write image: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Failed to close form: %v", err)
	}
	return &body, mw.FormDataContentType()
}

func submitRequest(t *testing.T, taskID, token, deviceID string, fields map[string]string, image []byte) *http.Request {
	t.Helper()
	body, contentType := checkpointForm(t, fields, image, "image/jpeg")
	req := httptest.NewRequest("POST", "/tasks/"+taskID+"/events", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	if deviceID != "" {
		req.Header.Set("X-Device-ID", deviceID)
	}
	return req
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse error body %q: %v", w.Body.String(), err)
	}
	return body.Code
}
