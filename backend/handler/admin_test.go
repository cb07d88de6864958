package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/AnTengye/securetrack/backend/model"
)

// adminSession returns a server plus an admin token and a courier
func adminSession(t *testing.T) (*testServer, string, *model.User) {
	t.Helper()
	ts := newTestServer(t)
	ts.user(t, "Admin", "+1", model.RoleAdmin)
	courier := ts.user(t, "Courier", "+100", model.RoleDelivery)
	return ts, ts.login(t, "+1", "console"), courier
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	ts, _, _ := adminSession(t)
	courierToken := ts.login(t, "+100", "device-a")

	w := ts.do(jsonRequest("GET", "/admin/tasks", courierToken, nil))
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", w.Code)
	}

	w = ts.do(jsonRequest("GET", "/admin/tasks", "", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestAdminCreateTask(t *testing.T) {
	ts, token, courier := adminSession(t)
	start := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	tests := []struct {
		name           string
		body           map[string]any
		expectedStatus int
		expectedCode   string
	}{
		{
			name: "valid",
			body: map[string]any{
				"sealed_pack_code":     "PK-1",
				"source_location":      "Vault A",
				"destination_location": "Branch 7",
				"assigned_user_id":     courier.ID,
				"start_time":           start,
				"end_time":             start.Add(2 * time.Hour),
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name: "duplicate active pack code",
			body: map[string]any{
				"sealed_pack_code":     "PK-1",
				"source_location":      "Vault A",
				"destination_location": "Branch 7",
				"assigned_user_id":     courier.ID,
				"start_time":           start,
				"end_time":             start.Add(2 * time.Hour),
			},
			expectedStatus: http.StatusConflict,
			expectedCode:   "CONFLICT",
		},
		{
			name: "end before start",
			body: map[string]any{
				"sealed_pack_code":     "PK-2",
				"source_location":      "Vault A",
				"destination_location": "Branch 7",
				"assigned_user_id":     courier.ID,
				"start_time":           start,
				"end_time":             start.Add(-time.Hour),
			},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "VALIDATION_ERROR",
		},
		{
			name: "unknown assignee",
			body: map[string]any{
				"sealed_pack_code":     "PK-3",
				"source_location":      "Vault A",
				"destination_location": "Branch 7",
				"assigned_user_id":     "nobody",
				"start_time":           start,
				"end_time":             start.Add(time.Hour),
			},
			expectedStatus: http.StatusNotFound,
			expectedCode:   "NOT_FOUND",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(jsonRequest("POST", "/admin/tasks", token, tt.body))
			if w.Code != tt.expectedStatus {
				t.Fatalf("Expected status %d, got %d: %s", tt.expectedStatus, w.Code, w.Body.String())
			}
			if tt.expectedCode != "" {
				if code := errorCode(t, w); code != tt.expectedCode {
					t.Errorf("Expected code %s, got %s", tt.expectedCode, code)
				}
				return
			}

			var task model.Task
			if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
				t.Fatalf("Failed to parse response: %v", err)
			}
			if task.Status != model.StatusPending {
				t.Errorf("Expected status PENDING, got %s", task.Status)
			}
			if task.ID == "" {
				t.Error("Expected task id")
			}
		})
	}
}

func TestAdminGetTask(t *testing.T) {
	ts, token, courier := adminSession(t)
	task := ts.openTask(t, "PK-1", courier.ID)

	courierToken := ts.login(t, "+100", "device-a")
	fields := map[string]string{"event_type": "PICKUP", "latitude": "52.5", "longitude": "13.4"}
	if w := ts.do(submitRequest(t, task.ID, courierToken, "device-a", fields, []byte("pickup-photo"))); w.Code != http.StatusCreated {
		t.Fatalf("Expected submit status 201, got %d: %s", w.Code, w.Body.String())
	}

	w := ts.do(jsonRequest("GET", "/admin/tasks/"+task.ID, token, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var got model.Task
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if got.Status != model.StatusInProgress {
		t.Errorf("Expected status IN_PROGRESS, got %s", got.Status)
	}
	if got.AssignedUser == nil || got.AssignedUser.ID != courier.ID {
		t.Errorf("Expected assigned user %s, got %+v", courier.ID, got.AssignedUser)
	}
	if len(got.Events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(got.Events))
	}
	if got.Events[0].ImageURL == "" {
		t.Error("Expected presigned image url")
	}

	w = ts.do(jsonRequest("GET", "/admin/tasks/missing", token, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestAdminListTasksFilter(t *testing.T) {
	ts, token, courier := adminSession(t)
	ts.openTask(t, "PK-1", courier.ID)
	ts.openTask(t, "PK-2", courier.ID)

	tests := []struct {
		query          string
		expectedStatus int
		expectedCount  int
	}{
		{"", http.StatusOK, 2},
		{"?status=pending", http.StatusOK, 2},
		{"?status=COMPLETED", http.StatusOK, 0},
		{"?status=LOST", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := ts.do(jsonRequest("GET", "/admin/tasks"+tt.query, token, nil))
			if w.Code != tt.expectedStatus {
				t.Fatalf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if w.Code != http.StatusOK {
				return
			}
			var tasks []model.Task
			if err := json.Unmarshal(w.Body.Bytes(), &tasks); err != nil {
				t.Fatalf("Failed to parse response: %v", err)
			}
			if len(tasks) != tt.expectedCount {
				t.Errorf("Expected %d tasks, got %d", tt.expectedCount, len(tasks))
			}
			for _, task := range tasks {
				if task.AssignedUser == nil || task.AssignedUser.Name != courier.Name {
					t.Errorf("Expected assigned_user %q on task %s, got %+v", courier.Name, task.ID, task.AssignedUser)
				}
			}
		})
	}
}

func TestAdminListAuditLogs(t *testing.T) {
	ts, token, courier := adminSession(t)
	for i := 0; i < 3; i++ {
		ts.openTask(t, fmt.Sprintf("PK-%d", i), courier.ID)
	}

	w := ts.do(jsonRequest("GET", "/admin/audit-logs?limit=2", token, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var entries []model.AuditLog
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Action != model.ActionTaskCreated {
			t.Errorf("Expected newest entries to be TASK_CREATED, got %s", e.Action)
		}
	}

	for _, query := range []string{"?limit=abc", "?offset=-1"} {
		w := ts.do(jsonRequest("GET", "/admin/audit-logs"+query, token, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400 for %s, got %d", query, w.Code)
		}
	}
}

func TestAdminUsersAndStats(t *testing.T) {
	ts, token, courier := adminSession(t)
	ts.openTask(t, "PK-1", courier.ID)

	w := ts.do(jsonRequest("POST", "/admin/users", token, map[string]string{"name": "New", "phone": "+200", "role": "DELIVERY"}))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	w = ts.do(jsonRequest("POST", "/admin/users", token, map[string]string{"name": "Again", "phone": "+200", "role": "DELIVERY"}))
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for duplicate phone, got %d", w.Code)
	}

	w = ts.do(jsonRequest("GET", "/admin/users", token, nil))
	var users []model.User
	if err := json.Unmarshal(w.Body.Bytes(), &users); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(users) != 3 {
		t.Errorf("Expected 3 users, got %d", len(users))
	}

	w = ts.do(jsonRequest("GET", "/admin/stats", token, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var stats map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if stats["PENDING"] != 1 {
		t.Errorf("Expected 1 PENDING task, got %d", stats["PENDING"])
	}
}

func TestAdminRejectedMutationsAreAudited(t *testing.T) {
	ts, token, courier := adminSession(t)
	start := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	tests := []struct {
		name           string
		path           string
		body           any
		expectedStatus int
		expectedAction string
	}{
		{
			name: "task with unparseable start_time",
			path: "/admin/tasks",
			body: map[string]any{
				"sealed_pack_code":     "PK-1",
				"source_location":      "Vault A",
				"destination_location": "Branch 7",
				"assigned_user_id":     courier.ID,
				"start_time":           "tomorrow",
				"end_time":             start,
			},
			expectedStatus: http.StatusBadRequest,
			expectedAction: model.ActionTaskCreateRejected,
		},
		{
			name:           "task with missing fields",
			path:           "/admin/tasks",
			body:           map[string]any{"sealed_pack_code": "PK-2"},
			expectedStatus: http.StatusBadRequest,
			expectedAction: model.ActionTaskCreateRejected,
		},
		{
			name:           "user with duplicate phone",
			path:           "/admin/users",
			body:           map[string]string{"name": "Again", "phone": "+100", "role": "DELIVERY"},
			expectedStatus: http.StatusConflict,
			expectedAction: model.ActionUserCreateRejected,
		},
		{
			name:           "user with bad role",
			path:           "/admin/users",
			body:           map[string]string{"name": "New", "phone": "+300", "role": "DRIVER"},
			expectedStatus: http.StatusBadRequest,
			expectedAction: model.ActionUserCreateRejected,
		},
		{
			name:           "user with malformed body",
			path:           "/admin/users",
			body:           []string{"not", "an", "object"},
			expectedStatus: http.StatusBadRequest,
			expectedAction: model.ActionUserCreateRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(ts.auditActions(t))

			w := ts.do(jsonRequest("POST", tt.path, token, tt.body))
			if w.Code != tt.expectedStatus {
				t.Fatalf("Expected status %d, got %d: %s", tt.expectedStatus, w.Code, w.Body.String())
			}

			actions := ts.auditActions(t)
			if len(actions) != before+1 {
				t.Fatalf("Expected exactly one new audit entry, got %d", len(actions)-before)
			}
			if last := actions[len(actions)-1]; last != tt.expectedAction {
				t.Errorf("Expected action %s, got %s", tt.expectedAction, last)
			}
		})
	}
}
