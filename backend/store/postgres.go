package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AnTengye/securetrack/backend/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the durable Store backed by a pgx connection pool
type PostgresStore struct {
	pgRW
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	slog.Info("database connection established", "max_conns", poolCfg.MaxConns)
	return &PostgresStore{pgRW: pgRW{q: pool}, pool: pool}, nil
}

// Migrate creates the schema if it does not exist yet
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgRW{q: tx})
	})
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ($1::text = '' OR status = $1::text) AND ($2::text = '' OR assigned_user_id = $2::text)
		ORDER BY created_at DESC, id DESC`
	rows, err := s.pool.Query(ctx, query, string(filter.Status), filter.AssignedUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) CountTasksByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int, len(model.AllStatuses))
	for _, st := range model.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[model.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]*model.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := []*model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) ListAudit(ctx context.Context, limit, offset int) ([]*model.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `SELECT seq, id, user_id, action, entity_type, entity_id, ip_address, created_at
		FROM audit_logs ORDER BY seq DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	entries := []*model.AuditLog{}
	for rows.Next() {
		var e model.AuditLog
		if err := rows.Scan(&e.Seq, &e.ID, &e.UserID, &e.Action, &e.EntityType, &e.EntityID, &e.IPAddress, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// pgRW implements Reader and the Tx writes over any querier
type pgRW struct {
	q querier
}

const (
	taskColumns  = `id, sealed_pack_code, source_location, destination_location, assigned_user_id, start_time, end_time, status, created_at`
	userColumns  = `id, name, phone, role, is_active, device_id, created_at`
	eventColumns = `id, task_id, event_type, image_key, image_hash, latitude, longitude, server_timestamp, created_at`
)

func scanTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	var status string
	err := row.Scan(&t.ID, &t.SealedPackCode, &t.SourceLocation, &t.DestinationLocation,
		&t.AssignedUserID, &t.StartTime, &t.EndTime, &status, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.Status = model.TaskStatus(status)
	return &t, nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Name, &u.Phone, &role, &u.IsActive, &u.DeviceID, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.Role = model.UserRole(role)
	return &u, nil
}

func (r *pgRW) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return scanTask(r.q.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

func (r *pgRW) ListEvents(ctx context.Context, taskID string) ([]*model.CheckpointEvent, error) {
	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check task: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := r.q.Query(ctx, `SELECT `+eventColumns+` FROM checkpoint_events WHERE task_id = $1`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*model.CheckpointEvent{}
	for rows.Next() {
		var e model.CheckpointEvent
		var eventType string
		if err := rows.Scan(&e.ID, &e.TaskID, &eventType, &e.ImageKey, &e.ImageHash,
			&e.Latitude, &e.Longitude, &e.ServerTimestamp, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.EventType = model.EventType(eventType)
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (r *pgRW) GetUser(ctx context.Context, id string) (*model.User, error) {
	return scanUser(r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *pgRW) GetUserByPhone(ctx context.Context, phone string) (*model.User, error) {
	return scanUser(r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE phone = $1`, phone))
}

func (r *pgRW) InsertUser(ctx context.Context, u *model.User) error {
	_, err := r.q.Exec(ctx, `INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Name, u.Phone, string(u.Role), u.IsActive, u.DeviceID, u.CreatedAt)
	return translate(err, "insert user")
}

func (r *pgRW) BindDevice(ctx context.Context, userID, deviceID string) error {
	tag, err := r.q.Exec(ctx, `UPDATE users SET device_id = $2 WHERE id = $1 AND device_id IS NULL`, userID, deviceID)
	if err != nil {
		return translate(err, "bind device")
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetUser(ctx, userID); err != nil {
			return err
		}
		return ErrDeviceAlreadyBound
	}
	return nil
}

func (r *pgRW) InsertTask(ctx context.Context, t *model.Task) error {
	_, err := r.q.Exec(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.SealedPackCode, t.SourceLocation, t.DestinationLocation, t.AssignedUserID,
		t.StartTime, t.EndTime, string(t.Status), t.CreatedAt)
	return translate(err, "insert task")
}

func (r *pgRW) CompareAndSetStatus(ctx context.Context, taskID string, from, to model.TaskStatus) error {
	tag, err := r.q.Exec(ctx, `UPDATE tasks SET status = $3 WHERE id = $1 AND status = $2`,
		taskID, string(from), string(to))
	if err != nil {
		return translate(err, "update task status")
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetTask(ctx, taskID); err != nil {
			return err
		}
		return ErrStaleStatus
	}
	return nil
}

func (r *pgRW) InsertEvent(ctx context.Context, e *model.CheckpointEvent) error {
	_, err := r.q.Exec(ctx, `INSERT INTO checkpoint_events (`+eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.TaskID, string(e.EventType), e.ImageKey, e.ImageHash,
		e.Latitude, e.Longitude, e.ServerTimestamp, e.CreatedAt)
	return translate(err, "insert event")
}

func (r *pgRW) AppendAudit(ctx context.Context, entry *model.AuditLog) error {
	err := r.q.QueryRow(ctx, `INSERT INTO audit_logs (id, user_id, action, entity_type, entity_id, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING seq`,
		entry.ID, entry.UserID, entry.Action, entry.EntityType, entry.EntityID, entry.IPAddress, entry.CreatedAt,
	).Scan(&entry.Seq)
	return translate(err, "append audit log")
}

// translate maps constraint violations onto store sentinels
func translate(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			switch pgErr.ConstraintName {
			case "tasks_active_pack_code_key":
				return ErrDuplicatePackCode
			case "checkpoint_events_task_type_key":
				return ErrDuplicateEvent
			case "users_phone_key":
				return ErrDuplicatePhone
			}
		case "23503": // foreign_key_violation
			return ErrNotFound
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
