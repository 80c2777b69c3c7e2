package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgehook/forgehook/internal/errs"
	"github.com/forgehook/forgehook/internal/hook"
)

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and ensures its schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS hook_instances (
		instance_id          TEXT PRIMARY KEY,
		hook_id              TEXT NOT NULL UNIQUE,
		runtime              TEXT NOT NULL,
		status               TEXT NOT NULL,
		health_status        TEXT NOT NULL DEFAULT 'unknown',
		last_health_check_at TIMESTAMP,
		error                TEXT NOT NULL DEFAULT '',
		started_at           TIMESTAMP,
		stopped_at           TIMESTAMP,
		last_updated_at      TIMESTAMP,
		container_id         TEXT NOT NULL DEFAULT '',
		container_name       TEXT NOT NULL DEFAULT '',
		host_port            INTEGER NOT NULL DEFAULT 0,
		module_loaded        INTEGER NOT NULL DEFAULT 0,
		invocation_count     INTEGER NOT NULL DEFAULT 0,
		base_url             TEXT NOT NULL DEFAULT '',
		installed_version    TEXT NOT NULL DEFAULT '',
		previous_version     TEXT NOT NULL DEFAULT '',
		previous_image_tag   TEXT NOT NULL DEFAULT '',
		previous_module_code TEXT NOT NULL DEFAULT '',
		manifest             TEXT NOT NULL,
		config               TEXT NOT NULL DEFAULT '{}',
		environment          TEXT NOT NULL DEFAULT '{}',
		created_at           TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS hook_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id TEXT NOT NULL,
		type        TEXT NOT NULL,
		at          TIMESTAMP NOT NULL,
		data        TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_hook_events_instance ON hook_events(instance_id, at);

	CREATE TABLE IF NOT EXISTS hook_updates (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id  TEXT NOT NULL,
		from_version TEXT NOT NULL,
		to_version   TEXT NOT NULL,
		update_type  TEXT NOT NULL,
		success      INTEGER NOT NULL,
		error        TEXT NOT NULL DEFAULT '',
		at           TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_hook_updates_instance ON hook_updates(instance_id, at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create hook tables: %w", err)
	}
	return nil
}

// SaveInstance inserts or replaces the instance row.
func (s *SQLiteStore) SaveInstance(ctx context.Context, inst *hook.Instance) error {
	manifest, err := json.Marshal(inst.Manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	cfg, err := marshalMap(inst.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	env, err := json.Marshal(orEmptyEnv(inst.Environment))
	if err != nil {
		return fmt.Errorf("failed to marshal environment: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO hook_instances (
			instance_id, hook_id, runtime, status, health_status,
			last_health_check_at, error, started_at, stopped_at, last_updated_at,
			container_id, container_name, host_port,
			module_loaded, invocation_count, base_url,
			installed_version, previous_version, previous_image_tag, previous_module_code,
			manifest, config, environment, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.InstanceID, inst.HookID, string(inst.Runtime), string(inst.Status), string(inst.HealthStatus),
		nullTime(inst.LastHealthCheckAt), inst.Error, nullTime(inst.StartedAt), nullTime(inst.StoppedAt), nullTime(inst.LastUpdatedAt),
		inst.ContainerID, inst.ContainerName, inst.HostPort,
		inst.ModuleLoaded, inst.InvocationCount, inst.BaseURL,
		inst.InstalledVersion, inst.PreviousVersion, inst.PreviousImageTag, inst.PreviousModuleCode,
		string(manifest), string(cfg), string(env), inst.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save instance %s: %w", inst.InstanceID, err)
	}
	return nil
}

const instanceColumns = `
	instance_id, hook_id, runtime, status, health_status,
	last_health_check_at, error, started_at, stopped_at, last_updated_at,
	container_id, container_name, host_port,
	module_loaded, invocation_count, base_url,
	installed_version, previous_version, previous_image_tag, previous_module_code,
	manifest, config, environment, created_at`

// GetInstance fetches one instance by instance id.
func (s *SQLiteStore) GetInstance(ctx context.Context, instanceID string) (*hook.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM hook_instances WHERE instance_id = ?`, instanceID)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "instance %s not found", instanceID)
	}
	return inst, err
}

// GetInstanceByHookID fetches one instance by hook id.
func (s *SQLiteStore) GetInstanceByHookID(ctx context.Context, hookID string) (*hook.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM hook_instances WHERE hook_id = ?`, hookID)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.CodeNotFound, "hook %s not found", hookID)
	}
	return inst, err
}

// ListInstances returns every persisted instance ordered by creation time.
func (s *SQLiteStore) ListInstances(ctx context.Context) ([]*hook.Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM hook_instances ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var out []*hook.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// DeleteInstance removes the instance row.
func (s *SQLiteStore) DeleteInstance(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM hook_instances WHERE instance_id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", instanceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Newf(errs.CodeNotFound, "instance %s not found", instanceID)
	}
	return nil
}

// UsedPorts returns every nonzero host port on record.
func (s *SQLiteStore) UsedPorts(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT host_port FROM hook_instances WHERE host_port > 0`)
	if err != nil {
		return nil, fmt.Errorf("failed to query used ports: %w", err)
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// AppendEvent appends one lifecycle event row.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev hook.LifecycleEvent) error {
	data, err := marshalMap(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO hook_events (instance_id, type, at, data) VALUES (?, ?, ?, ?)`,
		ev.InstanceID, ev.Type, at, string(data))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// EventsByInstance returns recent events, newest first.
func (s *SQLiteStore) EventsByInstance(ctx context.Context, instanceID string, limit int) ([]hook.LifecycleEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, type, at, data FROM hook_events
		WHERE instance_id = ? ORDER BY id DESC LIMIT ?`, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []hook.LifecycleEvent
	for rows.Next() {
		var ev hook.LifecycleEvent
		var data string
		if err := rows.Scan(&ev.InstanceID, &ev.Type, &ev.At, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AppendUpdateRecord appends one update history row.
func (s *SQLiteStore) AppendUpdateRecord(ctx context.Context, rec hook.UpdateRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hook_updates (instance_id, from_version, to_version, update_type, success, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.InstanceID, rec.FromVersion, rec.ToVersion, string(rec.UpdateType), rec.Success, rec.Error, at)
	if err != nil {
		return fmt.Errorf("failed to append update record: %w", err)
	}
	return nil
}

// UpdateHistory returns the update history, newest first.
func (s *SQLiteStore) UpdateHistory(ctx context.Context, instanceID string) ([]hook.UpdateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, from_version, to_version, update_type, success, error, at
		FROM hook_updates WHERE instance_id = ? ORDER BY id DESC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query update history: %w", err)
	}
	defer rows.Close()

	var out []hook.UpdateRecord
	for rows.Next() {
		var rec hook.UpdateRecord
		var updateType string
		if err := rows.Scan(&rec.InstanceID, &rec.FromVersion, &rec.ToVersion,
			&updateType, &rec.Success, &rec.Error, &rec.At); err != nil {
			return nil, err
		}
		rec.UpdateType = hook.UpdateType(updateType)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*hook.Instance, error) {
	var (
		inst            hook.Instance
		runtime, status string
		health          string
		lastHealth      sql.NullTime
		startedAt       sql.NullTime
		stoppedAt       sql.NullTime
		lastUpdatedAt   sql.NullTime
		manifest        string
		cfg             string
		env             string
	)

	err := row.Scan(
		&inst.InstanceID, &inst.HookID, &runtime, &status, &health,
		&lastHealth, &inst.Error, &startedAt, &stoppedAt, &lastUpdatedAt,
		&inst.ContainerID, &inst.ContainerName, &inst.HostPort,
		&inst.ModuleLoaded, &inst.InvocationCount, &inst.BaseURL,
		&inst.InstalledVersion, &inst.PreviousVersion, &inst.PreviousImageTag, &inst.PreviousModuleCode,
		&manifest, &cfg, &env, &inst.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	inst.Runtime = hook.Runtime(runtime)
	inst.Status = hook.Status(status)
	inst.HealthStatus = hook.HealthStatus(health)
	inst.LastHealthCheckAt = timePtr(lastHealth)
	inst.StartedAt = timePtr(startedAt)
	inst.StoppedAt = timePtr(stoppedAt)
	inst.LastUpdatedAt = timePtr(lastUpdatedAt)

	if err := json.Unmarshal([]byte(manifest), &inst.Manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest for %s: %w", inst.InstanceID, err)
	}
	if err := json.Unmarshal([]byte(cfg), &inst.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config for %s: %w", inst.InstanceID, err)
	}
	if err := json.Unmarshal([]byte(env), &inst.Environment); err != nil {
		return nil, fmt.Errorf("failed to unmarshal environment for %s: %w", inst.InstanceID, err)
	}

	return &inst, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func orEmptyEnv(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
