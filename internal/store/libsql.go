package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/agentflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/agentflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// journal_mode answers with a row, so every pragma goes through QueryRow.
	for _, pragma := range [...]string{"journal_mode=WAL", "synchronous=NORMAL", "busy_timeout=5000", "temp_store=MEMORY"} {
		var ignored string
		_ = db.QueryRow("PRAGMA " + pragma).Scan(&ignored)
	}

	return &LibSQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// SchemaVersion returns the highest applied migration version.
func (s *LibSQLStore) SchemaVersion(ctx context.Context) (int, error) {
	return currentVersion(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	now := s.now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusDraft
	}
	def, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, version, status, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, version=excluded.version,
		   status=excluded.status, definition=excluded.definition, updated_at=excluded.updated_at`,
		wf.ID, wf.Name, wf.Version, string(wf.Status), string(def),
		wf.CreatedAt.UnixMilli(), wf.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return storeErr("save workflow", err)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	return getRecord[schema.Workflow](ctx, s.db, "workflow", `SELECT definition FROM workflows WHERE id = ?`, id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var w conds
	if filter.Status != nil {
		w.add("status = ?", string(*filter.Status))
	}
	return listRecords[schema.Workflow](ctx, s.db, "workflow",
		"SELECT definition FROM workflows"+w.sql("ORDER BY name, version DESC", filter.Limit), w.args)
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *schema.WorkflowExecution) error {
	if exec.StartedAt.IsZero() {
		exec.StartedAt = s.now()
	}
	exec.UpdatedAt = s.now()
	record, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, current_step, record, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status), nullStr(exec.CurrentStep), string(record),
		exec.StartedAt.UnixMilli(), exec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
		}
		return storeErr("create execution", err)
	}
	return nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	return getExecution(ctx, s.db, id)
}

// UpdateExecution applies a partial update inside a transaction and returns
// the updated record.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) (*schema.WorkflowExecution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin tx", err)
	}
	defer tx.Rollback()

	exec, err := getExecution(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := update.Apply(exec, s.now()); err != nil {
		return nil, err
	}
	record, err := json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("marshal execution: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE executions SET status = ?, current_step = ?, record = ?, updated_at = ? WHERE id = ?`,
		string(exec.Status), nullStr(exec.CurrentStep), string(record), exec.UpdatedAt.UnixMilli(), id,
	); err != nil {
		return nil, storeErr("update execution", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit execution update", err)
	}
	return exec, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	var w conds
	if filter.Status != nil {
		w.add("status = ?", string(*filter.Status))
	}
	if filter.WorkflowID != "" {
		w.add("workflow_id = ?", filter.WorkflowID)
	}
	return listRecords[schema.WorkflowExecution](ctx, s.db, "execution",
		"SELECT record FROM executions"+w.sql("ORDER BY started_at DESC", filter.Limit), w.args)
}

// --- HITL requests ---

func (s *LibSQLStore) CreateHITLRequest(ctx context.Context, req *schema.HITLRequest) error {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.now()
	}
	if req.Status == "" {
		req.Status = schema.HITLPending
	}
	record, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal hitl request: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO hitl_requests (id, execution_id, step_id, status, record, requested_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ExecutionID, req.StepID, string(req.Status), string(record),
		req.RequestedAt.UnixMilli(), nullMillis(req.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "hitl request %q already exists", req.ID)
		}
		return storeErr("create hitl request", err)
	}
	return nil
}

func (s *LibSQLStore) GetHITLRequest(ctx context.Context, id string) (*schema.HITLRequest, error) {
	return getHITLRequest(ctx, s.db, id)
}

// ResolveHITLRequest transitions a pending request. Requests that are no
// longer pending yield CONFLICT with the stored request attached in details.
func (s *LibSQLStore) ResolveHITLRequest(ctx context.Context, id string, res HITLResolution) (*schema.HITLRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin tx", err)
	}
	defer tx.Rollback()

	req, err := getHITLRequest(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != schema.HITLPending {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "hitl request %q already %s", id, req.Status).
			WithDetails(map[string]any{"status": string(req.Status)})
	}

	applyResolution(req, res, s.now())
	record, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal hitl request: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE hitl_requests SET status = ?, record = ? WHERE id = ? AND status = 'pending'`,
		string(req.Status), string(record), id,
	)
	if err != nil {
		return nil, storeErr("resolve hitl request", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "hitl request %q is no longer pending", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit hitl resolution", err)
	}
	return req, nil
}

// applyResolution copies a resolution onto req.
func applyResolution(req *schema.HITLRequest, res HITLResolution, now time.Time) {
	at := res.ResolvedAt
	if at.IsZero() {
		at = now
	}
	req.Status = res.Status
	req.ResolvedAt = &at
	req.ResolvedBy = res.ResolvedBy
	req.Resolution = res.Resolution
}

func (s *LibSQLStore) ListHITLRequests(ctx context.Context, filter HITLFilter) ([]*schema.HITLRequest, error) {
	var w conds
	if filter.ExecutionID != "" {
		w.add("execution_id = ?", filter.ExecutionID)
	}
	if filter.Status != nil {
		w.add("status = ?", string(*filter.Status))
	}
	if filter.ExpiresBefore != nil {
		w.add("expires_at IS NOT NULL AND expires_at <= ?", filter.ExpiresBefore.UnixMilli())
	}
	return listRecords[schema.HITLRequest](ctx, s.db, "hitl request",
		"SELECT record FROM hitl_requests"+w.sql("ORDER BY requested_at ASC", filter.Limit), w.args)
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-execution sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type, nullRaw(event.Payload),
		event.Timestamp.UnixMilli(), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &ts, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		e.Timestamp = time.UnixMilli(ts).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getExecution(ctx context.Context, q queryer, id string) (*schema.WorkflowExecution, error) {
	return getRecord[schema.WorkflowExecution](ctx, q, "execution", `SELECT record FROM executions WHERE id = ?`, id)
}

func getHITLRequest(ctx context.Context, q queryer, id string) (*schema.HITLRequest, error) {
	return getRecord[schema.HITLRequest](ctx, q, "hitl request", `SELECT record FROM hitl_requests WHERE id = ?`, id)
}

// getRecord loads the JSON document selected by query into a new T.
func getRecord[T any](ctx context.Context, q queryer, kind, query, id string) (*T, error) {
	var doc string
	err := q.QueryRowContext(ctx, query, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound(kind, id)
	}
	if err != nil {
		return nil, storeErr("get "+kind, err)
	}
	v := new(T)
	if err := json.Unmarshal([]byte(doc), v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return v, nil
}

// listRecords decodes the single JSON column of every row query returns.
func listRecords[T any](ctx context.Context, db *sql.DB, kind, query string, args []any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list "+kind+"s", err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, storeErr("scan "+kind, err)
		}
		v := new(T)
		if err := json.Unmarshal([]byte(doc), v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// conds accumulates AND-ed WHERE conditions with their arguments.
type conds struct {
	where []string
	args  []any
}

func (c *conds) add(cond string, args ...any) {
	c.where = append(c.where, cond)
	c.args = append(c.args, args...)
}

// sql renders the WHERE, ORDER BY and LIMIT tail of a query.
func (c conds) sql(orderBy string, limit int) string {
	var b strings.Builder
	if len(c.where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(c.where, " AND "))
	}
	b.WriteString(" ")
	b.WriteString(orderBy)
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	return b.String()
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeErr(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key")
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
