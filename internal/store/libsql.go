package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepmachine/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	_, err := runMigrations(ctx, s.db)
	return err
}

// --- Chains ---

// SaveChain inserts a chain or replaces the definition stored under its id.
func (s *LibSQLStore) SaveChain(ctx context.Context, chain *ChainRecord) error {
	if chain.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "chain id is required")
	}
	if len(chain.Definition) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "chain %q has no definition", chain.ID)
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chains (id, version, description, definition, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET version=excluded.version, description=excluded.description,
		   definition=excluded.definition, updated_at=excluded.updated_at`,
		chain.ID, chain.Version, nullStr(chain.Description), string(chain.Definition),
		timeOrNow(chain.CreatedAt), now,
	)
	if err != nil {
		return storeError("save chain", err)
	}
	return nil
}

func (s *LibSQLStore) GetChain(ctx context.Context, id string) (*ChainRecord, error) {
	c := &ChainRecord{}
	var desc sql.NullString
	var def string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, version, description, definition, created_at, updated_at FROM chains WHERE id = ?`, id,
	).Scan(&c.ID, &c.Version, &desc, &def, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("chain", id)
	}
	if err != nil {
		return nil, storeError("get chain", err)
	}
	c.Description = desc.String
	c.Definition = json.RawMessage(def)
	return c, nil
}

func (s *LibSQLStore) ListChains(ctx context.Context, filter ChainFilter) ([]*ChainRecord, error) {
	query := `SELECT id, version, description, definition, created_at, updated_at FROM chains ORDER BY id`
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeError("list chains", err)
	}
	defer rows.Close()

	var chains []*ChainRecord
	for rows.Next() {
		c := &ChainRecord{}
		var desc sql.NullString
		var def string
		if err := rows.Scan(&c.ID, &c.Version, &desc, &def, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, storeError("scan chain", err)
		}
		c.Description = desc.String
		c.Definition = json.RawMessage(def)
		chains = append(chains, c)
	}
	return chains, rows.Err()
}

func (s *LibSQLStore) DeleteChain(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chains WHERE id = ?`, id)
	if err != nil {
		return storeError("delete chain", err)
	}
	return checkRowsAffected(res, "chain", id)
}

// --- Executions ---

// SaveExecution upserts the latest snapshot of an execution.
func (s *LibSQLStore) SaveExecution(ctx context.Context, exec *ExecutionRecord) error {
	if exec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution id is required")
	}
	if !exec.Status.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "execution %q has invalid status %q", exec.ID, exec.Status)
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, chain_id, chain_version, status, current_step_id, reason, resume_at_ms, error_code, snapshot, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET chain_version=excluded.chain_version, status=excluded.status,
		   current_step_id=excluded.current_step_id, reason=excluded.reason, resume_at_ms=excluded.resume_at_ms,
		   error_code=excluded.error_code, snapshot=excluded.snapshot, updated_at=excluded.updated_at`,
		exec.ID, exec.ChainID, exec.ChainVersion, string(exec.Status), nullStr(exec.CurrentStepID),
		nullStr(exec.Reason), nullMillis(exec.ResumeAt), nullStr(exec.ErrorCode), string(exec.Snapshot),
		timeOrNow(exec.CreatedAt), now,
	)
	if err != nil {
		return storeError("save execution", err)
	}
	return nil
}

const executionColumns = `id, chain_id, chain_version, status, current_step_id, reason, resume_at_ms, error_code, snapshot, created_at, updated_at`

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, storeError("get execution", err)
	}
	return exec, nil
}

// ListExecutions returns executions ordered by creation time. With DueBefore
// set, only suspended executions with a resume time at or before it match,
// ordered by resume time.
func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	var where []string
	var args []any

	if filter.ChainID != "" {
		where = append(where, "chain_id = ?")
		args = append(args, filter.ChainID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	order := " ORDER BY created_at, id"
	if filter.DueBefore != nil {
		where = append(where, "status = ?", "resume_at_ms IS NOT NULL", "resume_at_ms <= ?")
		args = append(args, string(schema.ExecutionStatusSuspended), filter.DueBefore.UnixMilli())
		order = " ORDER BY resume_at_ms, id"
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += order + limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list executions", err)
	}
	defer rows.Close()

	var out []*ExecutionRecord
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, storeError("scan execution", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*ExecutionRecord, error) {
	e := &ExecutionRecord{}
	var (
		status                  string
		stepID, reason, errCode sql.NullString
		resumeAt                sql.NullInt64
		snapshot                string
	)
	if err := row.Scan(&e.ID, &e.ChainID, &e.ChainVersion, &status, &stepID, &reason,
		&resumeAt, &errCode, &snapshot, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	e.CurrentStepID = stepID.String
	e.Reason = reason.String
	e.ErrorCode = errCode.String
	e.Snapshot = json.RawMessage(snapshot)
	if resumeAt.Valid {
		t := time.UnixMilli(resumeAt.Int64).UTC()
		e.ResumeAt = &t
	}
	return e, nil
}

// --- Scheduled Jobs ---

// UpsertScheduledJob creates a job or updates its chain, expression, input
// and enabled flag. Run bookkeeping is preserved on update.
func (s *LibSQLStore) UpsertScheduledJob(ctx context.Context, job *ScheduledJob) error {
	if job.ID == "" || job.ChainID == "" || job.CronExpression == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job requires id, chain_id and cron_expression")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, chain_id, cron_expression, input, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET chain_id=excluded.chain_id, cron_expression=excluded.cron_expression,
		   input=excluded.input, enabled=excluded.enabled,
		   next_run_at=CASE WHEN scheduled_jobs.cron_expression = excluded.cron_expression
		     THEN scheduled_jobs.next_run_at ELSE excluded.next_run_at END`,
		job.ID, job.ChainID, job.CronExpression, nullRaw(job.Input), boolInt(job.Enabled),
		nullTime(job.NextRunAt), timeOrNow(job.CreatedAt),
	)
	if err != nil {
		return storeError("upsert scheduled job", err)
	}
	return nil
}

const jobColumns = `id, chain_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled job", id)
	}
	if err != nil {
		return nil, storeError("get scheduled job", err)
	}
	return job, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storeError("update scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.ChainID != "" {
		where = append(where, "chain_id = ?")
		args = append(args, filter.ChainID)
	}

	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id" + limitClause(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list scheduled jobs", err)
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storeError("scan scheduled job", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return storeError("delete scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func scanJob(row rowScanner) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var (
		input, lastStatus sql.NullString
		enabled           int64
		lastRun, nextRun  sql.NullTime
	)
	if err := row.Scan(&j.ID, &j.ChainID, &j.CronExpression, &input, &enabled,
		&lastRun, &nextRun, &lastStatus, &j.CreatedAt); err != nil {
		return nil, err
	}
	j.Input = rawOrNil(input)
	j.Enabled = enabled != 0
	j.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		t := lastRun.Time
		j.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		j.NextRunAt = &t
	}
	return j, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.MachineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.MachineError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s failed", op).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("rows affected", err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	clause := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
