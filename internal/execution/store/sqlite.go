package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// SQLiteStore is a sqlite-backed Store.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if necessary) the execution-core database
// at dbPath and ensures its schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open execution store database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize execution store schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		repo_path TEXT NOT NULL DEFAULT '',
		copy_files TEXT NOT NULL DEFAULT '[]',
		setup_script TEXT NOT NULL DEFAULT '',
		dev_script TEXT NOT NULL DEFAULT '',
		cleanup_script TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS task_attempts (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		executor_profile_id TEXT NOT NULL DEFAULT '',
		base_branch TEXT NOT NULL DEFAULT '',
		container_ref TEXT,
		branch TEXT,
		worktree_deleted INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_task_attempts_task_id ON task_attempts(task_id);

	CREATE TABLE IF NOT EXISTS execution_processes (
		id TEXT PRIMARY KEY,
		task_attempt_id TEXT NOT NULL,
		run_reason TEXT NOT NULL,
		action TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		exit_code INTEGER,
		was_killed INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		before_head_commit TEXT NOT NULL DEFAULT '',
		after_head_commit TEXT NOT NULL DEFAULT '',
		session_id TEXT,
		summary TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_execution_processes_attempt_id ON execution_processes(task_attempt_id);
	CREATE INDEX IF NOT EXISTS idx_execution_processes_status ON execution_processes(task_attempt_id, status);

	CREATE TABLE IF NOT EXISTS follow_up_drafts (
		task_attempt_id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL DEFAULT '',
		variant TEXT,
		image_ids TEXT NOT NULL DEFAULT '[]',
		queued INTEGER NOT NULL DEFAULT 0,
		sending INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS execution_summaries (
		execution_process_id TEXT PRIMARY KEY,
		task_attempt_id TEXT NOT NULL,
		files_added INTEGER NOT NULL DEFAULT 0,
		files_deleted INTEGER NOT NULL DEFAULT 0,
		files_modified INTEGER NOT NULL DEFAULT 0,
		additions INTEGER NOT NULL DEFAULT 0,
		deletions INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS execution_artifacts (
		id TEXT PRIMARY KEY,
		execution_process_id TEXT NOT NULL,
		task_attempt_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_execution_artifacts_attempt_id ON execution_artifacts(task_attempt_id);

	CREATE TABLE IF NOT EXISTS activity_logs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activity_logs_task_id ON activity_logs(task_id);

	CREATE TABLE IF NOT EXISTS vibe_transactions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		amount_cents INTEGER NOT NULL DEFAULT 0,
		model TEXT NOT NULL DEFAULT '',
		settled INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_vibe_transactions_task_id ON vibe_transactions(task_id);

	CREATE TABLE IF NOT EXISTS agent_flows (
		id TEXT PRIMARY KEY,
		execution_process_id TEXT NOT NULL UNIQUE,
		task_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_flow_events (
		id TEXT PRIMARY KEY,
		flow_id TEXT NOT NULL,
		type TEXT NOT NULL,
		phase TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		occurred_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_flow_events_flow_id ON agent_flow_events(flow_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func nullableString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullableTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

func nullableInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func (s *SQLiteStore) CreateProject(ctx context.Context, project *v1.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	copyFiles, err := json.Marshal(project.CopyFiles)
	if err != nil {
		return fmt.Errorf("failed to marshal project copy_files: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, repo_path, copy_files, setup_script, dev_script, cleanup_script)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, project.ID, project.Name, project.RepoPath, string(copyFiles),
		project.SetupScript, project.DevScript, project.CleanupScript)
	return err
}

func (s *SQLiteStore) scanProject(scan func(dest ...any) error) (*v1.Project, error) {
	project := &v1.Project{}
	var copyFiles string
	err := scan(&project.ID, &project.Name, &project.RepoPath, &copyFiles,
		&project.SetupScript, &project.DevScript, &project.CleanupScript)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if copyFiles != "" {
		if err := json.Unmarshal([]byte(copyFiles), &project.CopyFiles); err != nil {
			return nil, fmt.Errorf("failed to unmarshal project copy_files: %w", err)
		}
	}
	return project, nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*v1.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, repo_path, copy_files, setup_script, dev_script, cleanup_script
		FROM projects WHERE id = ?
	`, id)
	return s.scanProject(row.Scan)
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*v1.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, repo_path, copy_files, setup_script, dev_script, cleanup_script
		FROM projects ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.Project
	for rows.Next() {
		project, err := s.scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, project)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) CreateTaskAttempt(ctx context.Context, attempt *v1.TaskAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_attempts (id, task_id, executor_profile_id, base_branch, container_ref, branch, worktree_deleted, created_at, expires_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, attempt.ID, attempt.TaskID, attempt.ExecutorProfileID, attempt.BaseBranch,
		nullableString(attempt.ContainerRef), nullableString(attempt.Branch), attempt.WorktreeDeleted,
		attempt.CreatedAt, attempt.ExpiresAt, attempt.Deleted)
	return err
}

func (s *SQLiteStore) scanTaskAttempt(row *sql.Row) (*v1.TaskAttempt, error) {
	attempt := &v1.TaskAttempt{}
	var containerRef, branch sql.NullString
	err := row.Scan(&attempt.ID, &attempt.TaskID, &attempt.ExecutorProfileID, &attempt.BaseBranch,
		&containerRef, &branch, &attempt.WorktreeDeleted, &attempt.CreatedAt, &attempt.ExpiresAt, &attempt.Deleted)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	attempt.ContainerRef = stringPtr(containerRef)
	attempt.Branch = stringPtr(branch)
	return attempt, nil
}

func (s *SQLiteStore) GetTaskAttempt(ctx context.Context, id string) (*v1.TaskAttempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, executor_profile_id, base_branch, container_ref, branch, worktree_deleted, created_at, expires_at, deleted
		FROM task_attempts WHERE id = ?
	`, id)
	return s.scanTaskAttempt(row)
}

func (s *SQLiteStore) UpdateTaskAttempt(ctx context.Context, attempt *v1.TaskAttempt) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE task_attempts SET task_id = ?, executor_profile_id = ?, base_branch = ?, container_ref = ?, branch = ?, worktree_deleted = ?, expires_at = ?, deleted = ?
		WHERE id = ?
	`, attempt.TaskID, attempt.ExecutorProfileID, attempt.BaseBranch, nullableString(attempt.ContainerRef),
		nullableString(attempt.Branch), attempt.WorktreeDeleted, attempt.ExpiresAt, attempt.Deleted, attempt.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListTaskAttemptsByTask(ctx context.Context, taskID string) ([]*v1.TaskAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, executor_profile_id, base_branch, container_ref, branch, worktree_deleted, created_at, expires_at, deleted
		FROM task_attempts WHERE task_id = ? ORDER BY created_at
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.TaskAttempt
	for rows.Next() {
		attempt := &v1.TaskAttempt{}
		var containerRef, branch sql.NullString
		if err := rows.Scan(&attempt.ID, &attempt.TaskID, &attempt.ExecutorProfileID, &attempt.BaseBranch,
			&containerRef, &branch, &attempt.WorktreeDeleted, &attempt.CreatedAt, &attempt.ExpiresAt, &attempt.Deleted); err != nil {
			return nil, err
		}
		attempt.ContainerRef = stringPtr(containerRef)
		attempt.Branch = stringPtr(branch)
		result = append(result, attempt)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) ListTaskAttempts(ctx context.Context) ([]*v1.TaskAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, executor_profile_id, base_branch, container_ref, branch, worktree_deleted, created_at, expires_at, deleted
		FROM task_attempts WHERE deleted = 0 ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.TaskAttempt
	for rows.Next() {
		attempt := &v1.TaskAttempt{}
		var containerRef, branch sql.NullString
		if err := rows.Scan(&attempt.ID, &attempt.TaskID, &attempt.ExecutorProfileID, &attempt.BaseBranch,
			&containerRef, &branch, &attempt.WorktreeDeleted, &attempt.CreatedAt, &attempt.ExpiresAt, &attempt.Deleted); err != nil {
			return nil, err
		}
		attempt.ContainerRef = stringPtr(containerRef)
		attempt.Branch = stringPtr(branch)
		result = append(result, attempt)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) CreateExecutionProcess(ctx context.Context, process *v1.ExecutionProcess) error {
	if process.ID == "" {
		process.ID = uuid.New().String()
	}
	action, err := json.Marshal(process.Action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_processes (id, task_attempt_id, run_reason, action, status, exit_code, was_killed, started_at, completed_at, before_head_commit, after_head_commit, session_id, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, process.ID, process.TaskAttemptID, process.RunReason, string(action), process.Status,
		nullableInt(process.ExitCode), process.WasKilled, process.StartedAt, nullableTime(process.CompletedAt),
		process.BeforeHeadCommit, process.AfterHeadCommit, nullableString(process.SessionID), nullableString(process.Summary))
	return err
}

func (s *SQLiteStore) scanExecutionProcess(scan func(dest ...any) error) (*v1.ExecutionProcess, error) {
	process := &v1.ExecutionProcess{}
	var action string
	var exitCode sql.NullInt64
	var completedAt sql.NullTime
	var sessionID, summary sql.NullString
	err := scan(&process.ID, &process.TaskAttemptID, &process.RunReason, &action, &process.Status,
		&exitCode, &process.WasKilled, &process.StartedAt, &completedAt,
		&process.BeforeHeadCommit, &process.AfterHeadCommit, &sessionID, &summary)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(action), &process.Action)
	process.ExitCode = intPtr(exitCode)
	process.CompletedAt = timePtr(completedAt)
	process.SessionID = stringPtr(sessionID)
	process.Summary = stringPtr(summary)
	return process, nil
}

const executionProcessColumns = `id, task_attempt_id, run_reason, action, status, exit_code, was_killed, started_at, completed_at, before_head_commit, after_head_commit, session_id, summary`

func (s *SQLiteStore) GetExecutionProcess(ctx context.Context, id string) (*v1.ExecutionProcess, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionProcessColumns+` FROM execution_processes WHERE id = ?`, id)
	return s.scanExecutionProcess(row.Scan)
}

func (s *SQLiteStore) UpdateExecutionProcess(ctx context.Context, process *v1.ExecutionProcess) error {
	action, err := json.Marshal(process.Action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE execution_processes SET run_reason = ?, action = ?, status = ?, exit_code = ?, was_killed = ?, completed_at = ?, before_head_commit = ?, after_head_commit = ?, session_id = ?, summary = ?
		WHERE id = ?
	`, process.RunReason, string(action), process.Status, nullableInt(process.ExitCode), process.WasKilled,
		nullableTime(process.CompletedAt), process.BeforeHeadCommit, process.AfterHeadCommit,
		nullableString(process.SessionID), nullableString(process.Summary), process.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) listExecutionProcesses(ctx context.Context, query string, args ...any) ([]*v1.ExecutionProcess, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.ExecutionProcess
	for rows.Next() {
		process, err := s.scanExecutionProcess(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, process)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) ListExecutionProcessesByAttempt(ctx context.Context, attemptID string) ([]*v1.ExecutionProcess, error) {
	return s.listExecutionProcesses(ctx,
		`SELECT `+executionProcessColumns+` FROM execution_processes WHERE task_attempt_id = ? ORDER BY started_at`, attemptID)
}

func (s *SQLiteStore) ListRunningExecutionProcessesByAttempt(ctx context.Context, attemptID string) ([]*v1.ExecutionProcess, error) {
	return s.listExecutionProcesses(ctx,
		`SELECT `+executionProcessColumns+` FROM execution_processes WHERE task_attempt_id = ? AND status = ? ORDER BY started_at`,
		attemptID, v1.ExecutionStatusRunning)
}

func (s *SQLiteStore) GetFollowUpDraft(ctx context.Context, attemptID string) (*v1.FollowUpDraft, error) {
	draft := &v1.FollowUpDraft{TaskAttemptID: attemptID}
	var variant sql.NullString
	var imageIDs string
	err := s.db.QueryRowContext(ctx, `
		SELECT prompt, variant, image_ids, queued, sending FROM follow_up_drafts WHERE task_attempt_id = ?
	`, attemptID).Scan(&draft.Prompt, &variant, &imageIDs, &draft.Queued, &draft.Sending)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	draft.Variant = stringPtr(variant)
	_ = json.Unmarshal([]byte(imageIDs), &draft.ImageIDs)
	return draft, nil
}

func (s *SQLiteStore) UpsertFollowUpDraft(ctx context.Context, draft *v1.FollowUpDraft) error {
	imageIDs, err := json.Marshal(draft.ImageIDs)
	if err != nil {
		imageIDs = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO follow_up_drafts (task_attempt_id, prompt, variant, image_ids, queued, sending)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_attempt_id) DO UPDATE SET prompt = excluded.prompt, variant = excluded.variant, image_ids = excluded.image_ids, queued = excluded.queued, sending = excluded.sending
	`, draft.TaskAttemptID, draft.Prompt, nullableString(draft.Variant), string(imageIDs), draft.Queued, draft.Sending)
	return err
}

// TryMarkSending is the sqlite single-writer guard: the conditional UPDATE
// only succeeds when sending is currently false, so a second concurrent
// caller's RowsAffected comes back 0.
func (s *SQLiteStore) TryMarkSending(ctx context.Context, attemptID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE follow_up_drafts SET sending = 1 WHERE task_attempt_id = ? AND sending = 0
	`, attemptID)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *SQLiteStore) ClearSending(ctx context.Context, attemptID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE follow_up_drafts SET sending = 0 WHERE task_attempt_id = ?`, attemptID)
	return err
}

func (s *SQLiteStore) ClearQueued(ctx context.Context, attemptID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE follow_up_drafts SET queued = 0 WHERE task_attempt_id = ?`, attemptID)
	return err
}

func (s *SQLiteStore) UpsertExecutionSummary(ctx context.Context, summary *v1.ExecutionSummary) error {
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_summaries (execution_process_id, task_attempt_id, files_added, files_deleted, files_modified, additions, deletions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_process_id) DO UPDATE SET files_added = excluded.files_added, files_deleted = excluded.files_deleted, files_modified = excluded.files_modified, additions = excluded.additions, deletions = excluded.deletions
	`, summary.ExecutionProcessID, summary.TaskAttemptID, summary.FilesAdded, summary.FilesDeleted,
		summary.FilesModified, summary.Additions, summary.Deletions, summary.CreatedAt)
	return err
}

func (s *SQLiteStore) GetExecutionSummary(ctx context.Context, executionProcessID string) (*v1.ExecutionSummary, error) {
	summary := &v1.ExecutionSummary{ExecutionProcessID: executionProcessID}
	err := s.db.QueryRowContext(ctx, `
		SELECT task_attempt_id, files_added, files_deleted, files_modified, additions, deletions, created_at
		FROM execution_summaries WHERE execution_process_id = ?
	`, executionProcessID).Scan(&summary.TaskAttemptID, &summary.FilesAdded, &summary.FilesDeleted,
		&summary.FilesModified, &summary.Additions, &summary.Deletions, &summary.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return summary, err
}

func (s *SQLiteStore) CreateExecutionArtifact(ctx context.Context, artifact *v1.ExecutionArtifact) error {
	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	metadata, err := json.Marshal(artifact.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_artifacts (id, execution_process_id, task_attempt_id, kind, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, artifact.ID, artifact.ExecutionProcessID, artifact.TaskAttemptID, artifact.Kind, artifact.Content, string(metadata), artifact.CreatedAt)
	return err
}

func (s *SQLiteStore) ListExecutionArtifactsByAttempt(ctx context.Context, attemptID string) ([]*v1.ExecutionArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_process_id, task_attempt_id, kind, content, metadata, created_at
		FROM execution_artifacts WHERE task_attempt_id = ? ORDER BY created_at
	`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.ExecutionArtifact
	for rows.Next() {
		artifact := &v1.ExecutionArtifact{}
		var metadata string
		if err := rows.Scan(&artifact.ID, &artifact.ExecutionProcessID, &artifact.TaskAttemptID, &artifact.Kind, &artifact.Content, &metadata, &artifact.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metadata), &artifact.Metadata)
		result = append(result, artifact)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) CreateActivityLog(ctx context.Context, entry *v1.ActivityLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity_logs (id, task_id, event_type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.ID, entry.TaskID, entry.EventType, string(metadata), entry.CreatedAt)
	return err
}

func (s *SQLiteStore) ListActivityLogsByTask(ctx context.Context, taskID string) ([]*v1.ActivityLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, event_type, metadata, created_at FROM activity_logs WHERE task_id = ? ORDER BY created_at
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.ActivityLog
	for rows.Next() {
		entry := &v1.ActivityLog{}
		var metadata string
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.EventType, &metadata, &entry.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metadata), &entry.Metadata)
		result = append(result, entry)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) CreateVibeTransaction(ctx context.Context, tx *v1.VibeTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vibe_transactions (id, task_id, input_tokens, output_tokens, amount_cents, model, settled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tx.ID, tx.TaskID, tx.InputTokens, tx.OutputTokens, tx.AmountCents, tx.Model, tx.Settled, tx.CreatedAt, tx.UpdatedAt)
	return err
}

func (s *SQLiteStore) UpdateVibeTransaction(ctx context.Context, tx *v1.VibeTransaction) error {
	tx.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE vibe_transactions SET input_tokens = ?, output_tokens = ?, amount_cents = ?, model = ?, settled = ?, updated_at = ?
		WHERE id = ?
	`, tx.InputTokens, tx.OutputTokens, tx.AmountCents, tx.Model, tx.Settled, tx.UpdatedAt, tx.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListVibeTransactionsByTask(ctx context.Context, taskID string) ([]*v1.VibeTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, input_tokens, output_tokens, amount_cents, model, settled, created_at, updated_at
		FROM vibe_transactions WHERE task_id = ? ORDER BY created_at
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.VibeTransaction
	for rows.Next() {
		tx := &v1.VibeTransaction{}
		if err := rows.Scan(&tx.ID, &tx.TaskID, &tx.InputTokens, &tx.OutputTokens, &tx.AmountCents, &tx.Model, &tx.Settled, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) CreateAgentFlow(ctx context.Context, flow *v1.AgentFlow) error {
	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_flows (id, execution_process_id, task_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, flow.ID, flow.ExecutionProcessID, flow.TaskID, flow.Status, flow.CreatedAt)
	return err
}

func (s *SQLiteStore) UpdateAgentFlowStatus(ctx context.Context, id string, status v1.AgentFlowStatus) error {
	result, err := s.db.ExecContext(ctx, `UPDATE agent_flows SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetAgentFlowByExecutionProcess(ctx context.Context, executionProcessID string) (*v1.AgentFlow, error) {
	flow := &v1.AgentFlow{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, execution_process_id, task_id, status, created_at FROM agent_flows WHERE execution_process_id = ?
	`, executionProcessID).Scan(&flow.ID, &flow.ExecutionProcessID, &flow.TaskID, &flow.Status, &flow.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return flow, err
}

func (s *SQLiteStore) CreateAgentFlowEvent(ctx context.Context, event *v1.AgentFlowEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_flow_events (id, flow_id, type, phase, error, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.ID, event.FlowID, event.Type, event.Phase, event.Error, event.OccurredAt)
	return err
}
