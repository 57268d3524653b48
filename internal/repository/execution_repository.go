package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"waflow/internal/entities"
)

type ExecutionRepository struct {
	db *pgxpool.Pool
}

func NewExecutionRepository(db *pgxpool.Pool) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

func (r *ExecutionRepository) Create(ctx context.Context, exec *entities.FlowExecution) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO flow_executions (id, flow_id, account_id, conversation_id, current_step, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		exec.ID, exec.FlowID, exec.AccountID, exec.ConversationID,
		exec.CurrentStep, exec.Status, exec.StartedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &entities.ConcurrencyConflict{Reason: "flow already has an active execution for this conversation"}
	}
	return err
}

func (r *ExecutionRepository) Get(ctx context.Context, id string) (*entities.FlowExecution, error) {
	var e entities.FlowExecution
	err := r.db.QueryRow(ctx,
		`SELECT id, flow_id, account_id, conversation_id, current_step, status, resume_at, error, started_at, finished_at
		 FROM flow_executions WHERE id = $1`, id).
		Scan(&e.ID, &e.FlowID, &e.AccountID, &e.ConversationID, &e.CurrentStep,
			&e.Status, &e.ResumeAt, &e.Error, &e.StartedAt, &e.FinishedAt)
	if err == pgx.ErrNoRows {
		return nil, &entities.NotFoundError{Kind: "execution", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// SetStatus applies a status transition but never overwrites a terminal
// status, so a stop that raced a completion stays stopped.
func (r *ExecutionRepository) SetStatus(ctx context.Context, id string, status entities.ExecutionStatus, reason string) error {
	var tag pgconn.CommandTag
	var err error
	if status.IsTerminal() {
		tag, err = r.db.Exec(ctx,
			`UPDATE flow_executions SET status = $2, error = $3, finished_at = now()
			 WHERE id = $1 AND status NOT IN ('COMPLETED','STOPPED','ERROR')`,
			id, status, reason)
	} else {
		tag, err = r.db.Exec(ctx,
			`UPDATE flow_executions SET status = $2, error = $3
			 WHERE id = $1 AND status NOT IN ('COMPLETED','STOPPED','ERROR')`,
			id, status, reason)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		cur, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		return &entities.ConcurrencyConflict{Reason: "execution already " + string(cur.Status)}
	}
	return nil
}

func (r *ExecutionRepository) UpdateCursor(ctx context.Context, id string, step int, resumeAt *time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE flow_executions SET current_step = $2, resume_at = $3 WHERE id = $1`,
		id, step, resumeAt)
	return err
}

// ClearResumeIfRunning is the delay-wakeup gate: a pause or stop that landed
// while the execution slept keeps the resume timestamp, so a later resume
// still waits out the remainder.
func (r *ExecutionRepository) ClearResumeIfRunning(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE flow_executions SET resume_at = NULL WHERE id = $1 AND status = 'RUNNING'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ExecutionRepository) HasActive(ctx context.Context, flowID, conversationID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM flow_executions
			WHERE flow_id = $1 AND conversation_id = $2 AND status IN ('PENDING','RUNNING','PAUSED')
		)`, flowID, conversationID).Scan(&exists)
	return exists, err
}

// ListRunning returns executions interrupted mid-flight: everything that was
// RUNNING or sleeping in a DELAY when the process died.
func (r *ExecutionRepository) ListRunning(ctx context.Context) ([]entities.FlowExecution, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, flow_id, account_id, conversation_id, current_step, status, resume_at, error, started_at, finished_at
		 FROM flow_executions WHERE status IN ('PENDING','RUNNING') ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entities.FlowExecution
	for rows.Next() {
		var e entities.FlowExecution
		if err := rows.Scan(&e.ID, &e.FlowID, &e.AccountID, &e.ConversationID, &e.CurrentStep,
			&e.Status, &e.ResumeAt, &e.Error, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
