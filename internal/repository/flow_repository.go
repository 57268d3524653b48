package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"waflow/internal/entities"
)

type FlowRepository struct {
	db *pgxpool.Pool
}

func NewFlowRepository(db *pgxpool.Pool) *FlowRepository {
	return &FlowRepository{db: db}
}

// Create stores a flow with its steps and triggers in one transaction. Step
// order is the slice order.
func (r *FlowRepository) Create(ctx context.Context, f *entities.FlowDefinition) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO flows (id, account_id, name, is_active) VALUES ($1, $2, $3, $4)`,
		f.ID, f.AccountID, f.Name, f.IsActive)
	if err != nil {
		return err
	}

	for i, s := range f.Steps {
		_, err = tx.Exec(ctx,
			`INSERT INTO flow_steps (id, flow_id, position, name, type, content, delay_minutes, condition, branch_to, else_branch_to, action, action_params)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			s.ID, f.ID, i, s.Name, s.Type, s.Content, s.DelayMinutes,
			s.Condition, s.BranchTo, s.ElseBranchTo, s.Action, s.ActionParams)
		if err != nil {
			return err
		}
	}

	for _, t := range f.Triggers {
		_, err = tx.Exec(ctx,
			`INSERT INTO flow_triggers (id, flow_id, type, keyword, cron_expr, conversation_id, is_active)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			t.ID, f.ID, t.Type, t.Keyword, t.Cron, t.ConversationID, t.IsActive)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *FlowRepository) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE flows SET is_active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &entities.NotFoundError{Kind: "flow", ID: id}
	}
	return nil
}

func (r *FlowRepository) GetFlow(ctx context.Context, id string) (*entities.FlowDefinition, error) {
	var f entities.FlowDefinition
	err := r.db.QueryRow(ctx,
		`SELECT id, account_id, name, is_active, created_at, updated_at FROM flows WHERE id = $1`, id).
		Scan(&f.ID, &f.AccountID, &f.Name, &f.IsActive, &f.CreatedAt, &f.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, &entities.NotFoundError{Kind: "flow", ID: id}
	}
	if err != nil {
		return nil, err
	}

	steps, err := r.loadSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	f.Steps = steps

	triggers, err := r.queryTriggers(ctx,
		`SELECT id, flow_id, type, keyword, cron_expr, conversation_id, is_active
		 FROM flow_triggers WHERE flow_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	f.Triggers = triggers

	return &f, nil
}

func (r *FlowRepository) loadSteps(ctx context.Context, flowID string) ([]entities.FlowStep, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, name, type, content, delay_minutes, condition, branch_to, else_branch_to, action, action_params
		 FROM flow_steps WHERE flow_id = $1 ORDER BY position`, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []entities.FlowStep
	for rows.Next() {
		var s entities.FlowStep
		if err := rows.Scan(&s.ID, &s.Name, &s.Type, &s.Content, &s.DelayMinutes,
			&s.Condition, &s.BranchTo, &s.ElseBranchTo, &s.Action, &s.ActionParams); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func (r *FlowRepository) GetTrigger(ctx context.Context, id string) (*entities.FlowTrigger, error) {
	var t entities.FlowTrigger
	err := r.db.QueryRow(ctx,
		`SELECT id, flow_id, type, keyword, cron_expr, conversation_id, is_active
		 FROM flow_triggers WHERE id = $1`, id).
		Scan(&t.ID, &t.FlowID, &t.Type, &t.Keyword, &t.Cron, &t.ConversationID, &t.IsActive)
	if err == pgx.ErrNoRows {
		return nil, &entities.NotFoundError{Kind: "trigger", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *FlowRepository) ListActiveScheduleTriggers(ctx context.Context) ([]entities.FlowTrigger, error) {
	return r.queryTriggers(ctx,
		`SELECT t.id, t.flow_id, t.type, t.keyword, t.cron_expr, t.conversation_id, t.is_active
		 FROM flow_triggers t JOIN flows f ON f.id = t.flow_id
		 WHERE t.type = 'SCHEDULE' AND t.is_active AND f.is_active`)
}

func (r *FlowRepository) ListActiveEventTriggers(ctx context.Context, accountID string) ([]entities.FlowTrigger, error) {
	return r.queryTriggers(ctx,
		`SELECT t.id, t.flow_id, t.type, t.keyword, t.cron_expr, t.conversation_id, t.is_active
		 FROM flow_triggers t JOIN flows f ON f.id = t.flow_id
		 WHERE t.type = 'EVENT' AND t.is_active AND f.is_active AND f.account_id = $1`, accountID)
}

func (r *FlowRepository) queryTriggers(ctx context.Context, sql string, args ...interface{}) ([]entities.FlowTrigger, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entities.FlowTrigger
	for rows.Next() {
		var t entities.FlowTrigger
		if err := rows.Scan(&t.ID, &t.FlowID, &t.Type, &t.Keyword, &t.Cron, &t.ConversationID, &t.IsActive); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
