package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"waflow/internal/entities"
)

type CampaignRepository struct {
	db *pgxpool.Pool
}

func NewCampaignRepository(db *pgxpool.Pool) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create stores the campaign and all its targets in one transaction.
func (r *CampaignRepository) Create(ctx context.Context, c *entities.Campaign, targets []entities.CampaignTarget) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO campaigns (id, account_id, name, message, rate_limit_per_minute, typing_simulation, status, scheduled_at, target_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.AccountID, c.Name, c.Message, c.RateLimitPerMinute,
		c.TypingSimulation, c.Status, c.ScheduledAt, c.TargetCount)
	if err != nil {
		return err
	}

	for _, t := range targets {
		_, err = tx.Exec(ctx,
			`INSERT INTO campaign_targets (id, campaign_id, phone, variables, status)
			 VALUES ($1, $2, $3, $4, $5)`,
			t.ID, c.ID, t.Phone, t.Variables, entities.TargetPending)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *CampaignRepository) Get(ctx context.Context, id string) (*entities.Campaign, error) {
	var c entities.Campaign
	err := r.db.QueryRow(ctx,
		`SELECT id, account_id, name, message, rate_limit_per_minute, typing_simulation, status, scheduled_at,
		        target_count, sent_count, delivered_count, read_count, failed_count, error, created_at, updated_at
		 FROM campaigns WHERE id = $1`, id).
		Scan(&c.ID, &c.AccountID, &c.Name, &c.Message, &c.RateLimitPerMinute, &c.TypingSimulation,
			&c.Status, &c.ScheduledAt, &c.TargetCount, &c.SentCount, &c.DeliveredCount,
			&c.ReadCount, &c.FailedCount, &c.Error, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, &entities.NotFoundError{Kind: "campaign", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetStatus never overwrites a terminal status.
func (r *CampaignRepository) SetStatus(ctx context.Context, id string, status entities.CampaignStatus, reason string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE campaigns SET status = $2, error = $3, updated_at = now()
		 WHERE id = $1 AND status NOT IN ('COMPLETED','FAILED')`,
		id, status, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		cur, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		return &entities.ConcurrencyConflict{Reason: "campaign already " + string(cur.Status)}
	}
	return nil
}

func (r *CampaignRepository) NextPendingTarget(ctx context.Context, campaignID string) (*entities.CampaignTarget, error) {
	var t entities.CampaignTarget
	err := r.db.QueryRow(ctx,
		`SELECT id, campaign_id, phone, variables, status, gateway_message_id, error, sent_at
		 FROM campaign_targets
		 WHERE campaign_id = $1 AND status = 'PENDING'
		 ORDER BY created_at LIMIT 1`, campaignID).
		Scan(&t.ID, &t.CampaignID, &t.Phone, &t.Variables, &t.Status, &t.GatewayID, &t.Error, &t.SentAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// MarkTargetSent flips a PENDING target to SENT and bumps the campaign's sent
// counter in the same transaction, so the aggregate moves exactly once per
// target.
func (r *CampaignRepository) MarkTargetSent(ctx context.Context, targetID, gatewayID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var campaignID string
	err = tx.QueryRow(ctx,
		`UPDATE campaign_targets SET status = 'SENT', gateway_message_id = $2, sent_at = now()
		 WHERE id = $1 AND status = 'PENDING'
		 RETURNING campaign_id`, targetID, gatewayID).Scan(&campaignID)
	if err == pgx.ErrNoRows {
		return &entities.ConcurrencyConflict{Reason: "target is not pending"}
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE campaigns SET sent_count = sent_count + 1, updated_at = now() WHERE id = $1`, campaignID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *CampaignRepository) MarkTargetFailed(ctx context.Context, targetID, reason string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var campaignID string
	err = tx.QueryRow(ctx,
		`UPDATE campaign_targets SET status = 'FAILED', error = $2
		 WHERE id = $1 AND status = 'PENDING'
		 RETURNING campaign_id`, targetID, reason).Scan(&campaignID)
	if err == pgx.ErrNoRows {
		return &entities.ConcurrencyConflict{Reason: "target is not pending"}
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE campaigns SET failed_count = failed_count + 1, updated_at = now() WHERE id = $1`, campaignID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkDelivered resolves the target by gateway message id. Receipts for
// unknown or already-advanced targets are ignored.
func (r *CampaignRepository) MarkDelivered(ctx context.Context, gatewayID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var campaignID string
	err = tx.QueryRow(ctx,
		`UPDATE campaign_targets SET status = 'DELIVERED'
		 WHERE gateway_message_id = $1 AND status = 'SENT'
		 RETURNING campaign_id`, gatewayID).Scan(&campaignID)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE campaigns SET delivered_count = delivered_count + 1, updated_at = now() WHERE id = $1`, campaignID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkRead advances a target to READ. A read receipt arriving before the
// delivery receipt bumps both counters, keeping read <= delivered. The row
// lock makes the prior status authoritative: a delivery transition committing
// concurrently is observed before the counters move, so each transition
// increments its aggregate exactly once.
func (r *CampaignRepository) MarkRead(ctx context.Context, gatewayID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var targetID, campaignID string
	var prev entities.TargetStatus
	err = tx.QueryRow(ctx,
		`SELECT id, campaign_id, status FROM campaign_targets
		 WHERE gateway_message_id = $1 AND status IN ('SENT','DELIVERED')
		 FOR UPDATE`, gatewayID).Scan(&targetID, &campaignID, &prev)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE campaign_targets SET status = 'READ' WHERE id = $1`, targetID); err != nil {
		return err
	}

	if prev == entities.TargetSent {
		_, err = tx.Exec(ctx,
			`UPDATE campaigns SET delivered_count = delivered_count + 1, read_count = read_count + 1, updated_at = now() WHERE id = $1`, campaignID)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE campaigns SET read_count = read_count + 1, updated_at = now() WHERE id = $1`, campaignID)
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CancelPendingTargets marks every remaining PENDING target CANCELLED and
// returns how many were affected.
func (r *CampaignRepository) CancelPendingTargets(ctx context.Context, campaignID string) (int, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE campaign_targets SET status = 'CANCELLED'
		 WHERE campaign_id = $1 AND status = 'PENDING'`, campaignID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *CampaignRepository) ListByStatus(ctx context.Context, status entities.CampaignStatus) ([]entities.Campaign, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, account_id, name, message, rate_limit_per_minute, typing_simulation, status, scheduled_at,
		        target_count, sent_count, delivered_count, read_count, failed_count, error, created_at, updated_at
		 FROM campaigns WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entities.Campaign
	for rows.Next() {
		var c entities.Campaign
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Name, &c.Message, &c.RateLimitPerMinute, &c.TypingSimulation,
			&c.Status, &c.ScheduledAt, &c.TargetCount, &c.SentCount, &c.DeliveredCount,
			&c.ReadCount, &c.FailedCount, &c.Error, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
