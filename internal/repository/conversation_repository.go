package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"waflow/internal/entities"
)

type ConversationRepository struct {
	db *pgxpool.Pool
}

func NewConversationRepository(db *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func (r *ConversationRepository) Get(ctx context.Context, id string) (*entities.Conversation, error) {
	var c entities.Conversation
	err := r.db.QueryRow(ctx,
		`SELECT id, account_id, phone, lead_name, lead_status, tags, unread_count, last_activity, created_at
		 FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &c.AccountID, &c.Phone, &c.LeadName, &c.LeadStatus, &c.Tags,
			&c.UnreadCount, &c.LastActivity, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, &entities.NotFoundError{Kind: "conversation", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertInbound bumps unread count and last activity, creating the thread on
// first contact.
func (r *ConversationRepository) UpsertInbound(ctx context.Context, accountID, phone string, at time.Time) (*entities.Conversation, error) {
	var c entities.Conversation
	err := r.db.QueryRow(ctx,
		`INSERT INTO conversations (id, account_id, phone, unread_count, last_activity)
		 VALUES ($1, $2, $3, 1, $4)
		 ON CONFLICT (account_id, phone) DO UPDATE
		 SET unread_count = conversations.unread_count + 1, last_activity = $4
		 RETURNING id, account_id, phone, lead_name, lead_status, tags, unread_count, last_activity, created_at`,
		uuid.NewString(), accountID, phone, at).
		Scan(&c.ID, &c.AccountID, &c.Phone, &c.LeadName, &c.LeadStatus, &c.Tags,
			&c.UnreadCount, &c.LastActivity, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ConversationRepository) SetLeadStatus(ctx context.Context, id, status string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE conversations SET lead_status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &entities.NotFoundError{Kind: "conversation", ID: id}
	}
	return nil
}

func (r *ConversationRepository) AddTag(ctx context.Context, id, tagName string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE conversations SET tags = array_append(tags, $2) WHERE id = $1 AND NOT ($2 = ANY(tags))`,
		id, tagName)
	if err != nil {
		return err
	}
	// Zero rows either means the tag was already set or the row is missing;
	// distinguish so callers get a real NotFoundError.
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *ConversationRepository) MarkRead(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE conversations SET unread_count = 0 WHERE id = $1`, id)
	return err
}
