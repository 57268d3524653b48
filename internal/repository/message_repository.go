package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"waflow/internal/entities"
)

type MessageRepository struct {
	db *pgxpool.Pool
}

func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(ctx context.Context, m *entities.Message) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO messages (id, account_id, conversation_id, gateway_id, direction, from_phone, to_phone, content, type, status, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.AccountID, m.ConversationID, m.GatewayID, m.Direction,
		m.From, m.To, m.Content, m.Type, m.Status, m.Timestamp)
	return err
}

func (r *MessageRepository) MarkSent(ctx context.Context, id, gatewayID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE messages SET status = 'SENT', gateway_id = $2 WHERE id = $1`, id, gatewayID)
	return err
}

func (r *MessageRepository) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE messages SET status = 'FAILED', error = $2 WHERE id = $1`, id, reason)
	return err
}

// UpdateStatusByGatewayID applies receipt-driven transitions. Statuses only
// move forward: a late delivery receipt never demotes a READ message.
func (r *MessageRepository) UpdateStatusByGatewayID(ctx context.Context, accountID, gatewayID string, status entities.MessageStatus) error {
	var allowed string
	switch status {
	case entities.MessageDelivered:
		allowed = "SENT"
	case entities.MessageRead:
		allowed = "SENT,DELIVERED"
	default:
		return &entities.ValidationError{Reason: "unsupported receipt status " + string(status)}
	}
	_, err := r.db.Exec(ctx,
		`UPDATE messages SET status = $3
		 WHERE account_id = $1 AND gateway_id = $2 AND status = ANY(string_to_array($4, ','))`,
		accountID, gatewayID, status, allowed)
	return err
}
