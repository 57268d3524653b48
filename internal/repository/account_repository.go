package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"waflow/internal/entities"
)

type AccountRepository struct {
	db *pgxpool.Pool
}

func NewAccountRepository(db *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, a *entities.Account) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO accounts (id, name, phone, status) VALUES ($1, $2, $3, $4)`,
		a.ID, a.Name, a.Phone, entities.StatusDisconnected)
	return err
}

func (r *AccountRepository) Get(ctx context.Context, id string) (*entities.Account, error) {
	var a entities.Account
	var lastHeartbeat *time.Time
	err := r.db.QueryRow(ctx,
		`SELECT id, name, phone, status, pairing_code, session_blob, last_heartbeat, last_error, created_at, updated_at
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.Phone, &a.Status, &a.PairingCode, &a.SessionBlob,
			&lastHeartbeat, &a.LastError, &a.CreatedAt, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, &entities.NotFoundError{Kind: "account", ID: id}
	}
	if err != nil {
		return nil, err
	}
	if lastHeartbeat != nil {
		a.LastHeartbeat = *lastHeartbeat
	}
	return &a, nil
}

func (r *AccountRepository) UpdateStatus(ctx context.Context, id string, status entities.ConnectionStatus, reason string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts SET status = $2, last_error = $3, updated_at = now() WHERE id = $1`,
		id, status, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &entities.NotFoundError{Kind: "account", ID: id}
	}
	return nil
}

func (r *AccountRepository) SavePairing(ctx context.Context, id, code string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE accounts SET pairing_code = $2, updated_at = now() WHERE id = $1`, id, code)
	return err
}

func (r *AccountRepository) ClearSession(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE accounts SET pairing_code = '', session_blob = '', updated_at = now() WHERE id = $1`, id)
	return err
}

func (r *AccountRepository) SaveHeartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE accounts SET last_heartbeat = $2 WHERE id = $1`, id, at)
	return err
}

func (r *AccountRepository) ListByStatus(ctx context.Context, status entities.ConnectionStatus) ([]entities.Account, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, name, phone, status, last_error, created_at, updated_at
		 FROM accounts WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entities.Account
	for rows.Next() {
		var a entities.Account
		if err := rows.Scan(&a.ID, &a.Name, &a.Phone, &a.Status, &a.LastError, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
