package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	Pool *pgxpool.Pool
}

func NewPostgresClient(connString string) (*PostgresClient, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	// Pool configuration
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	client := &PostgresClient{Pool: pool}

	// Auto-migrate schema
	if err := client.Migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return client, nil
}

func (p *PostgresClient) Migrate() error {
	ctx := context.Background()

	statements := []struct {
		name string
		ddl  string
	}{
		{"accounts", `
			CREATE TABLE IF NOT EXISTS accounts (
				id VARCHAR(64) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				phone VARCHAR(32) DEFAULT '',
				status VARCHAR(20) NOT NULL DEFAULT 'DISCONNECTED',
				pairing_code TEXT DEFAULT '',
				session_blob TEXT DEFAULT '',
				last_heartbeat TIMESTAMPTZ,
				last_error TEXT DEFAULT '',
				created_at TIMESTAMPTZ DEFAULT now(),
				updated_at TIMESTAMPTZ DEFAULT now()
			);
		`},
		{"conversations", `
			CREATE TABLE IF NOT EXISTS conversations (
				id VARCHAR(64) PRIMARY KEY,
				account_id VARCHAR(64) NOT NULL REFERENCES accounts(id),
				phone VARCHAR(32) NOT NULL,
				lead_name VARCHAR(255) DEFAULT '',
				lead_status VARCHAR(50) DEFAULT 'new',
				tags TEXT[] DEFAULT '{}',
				unread_count INT DEFAULT 0,
				last_activity TIMESTAMPTZ DEFAULT now(),
				created_at TIMESTAMPTZ DEFAULT now(),
				UNIQUE(account_id, phone)
			);
		`},
		{"flows", `
			CREATE TABLE IF NOT EXISTS flows (
				id VARCHAR(64) PRIMARY KEY,
				account_id VARCHAR(64) NOT NULL REFERENCES accounts(id),
				name VARCHAR(255) NOT NULL,
				is_active BOOLEAN DEFAULT false,
				created_at TIMESTAMPTZ DEFAULT now(),
				updated_at TIMESTAMPTZ DEFAULT now()
			);
		`},
		{"flow_steps", `
			CREATE TABLE IF NOT EXISTS flow_steps (
				id VARCHAR(64) PRIMARY KEY,
				flow_id VARCHAR(64) NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
				position INT NOT NULL,
				name VARCHAR(100) DEFAULT '',
				type VARCHAR(20) NOT NULL,
				content TEXT DEFAULT '',
				delay_minutes INT DEFAULT 0,
				condition TEXT DEFAULT '',
				branch_to VARCHAR(100) DEFAULT '',
				else_branch_to VARCHAR(100) DEFAULT '',
				action VARCHAR(100) DEFAULT '',
				action_params JSONB DEFAULT '{}',
				UNIQUE(flow_id, position)
			);
		`},
		{"flow_triggers", `
			CREATE TABLE IF NOT EXISTS flow_triggers (
				id VARCHAR(64) PRIMARY KEY,
				flow_id VARCHAR(64) NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
				type VARCHAR(20) NOT NULL,
				keyword VARCHAR(255) DEFAULT '',
				cron_expr VARCHAR(100) DEFAULT '',
				conversation_id VARCHAR(64) DEFAULT '',
				is_active BOOLEAN DEFAULT true
			);
		`},
		{"flow_executions", `
			CREATE TABLE IF NOT EXISTS flow_executions (
				id VARCHAR(64) PRIMARY KEY,
				flow_id VARCHAR(64) NOT NULL REFERENCES flows(id),
				account_id VARCHAR(64) NOT NULL,
				conversation_id VARCHAR(64) NOT NULL,
				current_step INT DEFAULT 0,
				status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
				resume_at TIMESTAMPTZ,
				error TEXT DEFAULT '',
				started_at TIMESTAMPTZ DEFAULT now(),
				finished_at TIMESTAMPTZ
			);
		`},
		// One active execution per (flow, conversation); enforced here so
		// concurrent starts cannot both slip past the application check.
		{"flow_executions_active_idx", `
			CREATE UNIQUE INDEX IF NOT EXISTS ux_flow_executions_active
			ON flow_executions (flow_id, conversation_id)
			WHERE status IN ('PENDING','RUNNING','PAUSED');
		`},
		{"campaigns", `
			CREATE TABLE IF NOT EXISTS campaigns (
				id VARCHAR(64) PRIMARY KEY,
				account_id VARCHAR(64) NOT NULL REFERENCES accounts(id),
				name VARCHAR(255) NOT NULL,
				message TEXT NOT NULL,
				rate_limit_per_minute INT NOT NULL,
				typing_simulation BOOLEAN DEFAULT false,
				status VARCHAR(20) NOT NULL DEFAULT 'SCHEDULED',
				scheduled_at TIMESTAMPTZ,
				target_count INT DEFAULT 0,
				sent_count INT DEFAULT 0,
				delivered_count INT DEFAULT 0,
				read_count INT DEFAULT 0,
				failed_count INT DEFAULT 0,
				error TEXT DEFAULT '',
				created_at TIMESTAMPTZ DEFAULT now(),
				updated_at TIMESTAMPTZ DEFAULT now()
			);
		`},
		{"campaign_targets", `
			CREATE TABLE IF NOT EXISTS campaign_targets (
				id VARCHAR(64) PRIMARY KEY,
				campaign_id VARCHAR(64) NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
				phone VARCHAR(32) NOT NULL,
				variables JSONB DEFAULT '{}',
				status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
				gateway_message_id VARCHAR(128) DEFAULT '',
				error TEXT DEFAULT '',
				sent_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ DEFAULT now()
			);
		`},
		{"campaign_targets_gateway_idx", `
			CREATE INDEX IF NOT EXISTS ix_campaign_targets_gateway
			ON campaign_targets (gateway_message_id)
			WHERE gateway_message_id <> '';
		`},
		{"messages", `
			CREATE TABLE IF NOT EXISTS messages (
				id VARCHAR(64) PRIMARY KEY,
				account_id VARCHAR(64) NOT NULL,
				conversation_id VARCHAR(64) DEFAULT '',
				gateway_id VARCHAR(128) DEFAULT '',
				direction VARCHAR(3) NOT NULL,
				from_phone VARCHAR(32) DEFAULT '',
				to_phone VARCHAR(32) DEFAULT '',
				content TEXT DEFAULT '',
				type VARCHAR(20) DEFAULT 'text',
				status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
				error TEXT DEFAULT '',
				ts TIMESTAMPTZ DEFAULT now()
			);
		`},
		{"messages_gateway_idx", `
			CREATE INDEX IF NOT EXISTS ix_messages_gateway
			ON messages (account_id, gateway_id)
			WHERE gateway_id <> '';
		`},
	}

	for _, stmt := range statements {
		if _, err := p.Pool.Exec(ctx, stmt.ddl); err != nil {
			return fmt.Errorf("create %s: %w", stmt.name, err)
		}
	}

	return nil
}

func (p *PostgresClient) Close() {
	p.Pool.Close()
}
