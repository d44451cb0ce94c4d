package db

import "context"

// Bootstrap creates the schema if it does not exist yet. Statements are
// idempotent so every entrypoint can call this at startup.
func (d *DB) Bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id               bigserial PRIMARY KEY,
			external_user_id text NOT NULL UNIQUE,
			web_user_id      text UNIQUE,
			username         text,
			first_name       text,
			created_at       timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id               bigserial PRIMARY KEY,
			external_chat_id text NOT NULL UNIQUE,
			user_id          bigint REFERENCES users(id),
			chat_type        text,
			created_at       timestamptz NOT NULL DEFAULT now(),
			last_active_at   timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id                  bigserial PRIMARY KEY,
			chat_id             bigint NOT NULL REFERENCES chats(id),
			platform_message_id bigint,
			text                text,
			role                text NOT NULL CHECK (role IN ('user','bot')),
			message_type        text NOT NULL CHECK (message_type IN ('text','photo','document')),
			from_user_id        bigint REFERENCES users(id),
			created_at          timestamptz NOT NULL DEFAULT now()
		)`,
		// idempotency key: a redelivered platform message must hit this index
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_messages_chat_platform
			ON messages (chat_id, platform_message_id)
			WHERE platform_message_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS ix_messages_chat_created
			ON messages (chat_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS nutrition_records (
			id            bigserial PRIMARY KEY,
			user_id       bigint NOT NULL REFERENCES users(id),
			calories      double precision NOT NULL CHECK (calories >= 0),
			protein       double precision NOT NULL CHECK (protein >= 0),
			carbs         double precision NOT NULL CHECK (carbs >= 0),
			fat           double precision NOT NULL CHECK (fat >= 0),
			meal_type     text NOT NULL CHECK (meal_type <> ''),
			extra_details text,
			created_at    timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS ix_nutrition_user_created
			ON nutrition_records (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS spreadsheet_configs (
			id                bigserial PRIMARY KEY,
			user_id           bigint NOT NULL UNIQUE REFERENCES users(id),
			spreadsheet_id    text,
			access_token_enc  text NOT NULL,
			refresh_token_enc text NOT NULL,
			created_at        timestamptz NOT NULL DEFAULT now(),
			updated_at        timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS linking_codes (
			code        text PRIMARY KEY,
			web_user_id text NOT NULL,
			email       text,
			created_at  timestamptz NOT NULL DEFAULT now(),
			expires_at  timestamptz NOT NULL,
			claimed_by  bigint REFERENCES users(id)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := d.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
