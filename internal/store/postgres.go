package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/juandastic/nutri-agent-bot/internal/db"
	"github.com/juandastic/nutri-agent-bot/internal/models"
)

type Postgres struct {
	db *db.DB
}

func NewPostgres(dbConn *db.DB) *Postgres {
	return &Postgres{db: dbConn}
}

func (s *Postgres) UpsertUser(ctx context.Context, externalUserID string, username, firstName *string) (models.User, error) {
	var u models.User
	// keyed on external id; existing rows keep their identity but pick up
	// fresher profile fields when telegram sends them
	err := s.db.Pool.QueryRow(ctx,
		`INSERT INTO users (external_user_id, username, first_name)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (external_user_id) DO UPDATE SET
			username   = COALESCE(EXCLUDED.username, users.username),
			first_name = COALESCE(EXCLUDED.first_name, users.first_name)
		 RETURNING id, external_user_id, web_user_id, username, first_name, created_at`,
		externalUserID, username, firstName,
	).Scan(&u.ID, &u.ExternalUserID, &u.WebUserID, &u.Username, &u.FirstName, &u.CreatedAt)
	return u, err
}

func (s *Postgres) UserByExternalID(ctx context.Context, externalUserID string) (models.User, error) {
	var u models.User
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, external_user_id, web_user_id, username, first_name, created_at
		 FROM users WHERE external_user_id = $1`,
		externalUserID,
	).Scan(&u.ID, &u.ExternalUserID, &u.WebUserID, &u.Username, &u.FirstName, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	return u, err
}

func (s *Postgres) UpsertChat(ctx context.Context, externalChatID string, userID *int64, chatType string) (models.Chat, error) {
	var c models.Chat
	err := s.db.Pool.QueryRow(ctx,
		`INSERT INTO chats (external_chat_id, user_id, chat_type)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (external_chat_id) DO UPDATE SET
			last_active_at = GREATEST(chats.last_active_at, now())
		 RETURNING id, external_chat_id, user_id, chat_type, created_at, last_active_at`,
		externalChatID, userID, chatType,
	).Scan(&c.ID, &c.ExternalChatID, &c.UserID, &c.ChatType, &c.CreatedAt, &c.LastActiveAt)
	return c, err
}

func (s *Postgres) ChatByExternalID(ctx context.Context, externalChatID string) (models.Chat, error) {
	var c models.Chat
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, external_chat_id, user_id, chat_type, created_at, last_active_at
		 FROM chats WHERE external_chat_id = $1`,
		externalChatID,
	).Scan(&c.ID, &c.ExternalChatID, &c.UserID, &c.ChatType, &c.CreatedAt, &c.LastActiveAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Chat{}, ErrNotFound
	}
	return c, err
}

func (s *Postgres) AppendMessage(ctx context.Context, p AppendMessageParams) (models.Message, error) {
	var m models.Message
	err := s.db.Pool.QueryRow(ctx,
		`INSERT INTO messages (chat_id, platform_message_id, text, role, message_type, from_user_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, chat_id, platform_message_id, text, role, message_type, from_user_id, created_at`,
		p.ChatID, p.PlatformMessageID, p.Text, p.Role, p.MessageType, p.FromUserID,
	).Scan(&m.ID, &m.ChatID, &m.PlatformMessageID, &m.Text, &m.Role, &m.MessageType, &m.FromUserID, &m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.Message{}, ErrDuplicateMessage
		}
		return models.Message{}, err
	}
	return m, nil
}

func (s *Postgres) RecentMessages(ctx context.Context, chatID int64, limit int) ([]models.Message, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, chat_id, platform_message_id, text, role, message_type, from_user_id, created_at
		 FROM messages WHERE chat_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		chatID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.PlatformMessageID, &m.Text, &m.Role, &m.MessageType, &m.FromUserID, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// reverse into chronological order, oldest first
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Postgres) AppendNutritionRecord(ctx context.Context, userID int64, calories, protein, carbs, fat float64, mealType string, extraDetails *string) (models.NutritionRecord, error) {
	var r models.NutritionRecord
	err := s.db.Pool.QueryRow(ctx,
		`INSERT INTO nutrition_records (user_id, calories, protein, carbs, fat, meal_type, extra_details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, user_id, calories, protein, carbs, fat, meal_type, extra_details, created_at`,
		userID, calories, protein, carbs, fat, mealType, extraDetails,
	).Scan(&r.ID, &r.UserID, &r.Calories, &r.Protein, &r.Carbs, &r.Fat, &r.MealType, &r.ExtraDetails, &r.CreatedAt)
	return r, err
}

func (s *Postgres) RecentNutritionRecords(ctx context.Context, userID int64, limit int) ([]models.NutritionRecord, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, user_id, calories, protein, carbs, fat, meal_type, extra_details, created_at
		 FROM nutrition_records WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNutritionRows(rows)
}

func (s *Postgres) NutritionRecordsBetween(ctx context.Context, userID int64, from, to time.Time) ([]models.NutritionRecord, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, user_id, calories, protein, carbs, fat, meal_type, extra_details, created_at
		 FROM nutrition_records
		 WHERE user_id = $1 AND created_at >= $2 AND created_at <= $3
		 ORDER BY created_at ASC, id ASC`,
		userID, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNutritionRows(rows)
}

func scanNutritionRows(rows pgx.Rows) ([]models.NutritionRecord, error) {
	var recs []models.NutritionRecord
	for rows.Next() {
		var r models.NutritionRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.Calories, &r.Protein, &r.Carbs, &r.Fat, &r.MealType, &r.ExtraDetails, &r.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *Postgres) SpreadsheetConfig(ctx context.Context, userID int64) (*models.SpreadsheetConfig, error) {
	var c models.SpreadsheetConfig
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, user_id, spreadsheet_id, access_token_enc, refresh_token_enc, created_at, updated_at
		 FROM spreadsheet_configs WHERE user_id = $1`,
		userID,
	).Scan(&c.ID, &c.UserID, &c.SpreadsheetID, &c.AccessTokenEnc, &c.RefreshTokenEnc, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Postgres) SaveSpreadsheetConfig(ctx context.Context, userID int64, spreadsheetID *string, accessTokenEnc, refreshTokenEnc string) (models.SpreadsheetConfig, error) {
	var c models.SpreadsheetConfig
	err := s.db.Pool.QueryRow(ctx,
		`INSERT INTO spreadsheet_configs (user_id, spreadsheet_id, access_token_enc, refresh_token_enc)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE SET
			spreadsheet_id    = COALESCE(EXCLUDED.spreadsheet_id, spreadsheet_configs.spreadsheet_id),
			access_token_enc  = EXCLUDED.access_token_enc,
			refresh_token_enc = EXCLUDED.refresh_token_enc,
			updated_at        = now()
		 RETURNING id, user_id, spreadsheet_id, access_token_enc, refresh_token_enc, created_at, updated_at`,
		userID, spreadsheetID, accessTokenEnc, refreshTokenEnc,
	).Scan(&c.ID, &c.UserID, &c.SpreadsheetID, &c.AccessTokenEnc, &c.RefreshTokenEnc, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *Postgres) UpdateSpreadsheetTokens(ctx context.Context, userID int64, accessTokenEnc string, refreshTokenEnc *string) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE spreadsheet_configs SET
			access_token_enc  = $2,
			refresh_token_enc = COALESCE($3, refresh_token_enc),
			updated_at        = now()
		 WHERE user_id = $1`,
		userID, accessTokenEnc, refreshTokenEnc,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) UpdateSpreadsheetID(ctx context.Context, userID int64, spreadsheetID string) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE spreadsheet_configs SET spreadsheet_id = $2, updated_at = now() WHERE user_id = $1`,
		userID, spreadsheetID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) CreateLinkingCode(ctx context.Context, code, webUserID string, email *string, ttl time.Duration) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO linking_codes (code, web_user_id, email, expires_at)
		 VALUES ($1, $2, $3, now() + $4)`,
		code, webUserID, email, ttl,
	)
	return err
}

func (s *Postgres) ClaimLinkingCode(ctx context.Context, code string, userID int64) (models.LinkingCode, error) {
	var lc models.LinkingCode
	err := s.db.Pool.QueryRow(ctx,
		`UPDATE linking_codes SET claimed_by = $2
		 WHERE code = $1 AND claimed_by IS NULL AND expires_at > now()
		 RETURNING code, web_user_id, email, created_at, expires_at, claimed_by`,
		code, userID,
	).Scan(&lc.Code, &lc.WebUserID, &lc.Email, &lc.CreatedAt, &lc.ExpiresAt, &lc.ClaimedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LinkingCode{}, ErrLinkCodeInvalid
	}
	if err != nil {
		return models.LinkingCode{}, err
	}

	// attach the web identity to the claiming user
	_, err = s.db.Pool.Exec(ctx,
		`UPDATE users SET web_user_id = $2 WHERE id = $1`,
		userID, lc.WebUserID,
	)
	if err != nil {
		return models.LinkingCode{}, err
	}
	return lc, nil
}

// ResetUserData deletes everything tied to the user in one transaction; a
// failure mid-sequence leaves no partial deletion behind.
func (s *Postgres) ResetUserData(ctx context.Context, userID int64) (models.ResetSummary, error) {
	var sum models.ResetSummary

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return sum, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM messages
		 WHERE from_user_id = $1
		    OR chat_id IN (SELECT id FROM chats WHERE user_id = $1)`,
		userID,
	)
	if err != nil {
		return models.ResetSummary{}, err
	}
	sum.MessagesDeleted = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM chats WHERE user_id = $1`, userID)
	if err != nil {
		return models.ResetSummary{}, err
	}
	sum.ChatsDeleted = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM spreadsheet_configs WHERE user_id = $1`, userID)
	if err != nil {
		return models.ResetSummary{}, err
	}
	sum.ConfigsDeleted = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM nutrition_records WHERE user_id = $1`, userID)
	if err != nil {
		return models.ResetSummary{}, err
	}
	sum.NutritionDeleted = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return models.ResetSummary{}, err
	}
	return sum, nil
}
