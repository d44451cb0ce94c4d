package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/juandastic/nutri-agent-bot/internal/models"
	"github.com/juandastic/nutri-agent-bot/internal/security"
	"github.com/juandastic/nutri-agent-bot/internal/store"
)

var (
	// ErrNotLinked means the user never linked a Google account.
	ErrNotLinked = errors.New("google account not linked")
	// ErrAuthExpired means stored credentials no longer work and the user
	// must go through the consent flow again.
	ErrAuthExpired = errors.New("google authorization expired")
)

const (
	defaultAPIBase = "https://sheets.googleapis.com/v4"

	spreadsheetTitle = "Nutritional Log"
	worksheetName    = "Nutritional Log"
)

var sheetHeaders = []string{"Id", "Date", "Meal Type", "Calories", "Proteins", "Carbs", "Fats", "Extra Details"}

// Mirror appends nutrition records to the user's Google Sheet. All writes are
// best effort from the caller's point of view: the database row is the source
// of truth and a failed mirror write never rolls it back.
type Mirror struct {
	log        *slog.Logger
	store      store.Store
	oauth      *OAuthClient
	encKey     []byte
	apiBase    string
	httpClient *http.Client
}

func NewMirror(log *slog.Logger, st store.Store, oauth *OAuthClient, encKey []byte) *Mirror {
	return &Mirror{
		log:        log,
		store:      st,
		oauth:      oauth,
		encKey:     encKey,
		apiBase:    defaultAPIBase,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Linked reports whether the user has a spreadsheet config on file.
func (m *Mirror) Linked(ctx context.Context, userID int64) (bool, error) {
	cfg, err := m.store.SpreadsheetConfig(ctx, userID)
	if err != nil {
		return false, err
	}
	return cfg != nil, nil
}

// SaveTokens encrypts and stores a fresh token pair after the OAuth callback.
// An existing spreadsheet id is preserved so relinking keeps the same sheet.
func (m *Mirror) SaveTokens(ctx context.Context, userID int64, accessToken, refreshToken string) error {
	accessEnc, err := security.EncryptToken(accessToken, m.encKey)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc, err := security.EncryptToken(refreshToken, m.encKey)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	var spreadsheetID *string
	if existing, err := m.store.SpreadsheetConfig(ctx, userID); err == nil && existing != nil && existing.SpreadsheetID != nil {
		spreadsheetID = existing.SpreadsheetID
	}

	_, err = m.store.SaveSpreadsheetConfig(ctx, userID, spreadsheetID, accessEnc, refreshEnc)
	return err
}

// AppendRecord mirrors one nutrition record into the user's sheet, creating
// the spreadsheet on first use. Returns the spreadsheet id written to.
func (m *Mirror) AppendRecord(ctx context.Context, userID int64, rec models.NutritionRecord) (string, error) {
	sess, err := m.session(ctx, userID)
	if err != nil {
		return "", err
	}

	spreadsheetID, err := m.ensureSpreadsheet(ctx, sess)
	if err != nil {
		return "", err
	}

	extra := ""
	if rec.ExtraDetails != nil {
		extra = *rec.ExtraDetails
	}
	row := []any{
		strconv.FormatInt(rec.ID, 10),
		rec.CreatedAt.Format("2006-01-02"),
		rec.MealType,
		rec.Calories,
		rec.Protein,
		rec.Carbs,
		rec.Fat,
		extra,
	}

	path := fmt.Sprintf("/spreadsheets/%s/values/%s!A:H:append?valueInputOption=RAW&insertDataOption=INSERT_ROWS",
		spreadsheetID, worksheetName)
	body := map[string]any{"values": [][]any{row}}

	if _, err := m.call(ctx, sess, http.MethodPost, path, body, nil); err != nil {
		return "", fmt.Errorf("append row: %w", err)
	}

	m.log.Info("sheet_row_appended",
		"user_id", userID,
		"spreadsheet_id", spreadsheetID,
		"meal_type", rec.MealType)
	return spreadsheetID, nil
}

// session holds decrypted credentials for a sequence of Sheets calls.
type mirrorSession struct {
	userID        int64
	accessToken   string
	refreshToken  string
	spreadsheetID string
	refreshed     bool
}

func (m *Mirror) session(ctx context.Context, userID int64) (*mirrorSession, error) {
	cfg, err := m.store.SpreadsheetConfig(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrNotLinked
	}

	access, err := security.DecryptToken(cfg.AccessTokenEnc, m.encKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	refresh, err := security.DecryptToken(cfg.RefreshTokenEnc, m.encKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}

	sess := &mirrorSession{userID: userID, accessToken: access, refreshToken: refresh}
	if cfg.SpreadsheetID != nil {
		sess.spreadsheetID = *cfg.SpreadsheetID
	}
	return sess, nil
}

// ensureSpreadsheet returns the spreadsheet id to write to, creating a new
// spreadsheet when none is on file or the stored one was deleted.
func (m *Mirror) ensureSpreadsheet(ctx context.Context, sess *mirrorSession) (string, error) {
	if sess.spreadsheetID == "" {
		return m.createSpreadsheet(ctx, sess)
	}

	path := fmt.Sprintf("/spreadsheets/%s/values/A1:H1", sess.spreadsheetID)
	status, err := m.call(ctx, sess, http.MethodGet, path, nil, nil)
	if status == http.StatusNotFound {
		m.log.Warn("spreadsheet_missing_recreating",
			"user_id", sess.userID,
			"spreadsheet_id", sess.spreadsheetID)
		return m.createSpreadsheet(ctx, sess)
	}
	if err != nil {
		return "", err
	}
	return sess.spreadsheetID, nil
}

func (m *Mirror) createSpreadsheet(ctx context.Context, sess *mirrorSession) (string, error) {
	headerCells := make([]map[string]any, 0, len(sheetHeaders))
	for _, h := range sheetHeaders {
		headerCells = append(headerCells, map[string]any{
			"userEnteredValue": map[string]any{"stringValue": h},
		})
	}
	body := map[string]any{
		"properties": map[string]any{"title": spreadsheetTitle},
		"sheets": []map[string]any{{
			"properties": map[string]any{"title": worksheetName},
			"data": []map[string]any{{
				"rowData": []map[string]any{{"values": headerCells}},
			}},
		}},
	}

	var created struct {
		SpreadsheetID string `json:"spreadsheetId"`
	}
	if _, err := m.call(ctx, sess, http.MethodPost, "/spreadsheets", body, &created); err != nil {
		return "", fmt.Errorf("create spreadsheet: %w", err)
	}
	if created.SpreadsheetID == "" {
		return "", fmt.Errorf("create spreadsheet: empty id in response")
	}

	if err := m.store.UpdateSpreadsheetID(ctx, sess.userID, created.SpreadsheetID); err != nil {
		return "", fmt.Errorf("persist spreadsheet id: %w", err)
	}
	sess.spreadsheetID = created.SpreadsheetID

	m.log.Info("spreadsheet_created",
		"user_id", sess.userID,
		"spreadsheet_id", created.SpreadsheetID)
	return created.SpreadsheetID, nil
}

// call performs one Sheets API request, refreshing the access token once on a
// 401 and persisting the rotated tokens. Returns the final HTTP status.
func (m *Mirror) call(ctx context.Context, sess *mirrorSession, method, path string, body, out any) (int, error) {
	status, respBody, err := m.do(ctx, sess.accessToken, method, path, body)
	if err != nil {
		return 0, err
	}

	if status == http.StatusUnauthorized && !sess.refreshed {
		if err := m.refreshSession(ctx, sess); err != nil {
			return status, err
		}
		status, respBody, err = m.do(ctx, sess.accessToken, method, path, body)
		if err != nil {
			return 0, err
		}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return status, fmt.Errorf("%w: sheets api status %d", ErrAuthExpired, status)
	case status == http.StatusNotFound:
		return status, fmt.Errorf("sheets api: not found")
	case status >= 400:
		return status, fmt.Errorf("sheets api: status %d: %s", status, truncate(respBody, 200))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return status, fmt.Errorf("sheets api: decode: %w", err)
		}
	}
	return status, nil
}

func (m *Mirror) refreshSession(ctx context.Context, sess *mirrorSession) error {
	sess.refreshed = true

	newAccess, newRefresh, err := m.oauth.RefreshAccessToken(ctx, sess.refreshToken)
	if err != nil {
		return err
	}
	sess.accessToken = newAccess

	accessEnc, err := security.EncryptToken(newAccess, m.encKey)
	if err != nil {
		return fmt.Errorf("encrypt refreshed token: %w", err)
	}
	var refreshEnc *string
	if newRefresh != "" {
		sess.refreshToken = newRefresh
		enc, err := security.EncryptToken(newRefresh, m.encKey)
		if err != nil {
			return fmt.Errorf("encrypt rotated refresh token: %w", err)
		}
		refreshEnc = &enc
	}

	if err := m.store.UpdateSpreadsheetTokens(ctx, sess.userID, accessEnc, refreshEnc); err != nil {
		return fmt.Errorf("persist refreshed tokens: %w", err)
	}

	m.log.Info("sheet_token_refreshed", "user_id", sess.userID, "rotated_refresh", newRefresh != "")
	return nil
}

func (m *Mirror) do(ctx context.Context, token, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.apiBase+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("sheets api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
