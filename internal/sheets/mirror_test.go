package sheets

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/juandastic/nutri-agent-bot/internal/models"
	"github.com/juandastic/nutri-agent-bot/internal/security"
	"github.com/juandastic/nutri-agent-bot/internal/store"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMirror(t *testing.T, apiBase, tokenURL string) (*Mirror, store.Store) {
	t.Helper()
	st := store.NewMemory()
	oauth := NewOAuthClient(testLogger(), "client-id", "client-secret")
	if tokenURL != "" {
		oauth.tokenURL = tokenURL
	}
	m := NewMirror(testLogger(), st, oauth, testKey)
	if apiBase != "" {
		m.apiBase = apiBase
	}
	return m, st
}

func linkUser(t *testing.T, m *Mirror, st store.Store, spreadsheetID string) int64 {
	t.Helper()
	ctx := context.Background()
	name := "tester"
	u, err := st.UpsertUser(ctx, "100", &name, nil)
	if err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	if err := m.SaveTokens(ctx, u.ID, "access-token", "refresh-token"); err != nil {
		t.Fatalf("save tokens: %v", err)
	}
	if spreadsheetID != "" {
		if err := st.UpdateSpreadsheetID(ctx, u.ID, spreadsheetID); err != nil {
			t.Fatalf("set spreadsheet id: %v", err)
		}
	}
	return u.ID
}

func testRecord() models.NutritionRecord {
	extra := "grilled chicken 150g"
	return models.NutritionRecord{
		ID:           7,
		Calories:     450,
		Protein:      35,
		Carbs:        10,
		Fat:          28,
		MealType:     "lunch",
		ExtraDetails: &extra,
		CreatedAt:    time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
}

func TestAppendRecord_NotLinked(t *testing.T) {
	m, st := newTestMirror(t, "", "")
	name := "tester"
	u, _ := st.UpsertUser(context.Background(), "100", &name, nil)

	_, err := m.AppendRecord(context.Background(), u.ID, testRecord())
	if !errors.Is(err, ErrNotLinked) {
		t.Fatalf("expected ErrNotLinked, got %v", err)
	}
}

func TestAppendRecord_ExistingSpreadsheet(t *testing.T) {
	var appendBody struct {
		Values [][]any `json:"values"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/values/A1:H1"):
			json.NewEncoder(w).Encode(map[string]any{"values": [][]string{sheetHeaders}})
		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, ":append"):
			if got := r.Header.Get("Authorization"); got != "Bearer access-token" {
				t.Errorf("unexpected auth header %q", got)
			}
			json.NewDecoder(r.Body).Decode(&appendBody)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("{}"))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	m, st := newTestMirror(t, srv.URL, "")
	userID := linkUser(t, m, st, "sheet-123")

	id, err := m.AppendRecord(context.Background(), userID, testRecord())
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id != "sheet-123" {
		t.Errorf("expected sheet-123, got %q", id)
	}

	if len(appendBody.Values) != 1 {
		t.Fatalf("expected one appended row, got %d", len(appendBody.Values))
	}
	row := appendBody.Values[0]
	if len(row) != 8 {
		t.Fatalf("expected 8 cells, got %d", len(row))
	}
	if row[0] != "7" || row[1] != "2026-03-14" || row[2] != "lunch" {
		t.Errorf("unexpected row prefix: %v", row[:3])
	}
	if row[3].(float64) != 450 || row[7] != "grilled chicken 150g" {
		t.Errorf("unexpected row values: %v", row)
	}
}

func TestAppendRecord_CreatesSpreadsheetOnFirstUse(t *testing.T) {
	var created bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/spreadsheets":
			created = true
			json.NewEncoder(w).Encode(map[string]string{"spreadsheetId": "fresh-sheet"})
		case strings.Contains(r.URL.Path, ":append"):
			if !strings.Contains(r.URL.Path, "fresh-sheet") {
				t.Errorf("append should target the new sheet, path %s", r.URL.Path)
			}
			w.Write([]byte("{}"))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	m, st := newTestMirror(t, srv.URL, "")
	userID := linkUser(t, m, st, "")

	id, err := m.AppendRecord(context.Background(), userID, testRecord())
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !created || id != "fresh-sheet" {
		t.Fatalf("expected spreadsheet creation, created=%v id=%q", created, id)
	}

	// id must be persisted for the next append
	cfg, err := st.SpreadsheetConfig(context.Background(), userID)
	if err != nil || cfg == nil || cfg.SpreadsheetID == nil || *cfg.SpreadsheetID != "fresh-sheet" {
		t.Errorf("spreadsheet id not persisted: %+v err=%v", cfg, err)
	}
}

func TestAppendRecord_RecreatesDeletedSpreadsheet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "gone-sheet"):
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":404}}`))
		case r.Method == http.MethodPost && r.URL.Path == "/spreadsheets":
			json.NewEncoder(w).Encode(map[string]string{"spreadsheetId": "replacement"})
		case strings.Contains(r.URL.Path, ":append"):
			w.Write([]byte("{}"))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	m, st := newTestMirror(t, srv.URL, "")
	userID := linkUser(t, m, st, "gone-sheet")

	id, err := m.AppendRecord(context.Background(), userID, testRecord())
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id != "replacement" {
		t.Errorf("expected replacement sheet, got %q", id)
	}
}

func TestAppendRecord_RefreshesExpiredToken(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "refresh-token" {
			t.Errorf("unexpected token form: %v", r.Form)
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": "new-access"})
	}))
	defer tokenSrv.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer new-access" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("{}"))
			return
		}
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	m, st := newTestMirror(t, srv.URL, tokenSrv.URL)
	userID := linkUser(t, m, st, "sheet-123")

	if _, err := m.AppendRecord(context.Background(), userID, testRecord()); err != nil {
		t.Fatalf("append after refresh: %v", err)
	}

	// refreshed token must be persisted encrypted
	cfg, _ := st.SpreadsheetConfig(context.Background(), userID)
	access, err := security.DecryptToken(cfg.AccessTokenEnc, testKey)
	if err != nil {
		t.Fatalf("decrypt persisted token: %v", err)
	}
	if access != "new-access" {
		t.Errorf("expected persisted new-access, got %q", access)
	}
}

func TestAppendRecord_RevokedGrantSurfacesAuthExpired(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant", "error_description": "Token has been revoked."})
	}))
	defer tokenSrv.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	m, st := newTestMirror(t, srv.URL, tokenSrv.URL)
	userID := linkUser(t, m, st, "sheet-123")

	_, err := m.AppendRecord(context.Background(), userID, testRecord())
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
}

func TestAuthorizationURL(t *testing.T) {
	oauth := NewOAuthClient(testLogger(), "client-id", "client-secret")
	u := oauth.AuthorizationURL("nonce-1", "https://bot.example/auth/google/callback")

	for _, want := range []string{
		"client_id=client-id",
		"state=nonce-1",
		"access_type=offline",
		"prompt=consent",
		"spreadsheets",
	} {
		if !strings.Contains(u, want) {
			t.Errorf("authorization url missing %q: %s", want, u)
		}
	}
}
