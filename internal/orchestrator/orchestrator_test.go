package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/juandastic/nutri-agent-bot/internal/agent"
	"github.com/juandastic/nutri-agent-bot/internal/models"
	"github.com/juandastic/nutri-agent-bot/internal/redis"
	"github.com/juandastic/nutri-agent-bot/internal/sheets"
	"github.com/juandastic/nutri-agent-bot/internal/store"
)

// fakeAgent returns scripted outcomes and records what it was asked.
type fakeAgent struct {
	mu      sync.Mutex
	outcome agent.Outcome
	err     error
	calls   int
	history []agent.Turn
	input   agent.Input
}

func (f *fakeAgent) ProcessTurn(_ context.Context, history []agent.Turn, input agent.Input) (agent.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.history = history
	f.input = input
	return f.outcome, f.err
}

// fakeBot records outbound messages and serves canned photo bytes.
type fakeBot struct {
	mu     sync.Mutex
	sent   []string
	photos map[string][]byte
}

func (f *fakeBot) SendMessage(_ context.Context, _ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeBot) SendMessageWithMarkup(ctx context.Context, chatID int64, text string, _ any) error {
	return f.SendMessage(ctx, chatID, text)
}

func (f *fakeBot) GetFile(_ context.Context, fileID string) (models.TelegramFile, error) {
	return models.TelegramFile{FileID: fileID, FilePath: "photos/" + fileID}, nil
}

func (f *fakeBot) DownloadFile(ctx context.Context, filePath string) ([]byte, error) {
	return f.DownloadPhoto(ctx, strings.TrimPrefix(filePath, "photos/"))
}

func (f *fakeBot) DownloadPhoto(_ context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.photos[fileID]; ok {
		return data, nil
	}
	return []byte("img:" + fileID), nil
}

func (f *fakeBot) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

// fakeMirror counts appends and can fail on demand.
type fakeMirror struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeMirror) AppendRecord(_ context.Context, _ int64, _ models.NutritionRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "sheet-123", nil
}

// failOnceLedger fails the first nutrition append and recovers afterwards.
type failOnceLedger struct {
	store.Store
	mu     sync.Mutex
	failed bool
}

func (f *failOnceLedger) AppendNutritionRecord(ctx context.Context, userID int64, calories, protein, carbs, fat float64, mealType string, extraDetails *string) (models.NutritionRecord, error) {
	f.mu.Lock()
	first := !f.failed
	f.failed = true
	f.mu.Unlock()
	if first {
		return models.NutritionRecord{}, errors.New("connection reset by peer")
	}
	return f.Store.AppendNutritionRecord(ctx, userID, calories, protein, carbs, fat, mealType, extraDetails)
}

type testEnv struct {
	orch   *Orchestrator
	store  store.Store
	redis  *redis.Client
	agent  *fakeAgent
	bot    *fakeBot
	mirror *fakeMirror
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, store.NewMemory())
}

func newTestEnvWithStore(t *testing.T, st store.Store) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rc := redis.NewFromRDB(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))

	ag := &fakeAgent{}
	bot := &fakeBot{photos: map[string][]byte{}}
	mirror := &fakeMirror{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	orch := New(log, st, rc, ag, bot, mirror, nil, 10, "https://bot.example.com")
	return &testEnv{orch: orch, store: st, redis: rc, agent: ag, bot: bot, mirror: mirror}
}

func extractionOutcome() agent.Outcome {
	return agent.Outcome{
		Kind: agent.OutcomeExtraction,
		Extraction: agent.Extraction{
			Calories: 450, Protein: 35, Carbs: 10, Fat: 28,
			MealType: "lunch", ExtraDetails: "grilled chicken salad",
		},
	}
}

func textTurn(pmid int64, text string) TurnRequest {
	return TurnRequest{
		ExternalUserID:    "1001",
		ExternalChatID:    "2002",
		ChatType:          "private",
		PlatformMessageID: &pmid,
		Text:              text,
	}
}

func (e *testEnv) userID(t *testing.T) int64 {
	t.Helper()
	u, err := e.store.UserByExternalID(context.Background(), "1001")
	if err != nil {
		t.Fatalf("lookup user: %v", err)
	}
	return u.ID
}

func TestProcessTurn_ClarificationWritesNoLedgerRow(t *testing.T) {
	e := newTestEnv(t)
	e.agent.outcome = agent.Outcome{Kind: agent.OutcomeClarification, Question: "What portion size was the rice?"}

	result, err := e.orch.ProcessTurn(context.Background(), textTurn(1, "I had rice"))
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if result.Recorded {
		t.Error("clarification must not record nutrition")
	}
	if result.Reply != "What portion size was the rice?" {
		t.Errorf("unexpected reply %q", result.Reply)
	}

	recs, _ := e.store.RecentNutritionRecords(context.Background(), e.userID(t), 10)
	if len(recs) != 0 {
		t.Errorf("expected empty ledger, got %d rows", len(recs))
	}
}

func TestProcessTurn_ExtractionRecordsAndMirrors(t *testing.T) {
	e := newTestEnv(t)
	e.agent.outcome = extractionOutcome()

	result, err := e.orch.ProcessTurn(context.Background(), textTurn(1, "chicken salad for lunch"))
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if !result.Recorded || result.Record == nil {
		t.Fatal("expected a recorded turn")
	}
	if !strings.Contains(result.Reply, "Logged lunch") || !strings.Contains(result.Reply, "450") {
		t.Errorf("confirmation missing meal summary: %q", result.Reply)
	}
	if strings.Contains(result.Reply, "⚠️") {
		t.Errorf("healthy mirror must not degrade the reply: %q", result.Reply)
	}

	recs, _ := e.store.RecentNutritionRecords(context.Background(), e.userID(t), 10)
	if len(recs) != 1 {
		t.Fatalf("expected 1 ledger row, got %d", len(recs))
	}
	if recs[0].Calories != 450 || recs[0].MealType != "lunch" {
		t.Errorf("unexpected ledger row %+v", recs[0])
	}
	if e.mirror.calls != 1 {
		t.Errorf("expected 1 mirror append, got %d", e.mirror.calls)
	}
}

func TestProcessTurn_DuplicateDeliveryReturnsCachedReply(t *testing.T) {
	e := newTestEnv(t)
	e.agent.outcome = extractionOutcome()

	first, err := e.orch.ProcessTurn(context.Background(), textTurn(42, "chicken salad"))
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	second, err := e.orch.ProcessTurn(context.Background(), textTurn(42, "chicken salad"))
	if err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("expected duplicate result")
	}
	if second.Reply != first.Reply {
		t.Errorf("duplicate must return the original reply, got %q want %q", second.Reply, first.Reply)
	}
	if e.agent.calls != 1 {
		t.Errorf("duplicate must not re-run the agent, calls=%d", e.agent.calls)
	}

	recs, _ := e.store.RecentNutritionRecords(context.Background(), e.userID(t), 10)
	if len(recs) != 1 {
		t.Errorf("duplicate must not double-record, got %d rows", len(recs))
	}
}

func TestProcessTurn_RedeliveryAfterLedgerFailureResumesTurn(t *testing.T) {
	e := newTestEnvWithStore(t, &failOnceLedger{Store: store.NewMemory()})
	e.agent.outcome = extractionOutcome()

	_, err := e.orch.ProcessTurn(context.Background(), textTurn(77, "chicken salad"))
	if !errors.Is(err, ErrLedgerWrite) {
		t.Fatalf("expected ledger write failure, got %v", err)
	}

	result, err := e.orch.ProcessTurn(context.Background(), textTurn(77, "chicken salad"))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !result.Recorded {
		t.Fatal("redelivery must complete the interrupted turn")
	}
	if !result.Duplicate {
		t.Error("resumed turn should report the redelivery")
	}
	if !strings.Contains(result.Reply, "Logged lunch") {
		t.Errorf("expected confirmation reply, got %q", result.Reply)
	}
	if e.agent.calls != 2 {
		t.Errorf("resume must re-run the agent, calls=%d", e.agent.calls)
	}
	if len(e.agent.history) != 0 {
		t.Errorf("resumed turn must not see its own message in history: %v", e.agent.history)
	}

	recs, _ := e.store.RecentNutritionRecords(context.Background(), e.userID(t), 10)
	if len(recs) != 1 {
		t.Errorf("expected exactly 1 ledger row after resume, got %d", len(recs))
	}
}

func TestProcessTurn_RedeliveryDuringActiveTurnStaysSilent(t *testing.T) {
	e := newTestEnvWithStore(t, &failOnceLedger{Store: store.NewMemory()})
	e.agent.outcome = extractionOutcome()

	if _, err := e.orch.ProcessTurn(context.Background(), textTurn(78, "pasta")); !errors.Is(err, ErrLedgerWrite) {
		t.Fatalf("expected ledger write failure, got %v", err)
	}
	// first delivery still running elsewhere
	if err := e.redis.MarkTurnInFlight(context.Background(), "2002", 78, time.Minute); err != nil {
		t.Fatalf("mark in flight: %v", err)
	}

	result, err := e.orch.ProcessTurn(context.Background(), textTurn(78, "pasta"))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !result.Duplicate || result.Recorded || result.Reply != "" {
		t.Errorf("concurrent redelivery must stay silent, got %+v", result)
	}
	if e.agent.calls != 1 {
		t.Errorf("concurrent redelivery must not re-run the agent, calls=%d", e.agent.calls)
	}
}

func TestProcessTurn_GroupChatHasNoOwner(t *testing.T) {
	e := newTestEnv(t)
	e.agent.outcome = agent.Outcome{Kind: agent.OutcomeClarification, Question: "ok"}

	group := textTurn(1, "team lunch")
	group.ExternalChatID = "-500"
	group.ChatType = "group"
	if _, err := e.orch.ProcessTurn(context.Background(), group); err != nil {
		t.Fatalf("group turn: %v", err)
	}
	if _, err := e.orch.ProcessTurn(context.Background(), textTurn(2, "my lunch")); err != nil {
		t.Fatalf("private turn: %v", err)
	}

	groupChat, err := e.store.ChatByExternalID(context.Background(), "-500")
	if err != nil {
		t.Fatalf("group chat lookup: %v", err)
	}
	if groupChat.UserID != nil {
		t.Errorf("group chat must not be owned by the first speaker, owner=%d", *groupChat.UserID)
	}

	privateChat, err := e.store.ChatByExternalID(context.Background(), "2002")
	if err != nil {
		t.Fatalf("private chat lookup: %v", err)
	}
	if privateChat.UserID == nil || *privateChat.UserID != e.userID(t) {
		t.Errorf("private chat must be owned by its user, got %v", privateChat.UserID)
	}
}

func TestProcessTurn_ModelUnavailableLeavesNoLedgerState(t *testing.T) {
	e := newTestEnv(t)
	e.agent.err = agent.ErrModelUnavailable

	result, err := e.orch.ProcessTurn(context.Background(), textTurn(1, "pasta"))
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if result.Reply != retryNotice {
		t.Errorf("expected retry notice, got %q", result.Reply)
	}

	recs, _ := e.store.RecentNutritionRecords(context.Background(), e.userID(t), 10)
	if len(recs) != 0 {
		t.Errorf("model failure must not write the ledger, got %d rows", len(recs))
	}
}

func TestProcessTurn_MirrorFailureDegradesReplyKeepsLedger(t *testing.T) {
	e := newTestEnv(t)
	e.agent.outcome = extractionOutcome()
	e.mirror.err = errors.New("sheets api: status 503")

	result, err := e.orch.ProcessTurn(context.Background(), textTurn(1, "chicken salad"))
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if !result.Recorded {
		t.Fatal("mirror failure must not fail the turn")
	}
	if !strings.Contains(result.Reply, "couldn't update your Google Sheet") {
		t.Errorf("expected degraded notice, got %q", result.Reply)
	}

	recs, _ := e.store.RecentNutritionRecords(context.Background(), e.userID(t), 10)
	if len(recs) != 1 {
		t.Errorf("ledger must survive mirror failure, got %d rows", len(recs))
	}
}

func TestProcessTurn_AuthExpiredMirrorSuggestsRelink(t *testing.T) {
	e := newTestEnv(t)
	e.agent.outcome = extractionOutcome()
	e.mirror.err = sheets.ErrAuthExpired

	result, err := e.orch.ProcessTurn(context.Background(), textTurn(1, "chicken salad"))
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if !strings.Contains(result.Reply, "authorization expired") {
		t.Errorf("expected relink hint, got %q", result.Reply)
	}
}

func TestProcessTurn_UnlinkedMirrorIsSilent(t *testing.T) {
	e := newTestEnv(t)
	e.agent.outcome = extractionOutcome()
	e.mirror.err = sheets.ErrNotLinked

	result, err := e.orch.ProcessTurn(context.Background(), textTurn(1, "chicken salad"))
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if strings.Contains(result.Reply, "⚠️") {
		t.Errorf("unlinked user must not see a warning: %q", result.Reply)
	}
}

func TestProcessTurn_HistoryExcludesCurrentMessageAndIsChronological(t *testing.T) {
	e := newTestEnv(t)
	e.agent.outcome = agent.Outcome{Kind: agent.OutcomeClarification, Question: "ok"}

	for i, text := range []string{"one", "two", "three"} {
		if _, err := e.orch.ProcessTurn(context.Background(), textTurn(int64(i+1), text)); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}

	// history for "three" holds the prior turns oldest first, without "three"
	var got []string
	for _, turn := range e.agent.history {
		got = append(got, turn.Role+":"+turn.Text)
	}
	want := []string{"user:one", "bot:ok", "user:two", "bot:ok"}
	if len(got) != len(want) {
		t.Fatalf("history %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("history %v, want %v", got, want)
		}
	}
	if e.agent.input.Text != "three" {
		t.Errorf("current input should be the new message, got %q", e.agent.input.Text)
	}
}

func TestProcessTurn_MissingIdentityWritesNothing(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.orch.ProcessTurn(context.Background(), TurnRequest{Text: "hi"})
	if !errors.Is(err, ErrIdentityResolution) {
		t.Fatalf("expected ErrIdentityResolution, got %v", err)
	}
	if e.agent.calls != 0 {
		t.Error("agent must not run without identity")
	}
}

func TestTurnToolbox_QueryNutritionFormatsLedgerRows(t *testing.T) {
	e := newTestEnv(t)
	e.agent.outcome = extractionOutcome()
	if _, err := e.orch.ProcessTurn(context.Background(), textTurn(1, "chicken salad")); err != nil {
		t.Fatalf("seed turn: %v", err)
	}

	tb := &turnToolbox{orch: e.orch, userID: e.userID(t), externalUserID: "1001"}

	out, err := tb.QueryNutrition(context.Background(), "", "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, want := range []string{"Meal: lunch", "Calories: 450", "Proteins: 35.0g", "Details: grilled chicken salad"} {
		if !strings.Contains(out, want) {
			t.Errorf("query output missing %q: %q", want, out)
		}
	}

	out, err = tb.QueryNutrition(context.Background(), "1999-01-01", "1999-01-02")
	if err != nil {
		t.Fatalf("ranged query: %v", err)
	}
	if out != "No nutritional records found." {
		t.Errorf("expected empty-range message, got %q", out)
	}
}

func TestTurnToolbox_RegisterGoogleAccount(t *testing.T) {
	e := newTestEnv(t)
	e.agent.outcome = agent.Outcome{Kind: agent.OutcomeClarification, Question: "ok"}
	if _, err := e.orch.ProcessTurn(context.Background(), textTurn(1, "hi")); err != nil {
		t.Fatalf("seed turn: %v", err)
	}

	tb := &turnToolbox{orch: e.orch, userID: e.userID(t), externalUserID: "1001"}

	out, err := tb.RegisterGoogleAccount(context.Background())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.Contains(out, "https://bot.example.com/auth/google?uid=1001") {
		t.Errorf("expected the authorization link, got %q", out)
	}

	if _, err := e.store.SaveSpreadsheetConfig(context.Background(), e.userID(t), nil, "enc-access", "enc-refresh"); err != nil {
		t.Fatalf("save config: %v", err)
	}
	out, err = tb.RegisterGoogleAccount(context.Background())
	if err != nil {
		t.Fatalf("register again: %v", err)
	}
	if !strings.Contains(out, "already connected") {
		t.Errorf("linked account should report connected, got %q", out)
	}
}

func privateMessage(pmid int64, text string) *models.TelegramMessage {
	return &models.TelegramMessage{
		MessageID: pmid,
		From:      &models.TelegramUser{ID: 1001, Username: "tester", FirstName: "Test"},
		Chat:      &models.TelegramChat{ID: 2002, Type: "private"},
		Text:      text,
	}
}

func TestHandleUpdate_TextMessageEndToEnd(t *testing.T) {
	e := newTestEnv(t)
	e.agent.outcome = extractionOutcome()

	update := models.TelegramUpdate{UpdateID: 1, Message: privateMessage(10, "chicken salad for lunch")}
	if err := e.orch.HandleUpdate(context.Background(), update); err != nil {
		t.Fatalf("handle update: %v", err)
	}

	if !strings.Contains(e.bot.lastSent(), "Logged lunch") {
		t.Errorf("expected confirmation sent, got %q", e.bot.lastSent())
	}
}

func TestHandleUpdate_PhotoWithCaption(t *testing.T) {
	e := newTestEnv(t)
	e.agent.outcome = agent.Outcome{Kind: agent.OutcomeClarification, Question: "How was it cooked?"}
	e.bot.photos["big"] = []byte("jpeg-bytes")

	msg := privateMessage(11, "")
	msg.Caption = "my dinner"
	msg.Photo = []models.TelegramPhotoSize{
		{FileID: "small", Width: 90},
		{FileID: "big", Width: 800},
	}

	if err := e.orch.HandleUpdate(context.Background(), models.TelegramUpdate{UpdateID: 2, Message: msg}); err != nil {
		t.Fatalf("handle update: %v", err)
	}

	if e.agent.input.Text != "my dinner" {
		t.Errorf("caption should be the turn text, got %q", e.agent.input.Text)
	}
	if len(e.agent.input.Images) != 1 || string(e.agent.input.Images[0]) != "jpeg-bytes" {
		t.Errorf("largest photo rendition should be downloaded, got %v", e.agent.input.Images)
	}
}

func TestHandleUpdate_ResetAccountCommand(t *testing.T) {
	e := newTestEnv(t)
	e.agent.outcome = extractionOutcome()

	// seed some data first
	if _, err := e.orch.ProcessTurn(context.Background(), textTurn(1, "chicken salad")); err != nil {
		t.Fatalf("seed turn: %v", err)
	}

	update := models.TelegramUpdate{UpdateID: 3, Message: privateMessage(12, "/reset_account")}
	if err := e.orch.HandleUpdate(context.Background(), update); err != nil {
		t.Fatalf("handle update: %v", err)
	}

	reply := e.bot.lastSent()
	if !strings.Contains(reply, "Account reset completed") {
		t.Fatalf("expected reset summary, got %q", reply)
	}
	if !strings.Contains(reply, "Nutritional records deleted: 1") {
		t.Errorf("expected per-table counts, got %q", reply)
	}
	if e.agent.calls != 1 {
		t.Errorf("commands must bypass the agent, calls=%d", e.agent.calls)
	}
}

func TestHandleUpdate_LinkCommandClaimsCode(t *testing.T) {
	e := newTestEnv(t)

	email := "user@example.com"
	if err := e.store.CreateLinkingCode(context.Background(), "A7K9M2X4", "web-1", &email, 10*time.Minute); err != nil {
		t.Fatalf("create code: %v", err)
	}

	update := models.TelegramUpdate{UpdateID: 4, Message: privateMessage(13, "/link A7K9M2X4")}
	if err := e.orch.HandleUpdate(context.Background(), update); err != nil {
		t.Fatalf("handle update: %v", err)
	}
	if !strings.Contains(e.bot.lastSent(), "Linked Successfully") {
		t.Fatalf("expected link success, got %q", e.bot.lastSent())
	}

	// second claim must fail
	update = models.TelegramUpdate{UpdateID: 5, Message: privateMessage(14, "/link A7K9M2X4")}
	if err := e.orch.HandleUpdate(context.Background(), update); err != nil {
		t.Fatalf("handle update: %v", err)
	}
	if !strings.Contains(e.bot.lastSent(), "invalid, expired or already used") {
		t.Errorf("expected rejection, got %q", e.bot.lastSent())
	}
}

func TestHandleUpdate_UnknownCommandListsHelp(t *testing.T) {
	e := newTestEnv(t)

	update := models.TelegramUpdate{UpdateID: 6, Message: privateMessage(15, "/frobnicate")}
	if err := e.orch.HandleUpdate(context.Background(), update); err != nil {
		t.Fatalf("handle update: %v", err)
	}
	reply := e.bot.lastSent()
	if !strings.Contains(reply, "Unknown command: /frobnicate") || !strings.Contains(reply, "/reset_account") {
		t.Errorf("expected help text, got %q", reply)
	}
}

func TestHandleUpdate_AlbumFlushesAsOneTurn(t *testing.T) {
	e := newTestEnv(t)
	e.agent.outcome = extractionOutcome()

	first := privateMessage(20, "")
	first.Caption = "dinner part one"
	first.MediaGroupID = "album-1"
	first.Photo = []models.TelegramPhotoSize{{FileID: "p1"}}

	second := privateMessage(21, "")
	second.MediaGroupID = "album-1"
	second.Photo = []models.TelegramPhotoSize{{FileID: "p2"}}

	done := make(chan error, 1)
	go func() {
		done <- e.orch.HandleUpdate(context.Background(), models.TelegramUpdate{UpdateID: 7, Message: first})
	}()
	// second part arrives while the first worker waits out the window
	time.Sleep(100 * time.Millisecond)
	if err := e.orch.HandleUpdate(context.Background(), models.TelegramUpdate{UpdateID: 8, Message: second}); err != nil {
		t.Fatalf("second part: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first part: %v", err)
	}

	if e.agent.calls != 1 {
		t.Fatalf("album must process as one turn, agent calls=%d", e.agent.calls)
	}
	if len(e.agent.input.Images) != 2 {
		t.Errorf("expected both photos in one turn, got %d", len(e.agent.input.Images))
	}
	if e.agent.input.Text != "dinner part one" {
		t.Errorf("expected combined caption, got %q", e.agent.input.Text)
	}

	recs, _ := e.store.RecentNutritionRecords(context.Background(), e.userID(t), 10)
	if len(recs) != 1 {
		t.Errorf("album must record exactly once, got %d rows", len(recs))
	}
}

func TestPool_ProcessesQueuedUpdates(t *testing.T) {
	e := newTestEnv(t)
	e.agent.outcome = agent.Outcome{Kind: agent.OutcomeClarification, Question: "ok"}

	pool := NewPool(e.orch, 16)
	pool.StartWorkers(2)
	defer pool.StopWorkers()

	for i := int64(1); i <= 3; i++ {
		if !pool.Enqueue(models.TelegramUpdate{UpdateID: i, Message: privateMessage(i, "meal")}) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		e.bot.mu.Lock()
		sent := len(e.bot.sent)
		e.bot.mu.Unlock()
		if sent >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("workers processed %d of 3 updates", sent)
		case <-time.After(20 * time.Millisecond):
		}
	}
}
