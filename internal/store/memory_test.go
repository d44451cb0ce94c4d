package store

import (
	"context"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }
func i64Ptr(v int64) *int64   { return &v }

func TestMemory_UpsertUserIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	u1, err := m.UpsertUser(ctx, "tg:1001", strPtr("alice"), strPtr("Alice"))
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	u2, err := m.UpsertUser(ctx, "tg:1001", nil, nil)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if u1.ID != u2.ID {
		t.Errorf("expected same user id, got %d and %d", u1.ID, u2.ID)
	}
	if u2.Username == nil || *u2.Username != "alice" {
		t.Errorf("expected username preserved on second upsert, got %v", u2.Username)
	}
}

func TestMemory_DuplicatePlatformMessageRejected(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	chat, _ := m.UpsertChat(ctx, "tg:chat:5", nil, "private")

	p := AppendMessageParams{
		ChatID:            chat.ID,
		PlatformMessageID: i64Ptr(42),
		Text:              strPtr("grilled chicken salad"),
		Role:              "user",
		MessageType:       "text",
	}
	if _, err := m.AppendMessage(ctx, p); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if _, err := m.AppendMessage(ctx, p); err != ErrDuplicateMessage {
		t.Errorf("expected ErrDuplicateMessage, got %v", err)
	}

	msgs, _ := m.RecentMessages(ctx, chat.ID, 10)
	if len(msgs) != 1 {
		t.Errorf("expected exactly one stored message, got %d", len(msgs))
	}
}

func TestMemory_BotMessagesAllowedWithoutPlatformID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	chat, _ := m.UpsertChat(ctx, "tg:chat:6", nil, "private")

	for i := 0; i < 3; i++ {
		_, err := m.AppendMessage(ctx, AppendMessageParams{
			ChatID:      chat.ID,
			Text:        strPtr("ok"),
			Role:        "bot",
			MessageType: "text",
		})
		if err != nil {
			t.Fatalf("bot append %d: %v", i, err)
		}
	}

	msgs, _ := m.RecentMessages(ctx, chat.ID, 10)
	if len(msgs) != 3 {
		t.Errorf("expected 3 bot messages, got %d", len(msgs))
	}
}

func TestMemory_RecentMessagesWindowAndOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	chat, _ := m.UpsertChat(ctx, "tg:chat:7", nil, "private")

	texts := []string{"one", "two", "three", "four", "five"}
	for i, txt := range texts {
		_, err := m.AppendMessage(ctx, AppendMessageParams{
			ChatID:            chat.ID,
			PlatformMessageID: i64Ptr(int64(100 + i)),
			Text:              strPtr(txt),
			Role:              "user",
			MessageType:       "text",
		})
		if err != nil {
			t.Fatalf("append %q: %v", txt, err)
		}
	}

	msgs, err := m.RecentMessages(ctx, chat.ID, 3)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected window of 3, got %d", len(msgs))
	}
	want := []string{"three", "four", "five"}
	for i, w := range want {
		if msgs[i].Text == nil || *msgs[i].Text != w {
			t.Errorf("position %d: expected %q, got %v", i, w, msgs[i].Text)
		}
	}
}

func TestMemory_LinkingCodeLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	user, _ := m.UpsertUser(ctx, "tg:2002", nil, nil)
	if err := m.CreateLinkingCode(ctx, "A7K9M2X4", "web_abc", nil, 10*time.Minute); err != nil {
		t.Fatalf("create code: %v", err)
	}

	lc, err := m.ClaimLinkingCode(ctx, "A7K9M2X4", user.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if lc.WebUserID != "web_abc" {
		t.Errorf("unexpected web user id %q", lc.WebUserID)
	}

	// second claim must fail
	if _, err := m.ClaimLinkingCode(ctx, "A7K9M2X4", user.ID); err != ErrLinkCodeInvalid {
		t.Errorf("expected ErrLinkCodeInvalid on reclaim, got %v", err)
	}

	got, _ := m.UserByExternalID(ctx, "tg:2002")
	if got.WebUserID == nil || *got.WebUserID != "web_abc" {
		t.Errorf("expected web identity attached, got %v", got.WebUserID)
	}
}

func TestMemory_ResetUserDataCounts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	user, _ := m.UpsertUser(ctx, "tg:3003", nil, nil)
	chat, _ := m.UpsertChat(ctx, "tg:chat:9", &user.ID, "private")

	m.AppendMessage(ctx, AppendMessageParams{ChatID: chat.ID, PlatformMessageID: i64Ptr(1), Text: strPtr("hi"), Role: "user", MessageType: "text", FromUserID: &user.ID})
	m.AppendMessage(ctx, AppendMessageParams{ChatID: chat.ID, Text: strPtr("hello"), Role: "bot", MessageType: "text"})
	m.AppendNutritionRecord(ctx, user.ID, 450, 35, 10, 28, "lunch", nil)
	m.SaveSpreadsheetConfig(ctx, user.ID, nil, "enc-a", "enc-r")

	sum, err := m.ResetUserData(ctx, user.ID)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if sum.MessagesDeleted != 2 || sum.ChatsDeleted != 1 || sum.ConfigsDeleted != 1 || sum.NutritionDeleted != 1 {
		t.Errorf("unexpected summary: %+v", sum)
	}

	recs, _ := m.RecentNutritionRecords(ctx, user.ID, 10)
	if len(recs) != 0 {
		t.Errorf("expected no nutrition records after reset, got %d", len(recs))
	}
}
