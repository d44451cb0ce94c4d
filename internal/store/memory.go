package store

import (
	"context"
	"sync"
	"time"

	"github.com/juandastic/nutri-agent-bot/internal/models"
)

// Memory is an in-process Store used by tests and local development. It
// enforces the same uniqueness rules as the Postgres implementation.
type Memory struct {
	mu sync.Mutex

	nextID    int64
	users     map[string]models.User // external_user_id -> user
	chats     map[string]models.Chat // external_chat_id -> chat
	messages  []models.Message
	nutrition []models.NutritionRecord
	configs   map[int64]models.SpreadsheetConfig // user id -> config
	codes     map[string]models.LinkingCode
}

func NewMemory() *Memory {
	return &Memory{
		users:   make(map[string]models.User),
		chats:   make(map[string]models.Chat),
		configs: make(map[int64]models.SpreadsheetConfig),
		codes:   make(map[string]models.LinkingCode),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) UpsertUser(_ context.Context, externalUserID string, username, firstName *string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[externalUserID]; ok {
		if username != nil {
			u.Username = username
		}
		if firstName != nil {
			u.FirstName = firstName
		}
		m.users[externalUserID] = u
		return u, nil
	}
	u := models.User{
		ID:             m.id(),
		ExternalUserID: externalUserID,
		Username:       username,
		FirstName:      firstName,
		CreatedAt:      time.Now().UTC(),
	}
	m.users[externalUserID] = u
	return u, nil
}

func (m *Memory) UserByExternalID(_ context.Context, externalUserID string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[externalUserID]; ok {
		return u, nil
	}
	return models.User{}, ErrNotFound
}

func (m *Memory) UpsertChat(_ context.Context, externalChatID string, userID *int64, chatType string) (models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if c, ok := m.chats[externalChatID]; ok {
		if now.After(c.LastActiveAt) {
			c.LastActiveAt = now
		}
		m.chats[externalChatID] = c
		return c, nil
	}
	c := models.Chat{
		ID:             m.id(),
		ExternalChatID: externalChatID,
		UserID:         userID,
		ChatType:       chatType,
		CreatedAt:      now,
		LastActiveAt:   now,
	}
	m.chats[externalChatID] = c
	return c, nil
}

func (m *Memory) ChatByExternalID(_ context.Context, externalChatID string) (models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.chats[externalChatID]; ok {
		return c, nil
	}
	return models.Chat{}, ErrNotFound
}

func (m *Memory) AppendMessage(_ context.Context, p AppendMessageParams) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.PlatformMessageID != nil {
		for _, existing := range m.messages {
			if existing.ChatID == p.ChatID &&
				existing.PlatformMessageID != nil &&
				*existing.PlatformMessageID == *p.PlatformMessageID {
				return models.Message{}, ErrDuplicateMessage
			}
		}
	}
	msg := models.Message{
		ID:                m.id(),
		ChatID:            p.ChatID,
		PlatformMessageID: p.PlatformMessageID,
		Text:              p.Text,
		Role:              p.Role,
		MessageType:       p.MessageType,
		FromUserID:        p.FromUserID,
		CreatedAt:         time.Now().UTC(),
	}
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *Memory) RecentMessages(_ context.Context, chatID int64, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit < 1 {
		limit = 1
	}
	var all []models.Message
	for _, msg := range m.messages {
		if msg.ChatID == chatID {
			all = append(all, msg)
		}
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]models.Message, len(all))
	copy(out, all)
	return out, nil
}

func (m *Memory) AppendNutritionRecord(_ context.Context, userID int64, calories, protein, carbs, fat float64, mealType string, extraDetails *string) (models.NutritionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := models.NutritionRecord{
		ID:           m.id(),
		UserID:       userID,
		Calories:     calories,
		Protein:      protein,
		Carbs:        carbs,
		Fat:          fat,
		MealType:     mealType,
		ExtraDetails: extraDetails,
		CreatedAt:    time.Now().UTC(),
	}
	m.nutrition = append(m.nutrition, r)
	return r, nil
}

func (m *Memory) RecentNutritionRecords(_ context.Context, userID int64, limit int) ([]models.NutritionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit < 1 {
		limit = 1
	}
	var all []models.NutritionRecord
	for _, r := range m.nutrition {
		if r.UserID == userID {
			all = append(all, r)
		}
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	// newest first, matching the Postgres implementation
	out := make([]models.NutritionRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (m *Memory) NutritionRecordsBetween(_ context.Context, userID int64, from, to time.Time) ([]models.NutritionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.NutritionRecord
	for _, r := range m.nutrition {
		if r.UserID == userID && !r.CreatedAt.Before(from) && !r.CreatedAt.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) SpreadsheetConfig(_ context.Context, userID int64) (*models.SpreadsheetConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.configs[userID]; ok {
		cp := c
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) SaveSpreadsheetConfig(_ context.Context, userID int64, spreadsheetID *string, accessTokenEnc, refreshTokenEnc string) (models.SpreadsheetConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	c, ok := m.configs[userID]
	if !ok {
		c = models.SpreadsheetConfig{ID: m.id(), UserID: userID, CreatedAt: now}
	}
	if spreadsheetID != nil {
		c.SpreadsheetID = spreadsheetID
	}
	c.AccessTokenEnc = accessTokenEnc
	c.RefreshTokenEnc = refreshTokenEnc
	c.UpdatedAt = now
	m.configs[userID] = c
	return c, nil
}

func (m *Memory) UpdateSpreadsheetTokens(_ context.Context, userID int64, accessTokenEnc string, refreshTokenEnc *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[userID]
	if !ok {
		return ErrNotFound
	}
	c.AccessTokenEnc = accessTokenEnc
	if refreshTokenEnc != nil {
		c.RefreshTokenEnc = *refreshTokenEnc
	}
	c.UpdatedAt = time.Now().UTC()
	m.configs[userID] = c
	return nil
}

func (m *Memory) UpdateSpreadsheetID(_ context.Context, userID int64, spreadsheetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[userID]
	if !ok {
		return ErrNotFound
	}
	c.SpreadsheetID = &spreadsheetID
	c.UpdatedAt = time.Now().UTC()
	m.configs[userID] = c
	return nil
}

func (m *Memory) CreateLinkingCode(_ context.Context, code, webUserID string, email *string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.codes[code] = models.LinkingCode{
		Code:      code,
		WebUserID: webUserID,
		Email:     email,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return nil
}

func (m *Memory) ClaimLinkingCode(_ context.Context, code string, userID int64) (models.LinkingCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lc, ok := m.codes[code]
	if !ok || lc.ClaimedBy != nil || time.Now().UTC().After(lc.ExpiresAt) {
		return models.LinkingCode{}, ErrLinkCodeInvalid
	}
	lc.ClaimedBy = &userID
	m.codes[code] = lc
	for ext, u := range m.users {
		if u.ID == userID {
			web := lc.WebUserID
			u.WebUserID = &web
			m.users[ext] = u
		}
	}
	return lc, nil
}

func (m *Memory) ResetUserData(_ context.Context, userID int64) (models.ResetSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum models.ResetSummary

	owned := make(map[int64]bool)
	for ext, c := range m.chats {
		if c.UserID != nil && *c.UserID == userID {
			owned[c.ID] = true
			delete(m.chats, ext)
			sum.ChatsDeleted++
		}
	}

	var keptMsgs []models.Message
	for _, msg := range m.messages {
		fromUser := msg.FromUserID != nil && *msg.FromUserID == userID
		if owned[msg.ChatID] || fromUser {
			sum.MessagesDeleted++
			continue
		}
		keptMsgs = append(keptMsgs, msg)
	}
	m.messages = keptMsgs

	if _, ok := m.configs[userID]; ok {
		delete(m.configs, userID)
		sum.ConfigsDeleted = 1
	}

	var keptRecs []models.NutritionRecord
	for _, r := range m.nutrition {
		if r.UserID == userID {
			sum.NutritionDeleted++
			continue
		}
		keptRecs = append(keptRecs, r)
	}
	m.nutrition = keptRecs

	return sum, nil
}
