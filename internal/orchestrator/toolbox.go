package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// turnToolbox is the per-turn agent toolbox, bound to the user who sent the
// message. Query results go back to the model as plain text, one record per
// line, so it can summarize them in the user's language.
type turnToolbox struct {
	orch           *Orchestrator
	userID         int64
	externalUserID string
}

func (t *turnToolbox) QueryNutrition(ctx context.Context, startDate, endDate string) (string, error) {
	var from time.Time
	if d, err := time.Parse("2006-01-02", startDate); err == nil {
		from = d
	}
	to := time.Now().Add(24 * time.Hour)
	if d, err := time.Parse("2006-01-02", endDate); err == nil {
		// inclusive of the whole end day
		to = d.Add(24 * time.Hour)
	}

	recs, err := t.orch.store.NutritionRecordsBetween(ctx, t.userID, from, to)
	if err != nil {
		return "", fmt.Errorf("query nutrition records: %w", err)
	}
	if len(recs) == 0 {
		return "No nutritional records found.", nil
	}

	lines := make([]string, 0, len(recs))
	for _, rec := range recs {
		line := fmt.Sprintf("Date: %s | Time: %s | Meal: %s | Calories: %.0f | Proteins: %.1fg | Carbs: %.1fg | Fats: %.1fg",
			rec.CreatedAt.Format("2006-01-02"),
			rec.CreatedAt.Format("15:04:05"),
			rec.MealType,
			rec.Calories,
			rec.Protein,
			rec.Carbs,
			rec.Fat)
		if rec.ExtraDetails != nil && *rec.ExtraDetails != "" {
			line += " | Details: " + *rec.ExtraDetails
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func (t *turnToolbox) RegisterGoogleAccount(ctx context.Context) (string, error) {
	cfg, err := t.orch.store.SpreadsheetConfig(ctx, t.userID)
	if err != nil {
		return "", fmt.Errorf("load spreadsheet config: %w", err)
	}
	if cfg != nil {
		return "Your Google account is already connected! Logged meals are saved to your Google Sheet automatically.", nil
	}
	if t.orch.publicBaseURL == "" {
		return "Google Sheets integration is not configured on this server. Please contact support.", nil
	}

	link := fmt.Sprintf("%s/auth/google?uid=%s",
		strings.TrimRight(t.orch.publicBaseURL, "/"),
		url.QueryEscape(t.externalUserID))
	return "To enable Google Sheets integration, I need permission to access your Google Sheets. " +
		"Please authorize the connection by clicking this link:\n\n" + link + "\n\n" +
		"After authorizing, your nutritional data will be automatically saved to your Google Sheet.", nil
}
