package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/juandastic/nutri-agent-bot/internal/models"
)

const defaultAPIBase = "https://api.telegram.org"

// maxFileSize caps downloads; Bot API photos never exceed 20MB anyway.
const maxFileSize = 20 * 1024 * 1024

var ErrSendFailed = errors.New("telegram send failed")

// Client is a minimal Bot API client covering what the bot actually calls.
type Client struct {
	log     *slog.Logger
	apiBase string
	token   string
	http    *http.Client
	retry   RetryConfig
}

func NewClient(log *slog.Logger, token string) *Client {
	return &Client{
		log:     log,
		apiBase: defaultAPIBase,
		token:   token,
		http:    NewHTTPClient(),
		retry:   DefaultRetryConfig(),
	}
}

// NewClientWithBase overrides the API base URL. Used by tests.
func NewClientWithBase(log *slog.Logger, token, apiBase string) *Client {
	c := NewClient(log, token)
	c.apiBase = strings.TrimRight(apiBase, "/")
	return c
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)
}

// call posts a JSON payload to a Bot API method, retrying on 429/5xx with
// backoff. Retrying sendMessage can in theory double-send on a lost response,
// Telegram tolerates that better than a silent drop.
func (c *Client) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := CalculateBackoff(c.retry, attempt-1, retryAfterFrom(lastErr))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("telegram %s: %w", method, err)
			continue
		}

		var apiResp apiResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&apiResp)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			retryAfter := 0
			if decodeErr == nil && apiResp.Parameters != nil {
				retryAfter = apiResp.Parameters.RetryAfter
			}
			lastErr = &retryableError{
				err:        fmt.Errorf("telegram %s: status %d: %s", method, resp.StatusCode, apiResp.Description),
				retryAfter: time.Duration(retryAfter) * time.Second,
			}
			continue
		}

		if decodeErr != nil {
			return nil, fmt.Errorf("telegram %s: decode: %w", method, decodeErr)
		}
		if !apiResp.OK {
			return nil, fmt.Errorf("telegram %s: api error %d: %s", method, apiResp.ErrorCode, apiResp.Description)
		}
		return apiResp.Result, nil
	}

	return nil, lastErr
}

type retryableError struct {
	err        error
	retryAfter time.Duration
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func retryAfterFrom(err error) time.Duration {
	var re *retryableError
	if errors.As(err, &re) {
		return re.retryAfter
	}
	return 0
}

// SendMessage sends text to a chat. Markdown is attempted first and retried
// as plain text when Telegram rejects the entities.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	if _, err := c.call(ctx, "sendMessage", payload); err != nil {
		c.log.Warn("markdown_send_failed", "chat_id", chatID, "error", err)
		delete(payload, "parse_mode")
		if _, err := c.call(ctx, "sendMessage", payload); err != nil {
			return fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
	}
	return nil
}

// SendMessageWithMarkup sends text plus an inline keyboard (the /start
// language picker).
func (c *Client) SendMessageWithMarkup(ctx context.Context, chatID int64, text string, replyMarkup any) error {
	payload := map[string]any{
		"chat_id":      chatID,
		"text":         text,
		"reply_markup": replyMarkup,
	}
	if _, err := c.call(ctx, "sendMessage", payload); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

func (c *Client) GetFile(ctx context.Context, fileID string) (models.TelegramFile, error) {
	raw, err := c.call(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return models.TelegramFile{}, err
	}
	var f models.TelegramFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return models.TelegramFile{}, fmt.Errorf("telegram getFile: decode result: %w", err)
	}
	if f.FilePath == "" {
		return models.TelegramFile{}, errors.New("telegram getFile: empty file_path")
	}
	return f, nil
}

// DownloadFile fetches file bytes from the file endpoint.
func (c *Client) DownloadFile(ctx context.Context, filePath string) ([]byte, error) {
	url := fmt.Sprintf("%s/file/bot%s/%s", c.apiBase, c.token, filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram download: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("telegram download: %w", err)
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("telegram download: file exceeds %d bytes", maxFileSize)
	}
	return data, nil
}

// DownloadPhoto resolves a file id and downloads its content in one step.
func (c *Client) DownloadPhoto(ctx context.Context, fileID string) ([]byte, error) {
	f, err := c.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return c.DownloadFile(ctx, f.FilePath)
}

func (c *Client) SetWebhook(ctx context.Context, webhookURL, secretToken string) error {
	payload := map[string]any{"url": webhookURL}
	if secretToken != "" {
		payload["secret_token"] = secretToken
	}
	_, err := c.call(ctx, "setWebhook", payload)
	return err
}

func (c *Client) DeleteWebhook(ctx context.Context) error {
	_, err := c.call(ctx, "deleteWebhook", map[string]any{})
	return err
}

func (c *Client) SetMyCommands(ctx context.Context, commands []models.TelegramBotCommand) error {
	_, err := c.call(ctx, "setMyCommands", map[string]any{"commands": commands})
	return err
}

// IsImageDocument reports whether a document attachment is an image the
// agent can analyze.
func IsImageDocument(doc *models.TelegramDocument) bool {
	if doc == nil {
		return false
	}
	if strings.HasPrefix(doc.MimeType, "image/") {
		return true
	}
	name := strings.ToLower(doc.FileName)
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".gif", ".webp"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
