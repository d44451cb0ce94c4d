package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrModelUnavailable is surfaced for every failure class of the model call:
// transport errors, timeouts, provider errors, malformed output and an open
// circuit. The orchestrator must not write ledger state when it sees this.
var ErrModelUnavailable = errors.New("model unavailable")

type OutcomeKind int

const (
	// OutcomeClarification means the agent needs more information before it
	// can commit a nutrition record; the question goes back to the user.
	OutcomeClarification OutcomeKind = iota
	// OutcomeExtraction is the final structured result for the turn.
	OutcomeExtraction
)

type Extraction struct {
	Calories     float64 `json:"calories"`
	Protein      float64 `json:"protein"`
	Carbs        float64 `json:"carbs"`
	Fat          float64 `json:"fat"`
	MealType     string  `json:"meal_type"`
	ExtraDetails string  `json:"extra_details,omitempty"`
}

// Outcome is the tagged union returned by ProcessTurn.
type Outcome struct {
	Kind       OutcomeKind
	Question   string     // set when Kind == OutcomeClarification
	Extraction Extraction // set when Kind == OutcomeExtraction
}

// Turn is one prior message given to the model as context.
type Turn struct {
	Role string // "user" or "bot"
	Text string
}

// Input is the new material for this turn. Text and images travel in the
// same model call so a caption like "air-fried, not deep-fried" conditions
// the image analysis.
type Input struct {
	Text   string
	Images [][]byte
	Tools  Toolbox // optional per-turn capabilities; nil disables them
}

// Toolbox exposes the read-side capabilities the model can call during a
// turn. Results are fed back as tool messages and the model answers from
// them; only log_nutrition terminates the turn.
type Toolbox interface {
	// QueryNutrition returns the user's ledger rows for [startDate, endDate]
	// (YYYY-MM-DD, either may be empty) as a plain-text list.
	QueryNutrition(ctx context.Context, startDate, endDate string) (string, error)

	// RegisterGoogleAccount reports the Sheets link status, or hands out the
	// authorization URL when the account is not connected yet.
	RegisterGoogleAccount(ctx context.Context) (string, error)
}

// Gateway drives an OpenAI-compatible vision model and maps its reply onto
// an Outcome. The extraction contract is a single declared tool; a tool call
// is a final extraction, plain text is a clarification question.
type Gateway struct {
	log        *slog.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	breaker    *CircuitBreaker

	maxRetries int
	backoff    time.Duration
}

func NewGateway(log *slog.Logger, baseURL, apiKey, model string) *Gateway {
	return &Gateway{
		log:     log,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		breaker:    NewCircuitBreaker(),
		maxRetries: 2,
		backoff:    time.Second,
	}
}

// maxToolRounds bounds the tool loop; each query/register call costs one
// model round trip and log_nutrition or plain text ends the turn.
const maxToolRounds = 4

// ProcessTurn sends history plus the new input to the model and returns
// either a clarification question or a final extraction. Read-side tool
// calls (ledger queries, Sheets linking) are executed against input.Tools
// and the loop continues until the model commits or answers in text.
func (g *Gateway) ProcessTurn(ctx context.Context, history []Turn, input Input) (Outcome, error) {
	if g.model == "" {
		return Outcome{}, fmt.Errorf("%w: no model configured", ErrModelUnavailable)
	}
	if !g.breaker.Allow() {
		g.log.Warn("model_circuit_open", "state", g.breaker.StateString())
		return Outcome{}, fmt.Errorf("%w: circuit open", ErrModelUnavailable)
	}

	messages := g.buildMessages(history, input)
	tools := toolSpecs(input.Tools != nil)

	for round := 0; round < maxToolRounds; round++ {
		reqBody, err := json.Marshal(chatRequest{
			Model:       g.model,
			Messages:    messages,
			Temperature: 0.3,
			Tools:       tools,
		})
		if err != nil {
			return Outcome{}, err
		}

		msg, err := g.complete(ctx, reqBody)
		if err != nil {
			g.breaker.RecordFailure()
			return Outcome{}, err
		}

		outcome, followups, err := g.decodeRound(ctx, msg, input.Tools)
		if err != nil {
			// the call went through but produced garbage; count it against
			// the breaker the same as a transport failure
			g.breaker.RecordFailure()
			return Outcome{}, err
		}
		if followups == nil {
			g.breaker.RecordSuccess()
			return outcome, nil
		}

		messages = append(messages, chatMessage{
			Role:      "assistant",
			Content:   msg.Content,
			ToolCalls: msg.ToolCalls,
		})
		messages = append(messages, followups...)
	}

	g.breaker.RecordFailure()
	return Outcome{}, fmt.Errorf("%w: tool rounds exhausted", ErrModelUnavailable)
}

// decodeRound maps one model response onto a terminal outcome or, for
// read-side tool calls, the tool-result messages to feed back.
func (g *Gateway) decodeRound(ctx context.Context, msg *responseMessage, tb Toolbox) (Outcome, []chatMessage, error) {
	var followups []chatMessage

	for _, tc := range msg.ToolCalls {
		switch tc.Function.Name {
		case "log_nutrition":
			var ext Extraction
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &ext); err != nil {
				return Outcome{}, nil, fmt.Errorf("%w: bad tool arguments: %v", ErrModelUnavailable, err)
			}
			if err := validateExtraction(ext); err != nil {
				return Outcome{}, nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
			}
			return Outcome{Kind: OutcomeExtraction, Extraction: ext}, nil, nil

		case "query_nutritional_info":
			if tb == nil {
				continue
			}
			var args struct {
				StartDate string `json:"start_date"`
				EndDate   string `json:"end_date"`
			}
			// bad dates degrade to an unfiltered query rather than a failure
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			followups = append(followups, toolResult(tc, g.runTool(ctx, tc.Function.Name, func() (string, error) {
				return tb.QueryNutrition(ctx, args.StartDate, args.EndDate)
			})))

		case "register_google_account":
			if tb == nil {
				continue
			}
			followups = append(followups, toolResult(tc, g.runTool(ctx, tc.Function.Name, func() (string, error) {
				return tb.RegisterGoogleAccount(ctx)
			})))
		}
	}

	if len(followups) > 0 {
		return Outcome{}, followups, nil
	}

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return Outcome{}, nil, fmt.Errorf("%w: empty model reply", ErrModelUnavailable)
	}
	return Outcome{Kind: OutcomeClarification, Question: text}, nil, nil
}

// runTool executes a toolbox call; errors become tool output so the model
// can explain them instead of the turn dying.
func (g *Gateway) runTool(ctx context.Context, name string, fn func() (string, error)) string {
	out, err := fn()
	if err != nil {
		g.log.Warn("agent_tool_failed", "tool", name, "error", err)
		return fmt.Sprintf("The %s tool failed: %v", name, err)
	}
	g.log.Debug("agent_tool_executed", "tool", name)
	return out
}

func toolResult(tc toolCall, content string) chatMessage {
	return chatMessage{Role: "tool", ToolCallID: tc.ID, Content: content}
}

func (g *Gateway) buildMessages(history []Turn, input Input) []chatMessage {
	messages := make([]chatMessage, 0, len(history)+2)
	messages = append(messages, chatMessage{Role: "system", Content: systemPrompt(time.Now())})

	for _, turn := range history {
		if strings.TrimSpace(turn.Text) == "" {
			continue
		}
		role := "user"
		if turn.Role == "bot" {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: turn.Text})
	}

	parts := make([]contentPart, 0, len(input.Images)+1)
	if strings.TrimSpace(input.Text) != "" {
		parts = append(parts, contentPart{Type: "text", Text: input.Text})
	}
	for _, img := range input.Images {
		// telegram photos are always jpeg
		url := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img)
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: url}})
	}
	if len(parts) == 0 {
		parts = append(parts, contentPart{Type: "text", Text: "Please analyze this meal."})
	}
	messages = append(messages, chatMessage{Role: "user", Content: parts})

	return messages
}

func toolSpecs(withToolbox bool) []toolSpec {
	specs := []toolSpec{{
		Type: "function",
		Function: toolFunction{
			Name:        "log_nutrition",
			Description: "Record the nutritional breakdown of the meal once it can be estimated with confidence. Only call this when portion sizes and preparation are clear enough; otherwise answer with a short clarifying question instead.",
			Parameters:  json.RawMessage(extractionSchema),
		},
	}}
	if !withToolbox {
		return specs
	}
	return append(specs,
		toolSpec{
			Type: "function",
			Function: toolFunction{
				Name:        "query_nutritional_info",
				Description: "Query the user's past nutritional records. Use it to answer questions like \"how many calories did I have today?\" or \"what did I eat this week?\". Returns one record per line. Omit the dates to get all records.",
				Parameters:  json.RawMessage(querySchema),
			},
		},
		toolSpec{
			Type: "function",
			Function: toolFunction{
				Name:        "register_google_account",
				Description: "Check or set up the user's Google Sheets connection. Call it when the user asks to connect, sync or export to Google Sheets; it returns either a confirmation or the authorization link to share with the user.",
				Parameters:  json.RawMessage(emptySchema),
			},
		},
	)
}

// complete posts the chat completion request with a small bounded retry for
// transport-level failures.
func (g *Gateway) complete(ctx context.Context, body []byte) (*responseMessage, error) {
	url := g.baseURL + "/chat/completions"

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(g.backoff << (attempt - 1)):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, ctx.Err())
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if g.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+g.apiKey)
		}

		resp, err := g.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrModelUnavailable, err)
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: status %s", ErrModelUnavailable, resp.Status)
			continue
		}

		if resp.StatusCode >= 400 {
			var errResp errorResponse
			_ = json.NewDecoder(resp.Body).Decode(&errResp)
			resp.Body.Close()
			if errResp.Error.Message != "" {
				return nil, fmt.Errorf("%w: api error: %s", ErrModelUnavailable, errResp.Error.Message)
			}
			return nil, fmt.Errorf("%w: status %s", ErrModelUnavailable, resp.Status)
		}

		var chatResp chatResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&chatResp)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("%w: decode: %v", ErrModelUnavailable, decodeErr)
		}
		if len(chatResp.Choices) == 0 {
			return nil, fmt.Errorf("%w: empty choices", ErrModelUnavailable)
		}
		return &chatResp.Choices[0].Message, nil
	}

	return nil, lastErr
}

func validateExtraction(ext Extraction) error {
	if strings.TrimSpace(ext.MealType) == "" {
		return errors.New("extraction missing meal_type")
	}
	if ext.Calories < 0 || ext.Protein < 0 || ext.Carbs < 0 || ext.Fat < 0 {
		return errors.New("extraction has negative values")
	}
	return nil
}

// OpenAI-compatible request/response types.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	Tools       []toolSpec    `json:"tools,omitempty"`
}

// chatMessage content is either a plain string or a []contentPart for the
// multimodal user message. ToolCalls/ToolCallID carry the tool loop.
type chatMessage struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type toolSpec struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatResponse struct {
	Choices []struct {
		Message responseMessage `json:"message"`
	} `json:"choices"`
}

type responseMessage struct {
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

const extractionSchema = `{
	"type": "object",
	"properties": {
		"calories": {"type": "number", "minimum": 0, "description": "Total calories (kcal)"},
		"protein": {"type": "number", "minimum": 0, "description": "Protein in grams"},
		"carbs": {"type": "number", "minimum": 0, "description": "Carbohydrates in grams"},
		"fat": {"type": "number", "minimum": 0, "description": "Fat in grams"},
		"meal_type": {"type": "string", "description": "Breakfast, Lunch, Dinner or Snack"},
		"extra_details": {"type": "string", "description": "Per-ingredient breakdown with estimated portions"}
	},
	"required": ["calories", "protein", "carbs", "fat", "meal_type"]
}`

const querySchema = `{
	"type": "object",
	"properties": {
		"start_date": {"type": "string", "description": "Start date, YYYY-MM-DD inclusive. Omit for no lower bound."},
		"end_date": {"type": "string", "description": "End date, YYYY-MM-DD inclusive. Omit for today."}
	}
}`

const emptySchema = `{"type": "object", "properties": {}}`
