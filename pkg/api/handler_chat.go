package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/iNandix/denis-unified-v1-sub002/pkg/events"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/materializer"
)

// ChatCompletionRequest is the OpenAI-compatible request body for
// POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model          string        `json:"model"`
	Messages       []ChatMessage `json:"messages"`
	Stream         bool          `json:"stream,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
}

// ChatMessage is one entry of the messages array.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse is the OpenAI chat completion shape.
type ChatCompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   CompletionUsage    `json:"usage"`
	Warning string             `json:"warning,omitempty"`
}

// CompletionChoice is one completion candidate.
type CompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// CompletionUsage reports token accounting. Tokens are approximated by
// whitespace-separated words; providers are external.
type CompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatCompletionsHandler handles POST /v1/chat/completions. It runs a full
// persona turn for the last user message and returns (or streams) the
// synthesized assistant completion.
func (s *Server) chatCompletionsHandler(c *echo.Context) error {
	s.chatRequests.Add(1)

	var req ChatCompletionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusOK, map[string]any{
			"degraded": true,
			"warning":  "invalid request body: " + err.Error(),
		})
	}

	userText := lastUserMessage(req.Messages)
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = events.DefaultConversationID
	}
	traceID := c.Request().Header.Get("X-Trace-Id")

	result, err := s.frontdoor.RunChatTurn(c.Request().Context(), conversationID, traceID, userText)
	if err != nil {
		return c.JSON(http.StatusOK, map[string]any{
			"degraded": true,
			"warning":  err.Error(),
		})
	}

	// Neuro self-model follows every turn when awake.
	s.afterTurn(c.Request().Context(), result)

	model := req.Model
	if model == "" {
		model = "denis-persona"
	}

	if req.Stream {
		return s.streamCompletion(c, model, result.Assistant)
	}

	return c.JSON(http.StatusOK, ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []CompletionChoice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: result.Assistant},
			FinishReason: "stop",
		}},
		Usage: CompletionUsage{
			PromptTokens:     wordCount(userText),
			CompletionTokens: wordCount(result.Assistant),
			TotalTokens:      wordCount(userText) + wordCount(result.Assistant),
		},
	})
}

// streamCompletion writes the completion as SSE chunks terminated by
// "data: [DONE]". The stream always closes cleanly, even on write errors.
func (s *Server) streamCompletion(c *echo.Context, model, content string) error {
	res := c.Response()
	h := res.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(res)

	id := "chatcmpl-" + uuid.New().String()
	created := time.Now().Unix()

	writeChunk := func(delta map[string]any, finish any) error {
		chunk := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			}},
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
			return err
		}
		_ = rc.Flush()
		return nil
	}

	if err := writeChunk(map[string]any{"role": "assistant"}, nil); err != nil {
		return nil
	}
	for _, word := range strings.SplitAfter(content, " ") {
		if word == "" {
			continue
		}
		if err := writeChunk(map[string]any{"content": word}, nil); err != nil {
			return nil
		}
	}
	_ = writeChunk(map[string]any{}, "stop")
	fmt.Fprint(res, "data: [DONE]\n\n")
	_ = rc.Flush()
	return nil
}

// PersonaChatRequest is the body for POST /persona/chat.
type PersonaChatRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// personaChatHandler runs a persona turn and returns the turn summary.
func (s *Server) personaChatHandler(c *echo.Context) error {
	s.chatRequests.Add(1)

	var req PersonaChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusOK, map[string]any{
			"degraded": true,
			"warning":  "invalid request body: " + err.Error(),
		})
	}

	result, err := s.frontdoor.RunChatTurn(c.Request().Context(), req.ConversationID, c.Request().Header.Get("X-Trace-Id"), req.Text)
	if err != nil {
		return c.JSON(http.StatusOK, map[string]any{
			"degraded": true,
			"warning":  err.Error(),
		})
	}

	// Neuro self-model follows every turn when awake.
	s.afterTurn(c.Request().Context(), result)

	return c.JSON(http.StatusOK, map[string]any{
		"conversation_id": result.Turn.ConversationID,
		"turn_id":         result.Turn.TurnID,
		"correlation_id":  result.Turn.CorrelationID,
		"assistant":       result.Assistant,
		"events_emitted":  len(result.Events),
	})
}

// PersonaVoiceRequest is the body for POST /persona/voice.
type PersonaVoiceRequest struct {
	ConversationID string `json:"conversation_id"`
	Action         string `json:"action"`
}

// personaVoiceHandler starts a voice session or emits voice lifecycle
// events for an existing one.
func (s *Server) personaVoiceHandler(c *echo.Context) error {
	var req PersonaVoiceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusOK, map[string]any{
			"degraded": true,
			"warning":  "invalid request body: " + err.Error(),
		})
	}
	if !s.cfg.VoiceEnabled {
		return c.JSON(http.StatusOK, map[string]any{
			"status":  "disabled",
			"warning": "voice is disabled by configuration",
		})
	}

	switch req.Action {
	case "", "start":
		evt, err := s.frontdoor.StartVoiceSession(c.Request().Context(), req.ConversationID, c.Request().Header.Get("X-Trace-Id"))
		if err != nil {
			return c.JSON(http.StatusOK, map[string]any{"degraded": true, "warning": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"status":     "started",
			"session_id": evt.Payload["session_id"],
			"event_id":   evt.EventID,
		})
	default:
		return c.JSON(http.StatusOK, map[string]any{
			"degraded": true,
			"warning":  "unknown action: " + req.Action,
		})
	}
}

// turnMeta summarizes one turn's events for the neuro update sequence.
func (s *Server) turnMeta(evts []*events.Event) materializer.TurnMeta {
	meta := materializer.TurnMeta{TurnsInSession: int(s.chatRequests.Load())}
	for _, evt := range evts {
		if evt.Type == events.TypeError {
			meta.ErrorsCount++
		}
		if g, ok := evt.Payload["_guardrails"].(map[string]any); ok {
			switch v := g["violations"].(type) {
			case int:
				meta.GuardrailTriggers += v
			case float64:
				meta.GuardrailTriggers += int(v)
			}
		}
	}
	return meta
}

func lastUserMessage(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
