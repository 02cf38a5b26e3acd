package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/roadmap-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic streams roadmap answers from the Anthropic messages API.
type Anthropic struct {
	apiKey       string
	endpoint     string
	model        string
	systemPrompt string
	maxTokens    int

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
	anthropicAPIVersion  = "2023-06-01"
)

// NewAnthropic creates a new Anthropic instance. An empty endpoint uses the public API.
func NewAnthropic(apiKey, endpoint, model, systemPrompt string, maxTokens int, logger *slog.Logger) Anthropic {
	if endpoint == "" {
		endpoint = anthropicAPIEndpoint
	}
	return Anthropic{
		apiKey:       apiKey,
		endpoint:     endpoint,
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "anthropic")),
	}
}

// Chat streams the answer to the transcript, reading the server-sent events of the messages API.
func (a Anthropic) Chat(
	ctx context.Context,
	transcript []models.Message,
	roadmap models.RoadmapContext,
) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := make([]anthropicMessage, len(transcript))
		for i, msg := range transcript {
			msgs[i] = anthropicMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			}
		}

		jsonBody, err := json.Marshal(anthropicChatRequest{
			Model:     a.model,
			Messages:  msgs,
			System:    roadmapSystemPrompt(a.systemPrompt, roadmap),
			MaxTokens: a.maxTokens,
			Stream:    true,
		})
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/messages", bytes.NewReader(jsonBody))
		if err != nil {
			yield("", fmt.Errorf("error creating request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", a.apiKey)
		req.Header.Set("anthropic-version", anthropicAPIVersion)

		resp, err := a.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			yield("", fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, body))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield("", fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield("", fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield("", fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if res.Delta.Text == "" {
					continue
				}
				if !yield(res.Delta.Text, nil) {
					return
				}
			default:
				a.logger.Debug("Skipping event", slog.String("type", ev.Type))
			}
		}
	}
}
