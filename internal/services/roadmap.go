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
	"strings"
	"time"

	"github.com/MegaGrindStone/roadmap-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// RoadmapAPI is the client of the roadmap backend. It streams answers from the roadmap chat endpoint
// and serves the AI usage and billing status of the logged in user.
type RoadmapAPI struct {
	baseURL string
	token   string

	client *http.Client

	logger *slog.Logger
}

type roadmapChatRequest struct {
	Messages      []roadmapChatMessage `json:"messages"`
	AIRoadmapSlug string               `json:"aiRoadmapSlug,omitempty"`
}

type roadmapChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type roadmapBillingResponse struct {
	Status string `json:"status"`
}

type roadmapErrorResponse struct {
	Message string `json:"message"`
}

const (
	roadmapChatPath    = "/v1-ai-roadmap-chat"
	roadmapLimitPath   = "/v1-get-ai-course-limit"
	roadmapBillingPath = "/v1-billing-details"

	// Events of the chat stream. Data of a chunk event is the raw text to append.
	roadmapChunkEvent = "chunk"
	roadmapErrorEvent = "error"
	roadmapDoneEvent  = "done"
)

// NewRoadmapAPI creates a client for the backend at baseURL, authenticating with token.
func NewRoadmapAPI(baseURL, token string, logger *slog.Logger) RoadmapAPI {
	return RoadmapAPI{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "roadmap")),
	}
}

// Chat streams the answer of the roadmap chat endpoint for the transcript.
func (r RoadmapAPI) Chat(
	ctx context.Context,
	transcript []models.Message,
	roadmap models.RoadmapContext,
) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := make([]roadmapChatMessage, len(transcript))
		for i, msg := range transcript {
			msgs[i] = roadmapChatMessage{Role: string(msg.Role), Content: msg.Content}
		}

		body, err := json.Marshal(roadmapChatRequest{Messages: msgs, AIRoadmapSlug: roadmap.RoadmapSlug})
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		resp, err := r.do(ctx, http.MethodPost, roadmapChatPath, body)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", err)
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}

			switch ev.Type {
			case roadmapChunkEvent, "message", "":
				if ev.Data == "" {
					continue
				}
				if !yield(ev.Data, nil) {
					return
				}
			case roadmapErrorEvent:
				yield("", errors.New(ev.Data))
				return
			case roadmapDoneEvent:
				return
			default:
				r.logger.Debug("Skipping event", slog.String("type", ev.Type))
			}
		}
	}
}

// FetchUsage returns the AI usage of the user.
func (r RoadmapAPI) FetchUsage(ctx context.Context) (models.Usage, error) {
	var usage models.Usage
	if err := r.getJSON(ctx, roadmapLimitPath, &usage); err != nil {
		return models.Usage{}, fmt.Errorf("failed to fetch usage: %w", err)
	}
	return usage, nil
}

// Refresh refetches the AI usage of the user.
func (r RoadmapAPI) Refresh(ctx context.Context) (models.Usage, error) {
	return r.FetchUsage(ctx)
}

// FetchStatus returns the billing status of the user.
func (r RoadmapAPI) FetchStatus(ctx context.Context) (models.BillingStatus, error) {
	var res roadmapBillingResponse
	if err := r.getJSON(ctx, roadmapBillingPath, &res); err != nil {
		return "", fmt.Errorf("failed to fetch billing details: %w", err)
	}
	return models.BillingStatus(res.Status), nil
}

// IsAuthenticated reports whether the client carries a token.
func (r RoadmapAPI) IsAuthenticated() bool {
	return r.token != ""
}

func (r RoadmapAPI) getJSON(ctx context.Context, path string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := r.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

func (r RoadmapAPI) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		var e roadmapErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e); err == nil && e.Message != "" {
			return nil, fmt.Errorf("roadmap api %s: %s", resp.Status, e.Message)
		}
		return nil, fmt.Errorf("roadmap api: unexpected status %s", resp.Status)
	}

	return resp, nil
}
