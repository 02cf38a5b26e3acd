package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/roadmap-chat/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama streams roadmap answers from a model served by Ollama.
type Ollama struct {
	model        string
	systemPrompt string

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance for the server at host. The host must be a valid URL.
func NewOllama(host, model, systemPrompt string, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

// Chat streams the answer to the transcript. Cancelling ctx, or stopping the iteration, aborts the
// request without yielding an error.
func (o Ollama) Chat(
	ctx context.Context,
	transcript []models.Message,
	roadmap models.RoadmapContext,
) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := make([]api.Message, 0, len(transcript)+1)
		msgs = append(msgs, api.Message{
			Role:    "system",
			Content: roadmapSystemPrompt(o.systemPrompt, roadmap),
		})
		for _, msg := range transcript {
			msgs = append(msgs, api.Message{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				stopped = true
				cancel()
			}
			return nil
		})
		if err != nil && !stopped {
			if errors.Is(err, context.Canceled) {
				return
			}
			o.logger.Debug("Chat request failed", slog.String(errLoggerKey, err.Error()))
			yield("", fmt.Errorf("error sending request: %w", err))
		}
	}
}
