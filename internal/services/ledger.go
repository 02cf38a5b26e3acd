package services

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/roadmap-chat/internal/models"
	"github.com/MegaGrindStone/roadmap-chat/internal/session"
)

// Ledger counts answers per user and day in BoltDB, enforcing a daily limit. It is the quota backend
// when the assistant runs against a model provider directly instead of the roadmap API.
type Ledger struct {
	db    BoltDB
	user  string
	limit int

	now func() time.Time
}

// NewLedger creates a Ledger for user with the given daily answer limit.
func NewLedger(db BoltDB, user string, dailyLimit int) Ledger {
	return Ledger{db: db, user: user, limit: dailyLimit, now: time.Now}
}

// FetchUsage returns today's answer count and the daily limit.
func (l Ledger) FetchUsage(ctx context.Context) (models.Usage, error) {
	used, err := l.db.Usage(ctx, l.user, l.now())
	if err != nil {
		return models.Usage{}, fmt.Errorf("failed to read usage: %w", err)
	}
	return models.Usage{Used: used, Limit: l.limit}, nil
}

// Refresh reads the usage again. The ledger has no cache, so this is FetchUsage.
func (l Ledger) Refresh(ctx context.Context) (models.Usage, error) {
	return l.FetchUsage(ctx)
}

// Record counts one answer for today.
func (l Ledger) Record(ctx context.Context) error {
	if _, err := l.db.AddUsage(ctx, l.user, l.now()); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// MeteredClient wraps a streaming client and records every answer that streamed to the end in a
// Ledger. Cancelled and failed streams are not counted.
type MeteredClient struct {
	next   session.StreamingClient
	ledger Ledger

	logger *slog.Logger
}

// NewMeteredClient wraps next with usage recording.
func NewMeteredClient(
	next session.StreamingClient,
	ledger Ledger,
	logger *slog.Logger,
) MeteredClient {
	return MeteredClient{
		next:   next,
		ledger: ledger,
		logger: logger.With(slog.String("module", "ledger")),
	}
}

// Chat streams from the wrapped client and records the answer once the stream ends cleanly.
func (m MeteredClient) Chat(
	ctx context.Context,
	transcript []models.Message,
	roadmap models.RoadmapContext,
) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for chunk, err := range m.next.Chat(ctx, transcript, roadmap) {
			if !yield(chunk, err) || err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err := m.ledger.Record(context.WithoutCancel(ctx)); err != nil {
			m.logger.Error("Failed to record answer", slog.String(errLoggerKey, err.Error()))
		}
	}
}
