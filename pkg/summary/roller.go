package summary

import (
	"context"
	"fmt"

	"github.com/odvcencio/listopia/pkg/logging"
	"github.com/odvcencio/listopia/pkg/storage"
	"github.com/odvcencio/listopia/pkg/telemetry"
)

// Store is the persistence the roller needs.
type Store interface {
	AppendExchange(ctx context.Context, ex storage.Exchange) (int, error)
	RecentUserTurns(ctx context.Context, sessionID string, n int) ([]storage.Message, error)
	PutSummary(ctx context.Context, rec storage.Summary) error
}

// Config sets the two windows, in user turns.
type Config struct {
	ShortWindow int
	LongWindow  int
	MaxRunes    int
}

// Roller appends completed exchanges and rewrites both summary tiers.
type Roller struct {
	store  Store
	policy Policy
	cfg    Config
	log    *logging.Logger
}

// NewRoller creates a roller. A nil policy uses Extractive.
func NewRoller(store Store, policy Policy, cfg Config, log *logging.Logger) *Roller {
	if policy == nil {
		policy = Extractive{}
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Roller{store: store, policy: policy, cfg: cfg, log: log}
}

// Result reports what a roll-forward wrote.
type Result struct {
	UserTurn int
	Short    storage.Summary
	Long     storage.Summary
}

// Roll appends ex to the transcript and recomputes both tiers from it. Each
// tier is derived from the transcript directly, never from the other tier.
func (r *Roller) Roll(ctx context.Context, ex storage.Exchange) (*Result, error) {
	userTurn, err := r.store.AppendExchange(ctx, ex)
	if err != nil {
		return nil, err
	}

	longWindow, err := r.store.RecentUserTurns(ctx, ex.SessionID, r.cfg.LongWindow)
	if err != nil {
		return nil, err
	}
	shortWindow := lastUserTurns(longWindow, r.cfg.ShortWindow)

	res := &Result{
		UserTurn: userTurn,
		Short:    r.build(ex.SessionID, storage.TierShort, shortWindow),
		Long:     r.build(ex.SessionID, storage.TierLong, longWindow),
	}

	for _, rec := range []storage.Summary{res.Long, res.Short} {
		err := r.store.PutSummary(ctx, rec)
		telemetry.SummaryWrites.WithLabelValues(string(rec.Tier), telemetry.Outcome(err)).Inc()
		if err != nil {
			return nil, fmt.Errorf("roll %s summary: %w", rec.Tier, err)
		}
	}

	r.log.SummaryRolled(ex.SessionID, userTurn)
	return res, nil
}

func (r *Roller) build(sessionID string, tier storage.Tier, window []storage.Message) storage.Summary {
	rec := storage.Summary{
		SessionID: sessionID,
		Tier:      tier,
		Text:      r.policy.Summarize(window, r.cfg.MaxRunes),
	}
	if len(window) > 0 {
		rec.FromTurn = window[0].UserTurn
		rec.ToTurn = window[len(window)-1].UserTurn
	}
	return rec
}

// lastUserTurns keeps the messages belonging to the newest n user turns.
func lastUserTurns(msgs []storage.Message, n int) []storage.Message {
	if n <= 0 || len(msgs) == 0 {
		return nil
	}
	latest := msgs[len(msgs)-1].UserTurn
	cut := latest - n
	for i, m := range msgs {
		if m.UserTurn > cut {
			return msgs[i:]
		}
	}
	return nil
}
