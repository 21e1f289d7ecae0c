package source

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/observability"
)

// Fetcher reads raw contract events from since's ledger onward. Results
// may be unordered, may repeat, and may include events at or before since.
// A fetcher that caps its result size must still return the events that
// follow since when any exist, or the stream stops advancing.
type Fetcher interface {
	FetchEvents(ctx context.Context, since chainevent.Cursor) ([]RawEvent, error)
}

// Chain is the Source over a Fetcher.
type Chain struct {
	fetcher    Fetcher
	normalizer *Normalizer
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n *Normalizer) ChainOption {
	return func(c *Chain) { c.normalizer = n }
}

// WithMetrics counts polled events by disposition.
func WithMetrics(m *observability.Metrics) ChainOption {
	return func(c *Chain) { c.metrics = m }
}

// NewChain returns a Source reading from f.
func NewChain(f Fetcher, logger *slog.Logger, opts ...ChainOption) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{fetcher: f, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	if c.normalizer == nil {
		c.normalizer = NewNormalizer(nil)
	}
	return c
}

// Poll returns the events strictly after since, in (ledger, index) order
// and with duplicate keys removed. Malformed events are logged and skipped
// but still advance Next so one bad event cannot wedge the stream.
func (c *Chain) Poll(ctx context.Context, since chainevent.Cursor) (*Batch, error) {
	raws, err := c.fetcher.FetchEvents(ctx, since)
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(raws, func(a, b RawEvent) int {
		if n := cmp.Compare(a.Ledger, b.Ledger); n != 0 {
			return n
		}
		return cmp.Compare(a.EventIndex, b.EventIndex)
	})

	batch := &Batch{Next: since}
	seen := make(map[chainevent.Key]struct{}, len(raws))
	for _, raw := range raws {
		if !since.Before(raw.Position()) {
			continue
		}
		if _, dup := seen[raw.Key()]; dup {
			continue
		}
		seen[raw.Key()] = struct{}{}
		batch.Seen++
		batch.Next = raw.Position()

		evt, err := c.normalizer.Normalize(raw)
		switch {
		case errors.Is(err, ErrIgnored):
			batch.Ignored++
			c.logger.DebugContext(ctx, "ignoring event", "event_key", raw.Key(), "error", err)
		case err != nil:
			batch.Malformed++
			c.logger.WarnContext(ctx, "skipping malformed event",
				"event_key", raw.Key(), "ledger", raw.Ledger, "contract", raw.ContractAddress, "error", err)
		default:
			batch.Events = append(batch.Events, evt)
		}
	}

	c.metrics.RecordPoll("accepted", len(batch.Events))
	c.metrics.RecordPoll("malformed", batch.Malformed)
	c.metrics.RecordPoll("ignored", batch.Ignored)
	return batch, nil
}
