package source_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/observability"
	"github.com/xraph/chainhook/source"
)

type staticFetcher struct {
	events []source.RawEvent
	err    error
	starts []int64
}

func (f *staticFetcher) FetchEvents(_ context.Context, since chainevent.Cursor) ([]source.RawEvent, error) {
	f.starts = append(f.starts, since.Ledger)
	if f.err != nil {
		return nil, f.err
	}
	return slices.Clone(f.events), nil
}

func burnAt(tx string, ledger int64, idx int) source.RawEvent {
	return source.RawEvent{
		ContractAddress: token,
		Topics:          []json.RawMessage{json.RawMessage(`"tok_burn"`), json.RawMessage(`"` + token + `"`)},
		Data:            json.RawMessage(`["1"]`),
		TxHash:          tx,
		Ledger:          ledger,
		EventIndex:      idx,
	}
}

func TestChainPollOrdersAndFilters(t *testing.T) {
	f := &staticFetcher{events: []source.RawEvent{
		burnAt("c", 11, 0),
		burnAt("a", 10, 1),
		burnAt("old", 10, 0),
		burnAt("b", 10, 2),
		burnAt("a", 10, 1),
	}}
	c := source.NewChain(f, nil)

	b, err := c.Poll(context.Background(), chainevent.Cursor{Ledger: 10, EventIndex: 0})
	require.NoError(t, err)

	var txs []string
	for evt := range b.All() {
		txs = append(txs, evt.TxHash)
	}
	assert.Equal(t, []string{"a", "b", "c"}, txs)
	assert.Equal(t, chainevent.Cursor{Ledger: 11, EventIndex: 0}, b.Next)
	assert.Equal(t, 3, b.Seen)
	assert.Equal(t, []int64{10}, f.starts)
}

func TestChainPollSkipsMalformedButAdvances(t *testing.T) {
	bad := burnAt("bad", 20, 1)
	bad.Data = json.RawMessage(`["not-a-number"]`)
	ignored := burnAt("ign", 20, 2)
	ignored.Topics = []json.RawMessage{json.RawMessage(`"pause"`)}

	f := &staticFetcher{events: []source.RawEvent{burnAt("ok", 20, 0), bad, ignored}}
	m := observability.NewMetrics(nil)
	c := source.NewChain(f, nil, source.WithMetrics(m))

	b, err := c.Poll(context.Background(), chainevent.Genesis(20))
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 1, b.Malformed)
	assert.Equal(t, 1, b.Ignored)
	assert.Equal(t, chainevent.Cursor{Ledger: 20, EventIndex: 2}, b.Next)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollEventsTotal.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollEventsTotal.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollEventsTotal.WithLabelValues("ignored")))
}

func TestChainPollEmptyKeepsCursor(t *testing.T) {
	since := chainevent.Cursor{Ledger: 30, EventIndex: 4}
	c := source.NewChain(&staticFetcher{events: []source.RawEvent{burnAt("x", 30, 4)}}, nil)

	b, err := c.Poll(context.Background(), since)
	require.NoError(t, err)
	assert.True(t, b.Empty())
	assert.Equal(t, since, b.Next)
}

func TestChainPollIsRepeatable(t *testing.T) {
	f := &staticFetcher{events: []source.RawEvent{burnAt("a", 5, 0), burnAt("b", 6, 0)}}
	c := source.NewChain(f, nil)

	first, err := c.Poll(context.Background(), chainevent.Genesis(5))
	require.NoError(t, err)
	second, err := c.Poll(context.Background(), chainevent.Genesis(5))
	require.NoError(t, err)

	assert.Equal(t, first.Next, second.Next)
	require.Equal(t, first.Len(), second.Len())
	for i := range first.Events {
		assert.Equal(t, first.Events[i].Key(), second.Events[i].Key())
	}
}

func TestChainPollPropagatesFetchError(t *testing.T) {
	boom := errors.New("boom")
	c := source.NewChain(&staticFetcher{err: boom}, nil)
	_, err := c.Poll(context.Background(), chainevent.Genesis(1))
	assert.ErrorIs(t, err, boom)
}
