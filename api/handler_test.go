package api_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/chainhook"
	"github.com/xraph/chainhook/api"
	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/source"
	"github.com/xraph/chainhook/store/memory"
	"github.com/xraph/chainhook/subscription"
)

type oneBatch struct{ events []*chainevent.Event }

func (s oneBatch) Poll(_ context.Context, since chainevent.Cursor) (*source.Batch, error) {
	b := &source.Batch{Events: s.events, Seen: len(s.events), Next: since}
	if n := len(s.events); n > 0 {
		b.Next = s.events[n-1].Position()
	}
	return b, nil
}

type env struct {
	hook *chainhook.Hook
	srv  *httptest.Server
}

func testServer(t *testing.T, events ...*chainevent.Event) *env {
	t.Helper()

	h, err := chainhook.New(
		chainhook.WithStore(memory.New()),
		chainhook.WithSource(oneBatch{events: events}),
		chainhook.WithMaxAttempts(1),
		chainhook.WithCacheTTL(0),
	)
	require.NoError(t, err)

	srv := httptest.NewServer(api.ForHook(h, slog.Default()))
	t.Cleanup(srv.Close)
	return &env{hook: h, srv: srv}
}

func (e *env) subscribe(t *testing.T, url, creator string) *subscription.Subscription {
	t.Helper()
	sub, err := e.hook.Subscriptions().Create(context.Background(), subscription.Input{
		URL:        url,
		EventTypes: []string{string(chainevent.TypeBurnSelf)},
		CreatedBy:  creator,
	})
	require.NoError(t, err)
	return sub
}

func do(t *testing.T, method, url string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func burn(tx string, ledgerSeq int64) *chainevent.Event {
	return &chainevent.Event{
		Type:         chainevent.TypeBurnSelf,
		TokenAddress: "CTOKEN",
		Fields:       map[string]any{"from": "GHOLDER", "amount": "5"},
		TxHash:       tx,
		Ledger:       ledgerSeq,
		ObservedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestListSubscriptions(t *testing.T) {
	e := testServer(t)

	resp := do(t, http.MethodGet, e.srv.URL+"/subscriptions", nil)
	var empty []map[string]any
	decodeBody(t, resp, &empty)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, empty)

	e.subscribe(t, "https://a.example.com/hook", "GALICE")
	e.subscribe(t, "https://b.example.com/hook", "GBOB")

	resp = do(t, http.MethodGet, e.srv.URL+"/subscriptions?created_by=GALICE", nil)
	var subs []map[string]any
	decodeBody(t, resp, &subs)
	require.Len(t, subs, 1)
	assert.Equal(t, "GALICE", subs[0]["created_by"])
}

func TestGetSubscriptionHidesSecret(t *testing.T) {
	e := testServer(t)
	sub := e.subscribe(t, "https://a.example.com/hook", "GALICE")

	resp := do(t, http.MethodGet, e.srv.URL+"/subscriptions/"+sub.ID.String(), nil)
	var got map[string]any
	decodeBody(t, resp, &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sub.ID.String(), got["id"])
	assert.NotContains(t, got, "secret")
}

func TestGetSubscriptionErrors(t *testing.T) {
	e := testServer(t)

	resp := do(t, http.MethodGet, e.srv.URL+"/subscriptions/not-an-id", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, e.srv.URL+"/subscriptions/"+id.NewSubscriptionID().String(), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// A delivery log ID is not a subscription ID.
	resp = do(t, http.MethodGet, e.srv.URL+"/subscriptions/"+id.NewDeliveryLogID().String(), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActivateDeactivate(t *testing.T) {
	e := testServer(t)
	sub := e.subscribe(t, "https://a.example.com/hook", "GALICE")
	url := e.srv.URL + "/subscriptions/" + sub.ID.String()

	resp := do(t, http.MethodPost, url+"/deactivate", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err := e.hook.Subscriptions().Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	resp = do(t, http.MethodPost, url+"/activate", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err = e.hook.Subscriptions().Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
}

func TestRotateSecret(t *testing.T) {
	e := testServer(t)
	sub := e.subscribe(t, "https://a.example.com/hook", "GALICE")

	resp := do(t, http.MethodPost, e.srv.URL+"/subscriptions/"+sub.ID.String()+"/rotate-secret", nil)
	var body map[string]string
	decodeBody(t, resp, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["secret"])
	assert.NotEqual(t, sub.Secret, body["secret"])

	got, err := e.hook.Subscriptions().Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, body["secret"], got.Secret)
}

func TestDeleteSubscription(t *testing.T) {
	e := testServer(t)
	sub := e.subscribe(t, "https://a.example.com/hook", "GALICE")
	url := e.srv.URL + "/subscriptions/" + sub.ID.String()

	resp := do(t, http.MethodDelete, url, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodDelete, url, map[string]string{api.CallerHeader: "GMALLORY"})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = do(t, http.MethodDelete, url, map[string]string{api.CallerHeader: "GALICE"})
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, url, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, url+"/deliveries", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeliveriesAndReplay(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	rcv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	t.Cleanup(rcv.Close)

	e := testServer(t, burn("tx1", 7))
	sub := e.subscribe(t, rcv.URL, "GALICE")

	cycle, err := e.hook.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, cycle.Failed)

	resp := do(t, http.MethodGet, e.srv.URL+"/subscriptions/"+sub.ID.String()+"/deliveries?limit=10", nil)
	var logs []map[string]any
	decodeBody(t, resp, &logs)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, logs, 1)
	assert.Equal(t, false, logs[0]["success"])
	assert.Equal(t, true, logs[0]["terminal"])
	assert.True(t, strings.HasPrefix(logs[0]["event_key"].(string), "tx1"))

	replayURL := e.srv.URL + "/deliveries/" + logs[0]["id"].(string) + "/replay"

	status.Store(http.StatusOK)
	resp = do(t, http.MethodPost, replayURL, nil)
	var replayed map[string]any
	decodeBody(t, resp, &replayed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, replayed["success"])
	assert.Equal(t, logs[0]["id"], replayed["id"])

	resp = do(t, http.MethodPost, replayURL, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestReplayNotFound(t *testing.T) {
	e := testServer(t)

	resp := do(t, http.MethodPost, e.srv.URL+"/deliveries/"+id.NewDeliveryLogID().String()+"/replay", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPost, e.srv.URL+"/deliveries/bogus/replay", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
