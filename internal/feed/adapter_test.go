package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedeck/config"
	"tradedeck/internal/accounting"
	"tradedeck/models"
)

// venueServer is a minimal stand-in for the venue's stream endpoint. It
// records every control request and lets tests push payloads or kill the
// connection without a close frame.
type venueServer struct {
	t        *testing.T
	srv      *httptest.Server
	requests chan wireRequest

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newVenueServer(t *testing.T) *venueServer {
	vs := &venueServer{
		t:        t,
		requests: make(chan wireRequest, 32),
	}
	upgrader := websocket.Upgrader{}
	vs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		vs.mu.Lock()
		vs.conns = append(vs.conns, ws)
		vs.mu.Unlock()

		for {
			var req wireRequest
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			vs.requests <- req
		}
	}))
	t.Cleanup(vs.srv.Close)
	return vs
}

func (vs *venueServer) url() string {
	return "ws" + strings.TrimPrefix(vs.srv.URL, "http")
}

// push writes a raw text frame on the most recent connection.
func (vs *venueServer) push(msg string) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	require.NotEmpty(vs.t, vs.conns, "no connection to push on")
	ws := vs.conns[len(vs.conns)-1]
	require.NoError(vs.t, ws.WriteMessage(websocket.TextMessage, []byte(msg)))
}

// dropAll kills every connection without a close frame, simulating a network
// failure the client should treat as abnormal.
func (vs *venueServer) dropAll() {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	for _, ws := range vs.conns {
		_ = ws.Close()
	}
	vs.conns = nil
}

func (vs *venueServer) waitRequest(timeout time.Duration) (wireRequest, bool) {
	select {
	case req := <-vs.requests:
		return req, true
	case <-time.After(timeout):
		return wireRequest{}, false
	}
}

func (vs *venueServer) requireNoRequest(d time.Duration) {
	select {
	case req := <-vs.requests:
		vs.t.Fatalf("unexpected wire request %s %v", req.Method, req.Params)
	case <-time.After(d):
	}
}

func newTestAdapter(t *testing.T, url string, retry config.RetryConfig) (*Adapter, *accounting.Channels) {
	cfg := &config.Config{}
	cfg.Venue.Name = "testvenue"
	cfg.Venue.Stream = config.VenueStreamConfig{
		URL:              url,
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     2 * time.Second,
	}
	cfg.Retry = retry

	acct := accounting.NewChannels(32, 32)
	a := NewAdapter(cfg, acct)
	t.Cleanup(a.Close)
	return a, acct
}

func defaultRetry() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:       5,
		BaseDelay:         10 * time.Millisecond,
		MaxDelay:          50 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func TestAdapterMultiplexesWireSubscriptions(t *testing.T) {
	vs := newVenueServer(t)
	a, _ := newTestAdapter(t, vs.url(), defaultRetry())
	ctx := context.Background()

	id := models.FeedIdentity{Venue: "testvenue", Symbol: "BTCUSDT", Kind: models.FeedKindCandle, Param: "1m"}

	tokA, err := a.Subscribe(ctx, id, func(models.Event) {})
	require.NoError(t, err)
	tokB, err := a.Subscribe(ctx, id, func(models.Event) {})
	require.NoError(t, err)
	tokC, err := a.Subscribe(ctx, id, func(models.Event) {})
	require.NoError(t, err)

	req, ok := vs.waitRequest(2 * time.Second)
	require.True(t, ok, "expected a SUBSCRIBE on the wire")
	assert.Equal(t, "SUBSCRIBE", req.Method)
	assert.Equal(t, []string{"btcusdt@kline_1m"}, req.Params)

	// The other two subscribers must not produce wire traffic.
	vs.requireNoRequest(100 * time.Millisecond)

	require.NoError(t, a.Unsubscribe(ctx, id, tokA))
	require.NoError(t, a.Unsubscribe(ctx, id, tokB))
	vs.requireNoRequest(100 * time.Millisecond)

	require.NoError(t, a.Unsubscribe(ctx, id, tokC))
	req, ok = vs.waitRequest(2 * time.Second)
	require.True(t, ok, "expected an UNSUBSCRIBE once the last subscriber left")
	assert.Equal(t, "UNSUBSCRIBE", req.Method)
	assert.Equal(t, []string{"btcusdt@kline_1m"}, req.Params)
}

func TestAdapterDispatchesCandles(t *testing.T) {
	vs := newVenueServer(t)
	a, _ := newTestAdapter(t, vs.url(), defaultRetry())
	ctx := context.Background()

	id := models.FeedIdentity{Venue: "testvenue", Symbol: "BTCUSDT", Kind: models.FeedKindCandle, Param: "1m"}
	events := make(chan models.Event, 1)
	_, err := a.Subscribe(ctx, id, func(e models.Event) { events <- e })
	require.NoError(t, err)

	_, ok := vs.waitRequest(2 * time.Second)
	require.True(t, ok)

	vs.push(`{"stream":"btcusdt@kline_1m","data":{"s":"BTCUSDT","k":{"t":1700000000000,"o":"100","h":"110","l":"90","c":"105","v":"12.5","i":"1m"}}}`)

	select {
	case e := <-events:
		candle, isCandle := e.(models.Candle)
		require.True(t, isCandle)
		assert.Equal(t, "BTCUSDT", candle.Symbol)
		assert.Equal(t, "1m", candle.Interval)
		assert.Equal(t, "105", candle.Close.String())
		assert.Equal(t, time.UnixMilli(1700000000000).UTC(), candle.Time)
	case <-time.After(2 * time.Second):
		t.Fatal("candle never reached the subscriber")
	}
}

func TestAdapterForwardsTradesToAccounting(t *testing.T) {
	vs := newVenueServer(t)
	a, acct := newTestAdapter(t, vs.url(), defaultRetry())
	ctx := context.Background()

	id := models.FeedIdentity{Venue: "testvenue", Symbol: "BTCUSDT", Kind: models.FeedKindTrade}
	_, err := a.Subscribe(ctx, id, func(models.Event) {})
	require.NoError(t, err)

	// First trade subscriber starts price tracking.
	select {
	case msg := <-acct.In:
		sub, isSub := msg.(accounting.SubscribeSymbol)
		require.True(t, isSub)
		assert.Equal(t, "BTCUSDT", sub.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("no SubscribeSymbol reached the accounting channel")
	}

	_, ok := vs.waitRequest(2 * time.Second)
	require.True(t, ok)

	vs.push(`{"stream":"btcusdt@trade","data":{"s":"BTCUSDT","p":"65000.5","q":"0.25","T":1700000001000}}`)

	select {
	case msg := <-acct.In:
		tick, isTick := msg.(accounting.TradeTick)
		require.True(t, isTick)
		assert.Equal(t, "BTCUSDT", tick.Symbol)
		assert.Equal(t, "65000.5", tick.Price.String())
	case <-time.After(2 * time.Second):
		t.Fatal("no TradeTick reached the accounting channel")
	}
}

func TestAdapterFansOutUnattributedDepth(t *testing.T) {
	vs := newVenueServer(t)
	a, _ := newTestAdapter(t, vs.url(), defaultRetry())
	ctx := context.Background()

	btc := models.FeedIdentity{Venue: "testvenue", Symbol: "BTCUSDT", Kind: models.FeedKindDepth}
	eth := models.FeedIdentity{Venue: "testvenue", Symbol: "ETHUSDT", Kind: models.FeedKindDepth}

	events := make(chan models.Event, 2)
	_, err := a.Subscribe(ctx, btc, func(e models.Event) { events <- e })
	require.NoError(t, err)
	_, err = a.Subscribe(ctx, eth, func(e models.Event) { events <- e })
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, ok := vs.waitRequest(2 * time.Second)
		require.True(t, ok)
	}

	// No stream label: the payload cannot be attributed to one instrument.
	vs.push(`{"bids":[["100","1.5"]],"asks":[["101","2"]],"E":1700000002000}`)

	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			snap, isSnap := e.(models.BookSnapshot)
			require.True(t, isSnap)
			assert.Empty(t, snap.Symbol)
			require.Len(t, snap.Bids, 1)
			assert.Equal(t, "100", snap.Bids[0].Price.String())
		case <-time.After(2 * time.Second):
			t.Fatalf("depth subscriber %d never got the snapshot", i)
		}
	}
}

func TestAdapterIgnoresMalformedPayloads(t *testing.T) {
	vs := newVenueServer(t)
	a, _ := newTestAdapter(t, vs.url(), defaultRetry())
	ctx := context.Background()

	id := models.FeedIdentity{Venue: "testvenue", Symbol: "BTCUSDT", Kind: models.FeedKindCandle, Param: "1m"}
	events := make(chan models.Event, 1)
	_, err := a.Subscribe(ctx, id, func(e models.Event) { events <- e })
	require.NoError(t, err)

	_, ok := vs.waitRequest(2 * time.Second)
	require.True(t, ok)

	vs.push(`this is not json`)
	vs.push(`{"stream":"btcusdt@kline_1m","data":{"k":{"o":12}}}`)
	vs.push(`{"stream":"btcusdt@kline_1m","data":{"s":"BTCUSDT","k":{"t":1700000000000,"o":"1","h":"1","l":"1","c":"1","v":"1","i":"1m"}}}`)

	// The garbage must not kill the connection: the valid candle still lands.
	select {
	case e := <-events:
		_, isCandle := e.(models.Candle)
		assert.True(t, isCandle)
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive malformed payloads")
	}
}

func TestAdapterReconnectsAndResubscribes(t *testing.T) {
	vs := newVenueServer(t)
	a, _ := newTestAdapter(t, vs.url(), defaultRetry())
	ctx := context.Background()

	btc := models.FeedIdentity{Venue: "testvenue", Symbol: "BTCUSDT", Kind: models.FeedKindCandle, Param: "1m"}
	eth := models.FeedIdentity{Venue: "testvenue", Symbol: "ETHUSDT", Kind: models.FeedKindTrade}

	tokBTC, err := a.Subscribe(ctx, btc, func(models.Event) {})
	require.NoError(t, err)
	_, err = a.Subscribe(ctx, eth, func(models.Event) {})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, ok := vs.waitRequest(2 * time.Second)
		require.True(t, ok)
	}

	// One identity goes away before the drop; it must not be resubscribed.
	require.NoError(t, a.Unsubscribe(ctx, btc, tokBTC))
	req, ok := vs.waitRequest(2 * time.Second)
	require.True(t, ok)
	require.Equal(t, "UNSUBSCRIBE", req.Method)

	vs.dropAll()

	req, ok = vs.waitRequest(5 * time.Second)
	require.True(t, ok, "expected a resubscribe after reconnection")
	assert.Equal(t, "SUBSCRIBE", req.Method)
	assert.Equal(t, []string{"ethusdt@trade"}, req.Params)
}

func TestAdapterReportsTerminalFailureOnce(t *testing.T) {
	vs := newVenueServer(t)
	retry := config.RetryConfig{
		MaxAttempts:       2,
		BaseDelay:         5 * time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	a, _ := newTestAdapter(t, vs.url(), retry)
	ctx := context.Background()

	id := models.FeedIdentity{Venue: "testvenue", Symbol: "BTCUSDT", Kind: models.FeedKindCandle, Param: "1m"}
	_, err := a.Subscribe(ctx, id, func(models.Event) {})
	require.NoError(t, err)

	_, ok := vs.waitRequest(2 * time.Second)
	require.True(t, ok)

	// Kill the venue entirely so every reconnect attempt fails.
	vs.dropAll()
	vs.srv.CloseClientConnections()
	vs.srv.Close()

	select {
	case fatalErr := <-a.Fatal():
		require.Error(t, fatalErr)
		assert.Contains(t, fatalErr.Error(), "after 2 attempts")
	case <-time.After(5 * time.Second):
		t.Fatal("terminal failure was never reported")
	}

	select {
	case err := <-a.Fatal():
		t.Fatalf("terminal failure reported twice: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAdapterConnectDuringBackoffIsKept(t *testing.T) {
	vs := newVenueServer(t)
	retry := config.RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         400 * time.Millisecond,
		MaxDelay:          400 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	a, _ := newTestAdapter(t, vs.url(), retry)
	ctx := context.Background()

	id := models.FeedIdentity{Venue: "testvenue", Symbol: "BTCUSDT", Kind: models.FeedKindCandle, Param: "1m"}
	events := make(chan models.Event, 4)
	_, err := a.Subscribe(ctx, id, func(e models.Event) { events <- e })
	require.NoError(t, err)

	_, ok := vs.waitRequest(2 * time.Second)
	require.True(t, ok)

	vs.dropAll()

	// Wait until the drop is noticed, then reconnect by hand while the
	// backoff loop is still sleeping.
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return !a.connected
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Connect(ctx))

	req, ok := vs.waitRequest(2 * time.Second)
	require.True(t, ok)
	require.Equal(t, "SUBSCRIBE", req.Method)

	// When the backoff timer fires it must leave the live connection alone.
	time.Sleep(600 * time.Millisecond)

	vs.mu.Lock()
	conns := len(vs.conns)
	vs.mu.Unlock()
	assert.Equal(t, 1, conns, "the backoff loop must not re-dial over a live connection")
	vs.requireNoRequest(100 * time.Millisecond)

	vs.push(`{"stream":"btcusdt@kline_1m","data":{"s":"BTCUSDT","k":{"t":1700000000000,"o":"1","h":"1","l":"1","c":"1","v":"1","i":"1m"}}}`)
	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("connection established during backoff was torn down")
	}
}

func TestAdapterFailedSubscribeIsNotMarkedWired(t *testing.T) {
	vs := newVenueServer(t)
	// No reconnect attempts: the connection stays dead once killed.
	retry := config.RetryConfig{BaseDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 2}
	a, _ := newTestAdapter(t, vs.url(), retry)

	require.NoError(t, a.Connect(context.Background()))

	// Kill the underlying connection so the next control write fails.
	a.conn.Close(false)

	id := models.FeedIdentity{Venue: "testvenue", Symbol: "BTCUSDT", Kind: models.FeedKindCandle, Param: "1m"}

	// Depending on when the read loop notices the drop, the write either
	// fails or is skipped as disconnected; either way the identity must not
	// end up marked as wired, and nothing reaches the venue.
	_ = a.ensureWired(id)

	a.mu.Lock()
	wired := a.wired[id]
	a.mu.Unlock()
	assert.False(t, wired, "a failed subscribe must not leave the identity marked wired")
	vs.requireNoRequest(100 * time.Millisecond)
}

func TestAdapterConnectIsSingleFlight(t *testing.T) {
	vs := newVenueServer(t)
	a, _ := newTestAdapter(t, vs.url(), defaultRetry())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Connect(context.Background()))
		}()
	}
	wg.Wait()

	vs.mu.Lock()
	defer vs.mu.Unlock()
	assert.Len(t, vs.conns, 1, "concurrent connects must share one physical connection")
}
