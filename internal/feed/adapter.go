package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradedeck/config"
	"tradedeck/internal/accounting"
	"tradedeck/internal/stream"
	"tradedeck/logger"
	"tradedeck/models"
)

// wireRequest is the venue's stream control message.
type wireRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
	ID     uint64   `json:"id"`
}

// streamEnvelope wraps payloads that are attributed to one stream. Messages
// without a stream label arrive connection-wide.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *uint64         `json:"id,omitempty"`
}

type klinePayload struct {
	Symbol string `json:"s"`
	Kline  struct {
		OpenTime int64           `json:"t"`
		Open     decimal.Decimal `json:"o"`
		High     decimal.Decimal `json:"h"`
		Low      decimal.Decimal `json:"l"`
		Close    decimal.Decimal `json:"c"`
		Volume   decimal.Decimal `json:"v"`
		Interval string          `json:"i"`
	} `json:"k"`
}

type tradePayload struct {
	Symbol   string          `json:"s"`
	Price    decimal.Decimal `json:"p"`
	Quantity decimal.Decimal `json:"q"`
	TradeTs  int64           `json:"T"`
}

type depthPayload struct {
	Symbol  string      `json:"s,omitempty"`
	Bids    [][2]string `json:"bids"`
	Asks    [][2]string `json:"asks"`
	EventTs int64       `json:"E"`
}

// Adapter composes the stream connection, the reconnect policy and the
// subscription registry into the subscribe/unsubscribe/connect contract the
// UI layer consumes. N logical subscribers to the same identity cost exactly
// one wire subscription.
type Adapter struct {
	cfg      *config.Config
	registry *Registry
	conn     *stream.Conn
	policy   stream.ReconnectPolicy
	history  *HistoryClient
	acct     *accounting.Channels
	log      *logger.Log

	mu         sync.Mutex
	pending    chan struct{} // shared by every caller joining a connect
	connectErr error
	connected  bool
	closing    bool
	connGen    uint64 // bumped on every successful dial; stale read loops check it
	wired      map[models.FeedIdentity]bool

	closeOnce sync.Once
	closeCh   chan struct{}
	fatalCh   chan error
	reqID     uint64
}

func NewAdapter(cfg *config.Config, acct *accounting.Channels) *Adapter {
	return &Adapter{
		cfg:      cfg,
		registry: NewRegistry(),
		conn:     stream.NewConn(cfg.Venue.Stream),
		policy:   stream.PolicyFromConfig(cfg.Retry),
		history:  NewHistoryClient(cfg.Venue.History),
		acct:     acct,
		log:      logger.GetLogger(),
		wired:    make(map[models.FeedIdentity]bool),
		closeCh:  make(chan struct{}),
		fatalCh:  make(chan error, 1),
	}
}

// Fatal delivers the single terminal connection failure, if one occurs, after
// the reconnect policy is exhausted.
func (a *Adapter) Fatal() <-chan error {
	return a.fatalCh
}

// Registry exposes the subscription registry, mainly for tests and
// introspection.
func (a *Adapter) Registry() *Registry {
	return a.registry
}

// Subscribe registers the callback for a feed and returns the token used to
// unsubscribe it later. Connecting is lazy: the first subscriber triggers the
// dial, later ones join whatever connection or in-flight attempt exists.
func (a *Adapter) Subscribe(ctx context.Context, identity models.FeedIdentity, cb Callback) (uuid.UUID, error) {
	identity = identity.Canonical()
	token := uuid.New()
	first := a.registry.Add(identity, token, cb)

	if first && identity.Kind == models.FeedKindTrade {
		a.acct.SendIn(ctx, accounting.SubscribeSymbol{Symbol: identity.Symbol})
	}

	if err := a.Connect(ctx); err != nil {
		return token, fmt.Errorf("subscribe %s: %w", identity.String(), err)
	}

	if err := a.ensureWired(identity); err != nil {
		return token, fmt.Errorf("subscribe %s: %w", identity.String(), err)
	}
	return token, nil
}

// Unsubscribe removes one subscriber. The wire stream is only torn down when
// the identity has no subscribers left.
func (a *Adapter) Unsubscribe(ctx context.Context, identity models.FeedIdentity, token uuid.UUID) error {
	identity = identity.Canonical()
	if empty := a.registry.Remove(identity, token); !empty {
		return nil
	}
	return a.teardown(ctx, identity)
}

// UnsubscribeAll removes every subscriber of an identity at once.
func (a *Adapter) UnsubscribeAll(ctx context.Context, identity models.FeedIdentity) error {
	identity = identity.Canonical()
	if hadAny := a.registry.RemoveAll(identity); !hadAny {
		return nil
	}
	return a.teardown(ctx, identity)
}

func (a *Adapter) teardown(ctx context.Context, identity models.FeedIdentity) error {
	if identity.Kind == models.FeedKindTrade && !a.registry.HasTradeSubscribers(identity.Symbol) {
		a.acct.SendIn(ctx, accounting.UnsubscribeSymbol{Symbol: identity.Symbol})
	}

	a.mu.Lock()
	wired := a.wired[identity]
	delete(a.wired, identity)
	connected := a.connected
	a.mu.Unlock()

	if !wired || !connected {
		return nil
	}
	if err := a.sendRequest("UNSUBSCRIBE", []string{identity.StreamName()}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", identity.String(), err)
	}
	return nil
}

// Connect establishes the venue connection. Concurrent calls while a dial is
// in flight share the same attempt; a second physical connection is never
// opened.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return fmt.Errorf("adapter is closed")
	}
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	if a.pending == nil {
		a.pending = make(chan struct{})
		go a.dial(a.pending)
	}
	pending := a.pending
	a.mu.Unlock()

	select {
	case <-pending:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectErr
}

func (a *Adapter) dial(done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Venue.Stream.HandshakeTimeout)
	err := a.conn.Dial(ctx)
	cancel()

	a.mu.Lock()
	a.connectErr = err
	a.connected = err == nil
	a.pending = nil
	a.wired = make(map[models.FeedIdentity]bool)
	if err == nil {
		a.connGen++
	}
	gen := a.connGen
	a.mu.Unlock()
	close(done)

	if err != nil {
		a.log.WithComponent("market_adapter").WithError(err).Error("connect failed")
		return
	}

	a.resubscribeAll()
	go a.readLoop(gen)
}

// ensureWired sends the wire SUBSCRIBE for an identity unless the current
// connection already carries it. The wired mark is rolled back on a failed
// write so the identity can be retried and a later teardown does not emit a
// spurious UNSUBSCRIBE.
func (a *Adapter) ensureWired(identity models.FeedIdentity) error {
	a.mu.Lock()
	if !a.connected || a.wired[identity] {
		a.mu.Unlock()
		return nil
	}
	a.wired[identity] = true
	a.mu.Unlock()

	if err := a.sendRequest("SUBSCRIBE", []string{identity.StreamName()}); err != nil {
		a.mu.Lock()
		delete(a.wired, identity)
		a.mu.Unlock()
		return err
	}
	return nil
}

// resubscribeAll wires the full current set of active identities, typically
// right after a (re)connect. Subscriber state survives the drop untouched.
func (a *Adapter) resubscribeAll() {
	identities := a.registry.ActiveIdentities()
	if len(identities) == 0 {
		return
	}

	streams := make([]string, 0, len(identities))
	marked := make([]models.FeedIdentity, 0, len(identities))
	a.mu.Lock()
	for _, identity := range identities {
		if !a.wired[identity] {
			a.wired[identity] = true
			marked = append(marked, identity)
			streams = append(streams, identity.StreamName())
		}
	}
	a.mu.Unlock()

	if len(streams) == 0 {
		return
	}
	if err := a.sendRequest("SUBSCRIBE", streams); err != nil {
		a.mu.Lock()
		for _, identity := range marked {
			delete(a.wired, identity)
		}
		a.mu.Unlock()
		a.log.WithComponent("market_adapter").WithError(err).Warn("failed to resubscribe streams")
	}
}

func (a *Adapter) sendRequest(method string, streams []string) error {
	req := wireRequest{
		Method: method,
		Params: streams,
		ID:     atomic.AddUint64(&a.reqID, 1),
	}
	a.log.WithComponent("market_adapter").WithFields(logger.Fields{
		"method":  method,
		"streams": streams,
	}).Info("sending stream request")
	return a.conn.WriteJSON(req)
}

// HistoricalBars fetches candles over REST. The venue hard-caps the page size
// at 1000 regardless of the requested limit.
func (a *Adapter) HistoricalBars(ctx context.Context, symbol, resolution string, start, end time.Time, limit int) ([]models.Candle, error) {
	return a.history.GetBars(ctx, symbol, resolution, start, end, limit)
}

// Close shuts the adapter down for good: the connection closes with a normal
// close frame and no reconnection is attempted.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closing = true
		a.connected = false
		a.mu.Unlock()
		close(a.closeCh)
		a.conn.Close(true)
		a.log.WithComponent("market_adapter").Info("adapter closed")
	})
}

// readLoop reads frames for one connection generation. A loop whose
// generation is no longer current belongs to a connection that was already
// replaced; it exits without touching adapter state or triggering another
// reconnect.
func (a *Adapter) readLoop(gen uint64) {
	pingStop := make(chan struct{})
	defer close(pingStop)
	go a.pingLoop(pingStop)

	for {
		a.mu.Lock()
		stale := gen != a.connGen
		a.mu.Unlock()
		if stale {
			return
		}

		msg, err := a.conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			stale = gen != a.connGen
			closing := a.closing
			if !stale {
				a.connected = false
			}
			a.mu.Unlock()

			if stale || closing || !stream.UnexpectedClose(err) {
				a.log.WithComponent("market_adapter").Info("read loop finished")
				return
			}

			a.log.WithComponent("market_adapter").WithError(err).Warn("connection dropped unexpectedly")
			go a.reconnect()
			return
		}
		a.handleMessage(msg)
	}
}

func (a *Adapter) pingLoop(stop <-chan struct{}) {
	interval := a.cfg.Venue.Stream.PingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := a.conn.Ping(); err != nil {
				return
			}
		}
	}
}

// reconnect runs the backoff loop after an unexpected drop. Exhausting the
// policy is terminal: it is reported once and no further attempts are made.
// Each attempt goes through the same single-flight guard as Connect, so a
// consumer-initiated connect during a backoff window is joined, never torn
// down and re-dialed.
func (a *Adapter) reconnect() {
	log := a.log.WithComponent("market_adapter")

	for attempt := 1; ; attempt++ {
		delay, ok := a.policy.Delay(attempt)
		if !ok {
			err := fmt.Errorf("venue connection lost after %d attempts: %w",
				a.policy.MaxAttempts, stream.ErrRetriesExhausted)
			log.WithError(err).Error("giving up on reconnection")
			select {
			case a.fatalCh <- err:
			default:
			}
			return
		}

		select {
		case <-a.closeCh:
			return
		case <-time.After(delay):
		}

		a.mu.Lock()
		if a.closing || a.connected {
			a.mu.Unlock()
			return
		}
		if a.pending != nil {
			// A Connect call is already dialing; join its outcome.
			pending := a.pending
			a.mu.Unlock()
			<-pending

			a.mu.Lock()
			connected := a.connected
			a.mu.Unlock()
			if connected {
				return
			}
			continue
		}
		pending := make(chan struct{})
		a.pending = pending
		a.mu.Unlock()

		log.WithFields(logger.Fields{"attempt": attempt, "delay": delay.String()}).Info("reconnecting")

		a.conn.Close(false)
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Venue.Stream.HandshakeTimeout)
		err := a.conn.Dial(ctx)
		cancel()

		a.mu.Lock()
		a.connectErr = err
		a.connected = err == nil
		a.pending = nil
		if err == nil {
			a.wired = make(map[models.FeedIdentity]bool)
			a.connGen++
		}
		gen := a.connGen
		a.mu.Unlock()
		close(pending)

		if err != nil {
			log.WithError(err).Warn("reconnect attempt failed")
			continue
		}

		a.resubscribeAll()
		go a.readLoop(gen)
		return
	}
}

func (a *Adapter) handleMessage(msg []byte) {
	log := a.log.WithComponent("market_adapter")

	var env streamEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		log.WithError(err).Warn("malformed inbound message, dropping")
		return
	}

	if env.Stream == "" {
		if env.ID != nil {
			// Ack for one of our own control requests.
			log.WithFields(logger.Fields{"id": *env.ID}).Debug("stream request acknowledged")
			return
		}
		a.handleUnattributed(msg)
		return
	}

	identity, err := models.ParseStreamName(a.cfg.Venue.Name, env.Stream)
	if err != nil {
		log.WithError(err).Warn("message for unknown stream, dropping")
		return
	}

	switch identity.Kind {
	case models.FeedKindCandle:
		var payload klinePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			log.WithError(err).Warn("malformed candle payload, dropping")
			return
		}
		candle := models.Candle{
			Symbol:   payload.Symbol,
			Interval: payload.Kline.Interval,
			Time:     time.UnixMilli(payload.Kline.OpenTime).UTC(),
			Open:     payload.Kline.Open,
			High:     payload.Kline.High,
			Low:      payload.Kline.Low,
			Close:    payload.Kline.Close,
			Volume:   payload.Kline.Volume,
		}
		if n := a.registry.Dispatch(identity, candle); n == 0 {
			log.WithFields(logger.Fields{"stream": env.Stream}).Warn("candle with no subscribers")
		}

	case models.FeedKindTrade:
		var payload tradePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			log.WithError(err).Warn("malformed trade payload, dropping")
			return
		}
		trade := models.TradePrint{
			Symbol:   payload.Symbol,
			Price:    payload.Price,
			Quantity: payload.Quantity,
			Time:     time.UnixMilli(payload.TradeTs).UTC(),
		}
		if n := a.registry.Dispatch(identity, trade); n == 0 {
			log.WithFields(logger.Fields{"stream": env.Stream}).Warn("trade with no subscribers")
		}
		// Trade prints also feed the accounting engine's price cache.
		a.acct.SendIn(context.Background(), accounting.TradeTick{
			Symbol: trade.Symbol,
			Price:  trade.Price,
			At:     trade.Time,
		})

	case models.FeedKindDepth:
		a.dispatchDepth(env.Data)

	default:
		log.WithFields(logger.Fields{"stream": env.Stream}).Warn("message for unsupported feed kind")
	}
}

// handleUnattributed deals with payloads the venue delivers connection-wide
// rather than per stream. Order book data is the one known case: it fans out
// to every depth subscriber because nothing in the payload picks one.
func (a *Adapter) handleUnattributed(msg []byte) {
	var payload depthPayload
	if err := json.Unmarshal(msg, &payload); err != nil || (payload.Bids == nil && payload.Asks == nil) {
		a.log.WithComponent("market_adapter").Warn("unrecognized connection-wide message, dropping")
		return
	}
	a.dispatchDepth(msg)
}

func (a *Adapter) dispatchDepth(data []byte) {
	log := a.log.WithComponent("market_adapter")

	var payload depthPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.WithError(err).Warn("malformed depth payload, dropping")
		return
	}

	snapshot := models.BookSnapshot{
		Symbol:    payload.Symbol,
		UpdatedAt: time.UnixMilli(payload.EventTs).UTC(),
	}
	for _, lvl := range payload.Bids {
		price, err1 := decimal.NewFromString(lvl[0])
		size, err2 := decimal.NewFromString(lvl[1])
		if err1 != nil || err2 != nil {
			log.Warn("malformed depth level, dropping payload")
			return
		}
		snapshot.Bids = append(snapshot.Bids, models.BookLevel{Price: price, Size: size})
	}
	for _, lvl := range payload.Asks {
		price, err1 := decimal.NewFromString(lvl[0])
		size, err2 := decimal.NewFromString(lvl[1])
		if err1 != nil || err2 != nil {
			log.Warn("malformed depth level, dropping payload")
			return
		}
		snapshot.Asks = append(snapshot.Asks, models.BookLevel{Price: price, Size: size})
	}

	if n := a.registry.DispatchKind(models.FeedKindDepth, snapshot); n == 0 {
		log.Warn("depth data with no subscribers")
	}
}
