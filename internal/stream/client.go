// Package stream subscribes to the dex websocket feed and fans events out
// to the market aggregator and the event store.
package stream

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/moltiverse/arenad/internal/events"
	"github.com/moltiverse/arenad/internal/market"
)

const (
	handshakeTimeout = 10 * time.Second
	reconnectMin     = 2 * time.Second
	reconnectMax     = 60 * time.Second
	flushInterval    = 2 * time.Second
	flushBatchSize   = 100
)

// wireEvent is one record as the feed ships it.
type wireEvent struct {
	TokenAddress string   `json:"tokenAddress"`
	Type         string   `json:"type"`
	Price        *float64 `json:"price"`
	Volume       *float64 `json:"volume"`
	Trader       *string  `json:"trader"`
	Pool         *string  `json:"pool"`
	TxHash       *string  `json:"txHash"`
	AmountIn     *float64 `json:"amountIn"`
	AmountOut    *float64 `json:"amountOut"`
	Timestamp    *int64   `json:"timestamp"` // unix ms
}

// Client holds the websocket subscription. Events for untracked tokens are
// dropped on arrival; the rest hit the aggregator immediately and the store
// in batches.
type Client struct {
	url    string
	tokens map[string]bool
	agg    *market.Aggregator
	store  *events.Store

	connMu   sync.Mutex
	conn     *websocket.Conn
	batchMu  sync.Mutex
	batch    []events.Event
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewClient(url string, tokens []string, agg *market.Aggregator, store *events.Store) *Client {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[strings.ToLower(t)] = true
	}
	return &Client{
		url:    url,
		tokens: set,
		agg:    agg,
		store:  store,
		batch:  make([]events.Event, 0, flushBatchSize),
		stopCh: make(chan struct{}),
	}
}

// Start connects and begins streaming. Reconnects run inside the read loop.
func (c *Client) Start() {
	c.wg.Add(2)
	go c.runWebSocket()
	go c.flushLoop()
	log.Info().Str("url", c.url).Int("tokens", len(c.tokens)).Msg("dex stream started")
}

// Stop closes the connection and flushes the pending batch.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.closeConn()
	})
	c.wg.Wait()
	c.flush()
	log.Info().Msg("dex stream stopped")
}

func (c *Client) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// trackConn publishes the live connection so Stop can close it. Reports
// false when Stop already ran, in which case the connection is closed here.
func (c *Client) trackConn(conn *websocket.Conn) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.stopped() {
		conn.Close()
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// runWebSocket keeps the subscription alive with capped exponential backoff.
func (c *Client) runWebSocket() {
	defer c.wg.Done()

	backoff := reconnectMin
	for !c.stopped() {
		conn, err := c.connect()
		if err != nil {
			log.Error().Err(err).Dur("retry_in", backoff).Msg("dex stream connect failed")
			if !c.sleep(backoff) {
				return
			}
			backoff = minDuration(backoff*2, reconnectMax)
			continue
		}
		if !c.trackConn(conn) {
			return
		}
		backoff = reconnectMin

		c.readMessages(conn)
		c.closeConn()

		if !c.stopped() {
			log.Warn().Dur("retry_in", backoff).Msg("dex stream disconnected, reconnecting")
			if !c.sleep(backoff) {
				return
			}
			backoff = minDuration(backoff*2, reconnectMax)
		}
	}
}

func (c *Client) connect() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return nil, err
	}

	tokens := make([]string, 0, len(c.tokens))
	for t := range c.tokens {
		tokens = append(tokens, t)
	}
	sub := map[string]interface{}{
		"method": "subscribe",
		"tokens": tokens,
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, err
	}
	log.Info().Str("url", c.url).Msg("dex stream connected")
	return conn, nil
}

func (c *Client) readMessages(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !c.stopped() {
				log.Error().Err(err).Msg("dex stream read error")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(data []byte) {
	var we wireEvent
	if err := json.Unmarshal(data, &we); err != nil {
		log.Debug().Err(err).Msg("dex stream: undecodable message")
		return
	}
	token := strings.ToLower(strings.TrimSpace(we.TokenAddress))
	if !c.tokens[token] {
		return
	}

	c.agg.ApplyEvent(token, market.ApplyInput{
		Price:     we.Price,
		VolumeMon: we.Volume,
		Trader:    we.Trader,
	})

	ev := events.Event{
		TokenAddress: token,
		Type:         we.Type,
		Price:        we.Price,
		Volume:       we.Volume,
		Trader:       we.Trader,
		Pool:         we.Pool,
		TxHash:       we.TxHash,
		AmountIn:     we.AmountIn,
		AmountOut:    we.AmountOut,
	}
	if we.Timestamp != nil {
		ev.At = time.UnixMilli(*we.Timestamp).UTC()
	}

	c.batchMu.Lock()
	c.batch = append(c.batch, ev)
	full := len(c.batch) >= flushBatchSize
	c.batchMu.Unlock()
	if full {
		c.flush()
	}
}

// flushLoop persists buffered events on a short timer so a quiet token still
// lands in the store.
func (c *Client) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) flush() {
	c.batchMu.Lock()
	if len(c.batch) == 0 {
		c.batchMu.Unlock()
		return
	}
	batch := c.batch
	c.batch = make([]events.Event, 0, flushBatchSize)
	c.batchMu.Unlock()

	stored := c.store.StoreBatch(batch)
	if stored < len(batch) {
		log.Debug().Int("received", len(batch)).Int("stored", stored).Msg("event batch partially stored")
	}
}

func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.stopCh:
		return false
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
