package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/moltiverse/arenad/internal/database"
	"github.com/moltiverse/arenad/internal/events"
	"github.com/moltiverse/arenad/internal/market"
)

const trackedToken = "0x00000000000000000000000000000000000000ab"

func newTestDeps(t *testing.T) (*events.Store, *market.Aggregator, *database.Database) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	db, err := database.Open(gdb)
	require.NoError(t, err)

	store := events.NewStore(db)
	agg := market.NewAggregator(store, []string{trackedToken})
	return store, agg, db
}

func newTestClient(t *testing.T) (*Client, *market.Aggregator, *database.Database) {
	t.Helper()
	store, agg, db := newTestDeps(t)
	return NewClient("ws://unused", []string{trackedToken}, agg, store), agg, db
}

func wireMsg(t *testing.T, token string, price, volume float64) []byte {
	t.Helper()
	trader := "0x00000000000000000000000000000000000000cd"
	raw, err := json.Marshal(wireEvent{
		TokenAddress: token,
		Type:         "buy",
		Price:        &price,
		Volume:       &volume,
		Trader:       &trader,
	})
	require.NoError(t, err)
	return raw
}

func TestHandleMessageFeedsAggregator(t *testing.T) {
	c, agg, _ := newTestClient(t)

	c.handleMessage(wireMsg(t, trackedToken, 1.5, 10))

	snap := agg.ComputeTick(time.Now().UTC())[trackedToken]
	require.NotNil(t, snap)
	assert.Equal(t, 1.5, snap.Price)

	c.batchMu.Lock()
	defer c.batchMu.Unlock()
	assert.Len(t, c.batch, 1)
}

func TestHandleMessageDropsUntrackedToken(t *testing.T) {
	c, _, _ := newTestClient(t)

	c.handleMessage(wireMsg(t, "0x00000000000000000000000000000000000000ff", 1.5, 10))

	c.batchMu.Lock()
	defer c.batchMu.Unlock()
	assert.Empty(t, c.batch)
}

func TestHandleMessageIgnoresGarbage(t *testing.T) {
	c, _, _ := newTestClient(t)

	c.handleMessage([]byte("not json"))

	c.batchMu.Lock()
	defer c.batchMu.Unlock()
	assert.Empty(t, c.batch)
}

func TestStartStopWhileStreaming(t *testing.T) {
	store, agg, db := newTestDeps(t)
	msg := wireMsg(t, trackedToken, 1.5, 10)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Drain the subscribe frame, then stream until the client hangs up.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		for {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}))
	defer server.Close()

	c := NewClient("ws"+strings.TrimPrefix(server.URL, "http"), []string{trackedToken}, agg, store)
	c.Start()
	time.Sleep(50 * time.Millisecond)
	c.Stop()

	var count int64
	require.NoError(t, db.DB().Model(&database.MarketEvent{}).Count(&count).Error)
	assert.Positive(t, count, "streamed events flushed on stop")
}

func TestStopDuringReconnectBackoff(t *testing.T) {
	store, agg, _ := newTestDeps(t)
	c := NewClient("ws://127.0.0.1:1", []string{trackedToken}, agg, store)

	c.Start()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung while a reconnect was pending")
	}
}

func TestFlushPersistsBatch(t *testing.T) {
	c, _, db := newTestClient(t)

	c.handleMessage(wireMsg(t, trackedToken, 1.5, 10))
	c.handleMessage(wireMsg(t, trackedToken, 1.6, 20))
	c.flush()

	var count int64
	require.NoError(t, db.DB().Model(&database.MarketEvent{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	c.batchMu.Lock()
	defer c.batchMu.Unlock()
	assert.Empty(t, c.batch)
}
