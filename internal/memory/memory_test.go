package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/moltiverse/arenad/internal/database"
)

func testDB(t *testing.T) *database.Database {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	db, err := database.Open(gdb)
	require.NoError(t, err)
	return db
}

func TestSummarizeWithTrades(t *testing.T) {
	db := testDB(t)
	s := NewService(db, time.Hour)

	require.NoError(t, db.DB().Create(&database.Trade{
		AgentID: 1, ArenaID: 1, Tick: 10, Action: "BUY",
		SizePct: 0.2, Price: 1.5, TradeValueMon: 3.0, Reason: "momentum up",
	}).Error)
	require.NoError(t, db.DB().Create(&database.Trade{
		AgentID: 1, ArenaID: 1, Tick: 12, Action: "SELL",
		SizePct: 0.5, Price: 1.8, TradeValueMon: 2.7,
	}).Error)

	require.NoError(t, s.summarize(1, 12, time.Now().UTC().Add(-time.Hour)))

	got := s.Summary(1)
	assert.Contains(t, got, "2 trades")
	assert.Contains(t, got, "1 buys, 1 sells")
	assert.Contains(t, got, "tick 12")
	assert.Contains(t, got, "SELL 50%")
}

func TestSummarizeQuietWindow(t *testing.T) {
	db := testDB(t)
	s := NewService(db, time.Hour)

	require.NoError(t, s.summarize(1, 7, time.Now().UTC().Add(-time.Hour)))
	assert.Contains(t, s.Summary(1), "No trades")
}

func TestSummaryEmptyForUnknownAgent(t *testing.T) {
	s := NewService(testDB(t), time.Hour)
	assert.Empty(t, s.Summary(42))
}

func TestSummarizeAllDrainsActiveSet(t *testing.T) {
	db := testDB(t)
	s := NewService(db, time.Hour)

	s.TickProcessed(1, 5)
	s.TickProcessed(1, 6)
	s.summarizeAll()

	assert.NotEmpty(t, s.Summary(1))
	s.mu.Lock()
	assert.Empty(t, s.lastTick)
	s.mu.Unlock()
}

func TestRecapClampedToLimit(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	trades := []database.Trade{{Action: "BUY", SizePct: 0.1, Price: 1, Reason: string(long)}}
	assert.LessOrEqual(t, len(clampSummary(recap(trades, 1))), maxSummaryLen)
}
