package events

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

const testToken = "0x00112233445566778899aabbccddeeff00112233"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	db, err := database.Open(gdb)
	require.NoError(t, err)
	return NewStore(db)
}

func fp(v float64) *float64 { return &v }
func sp(v string) *string   { return &v }

func TestStoreEventValidation(t *testing.T) {
	s := newTestStore(t)

	assert.True(t, s.StoreEvent(Event{TokenAddress: testToken, Type: TypeBuy, Price: fp(1.5), Volume: fp(10)}))
	assert.True(t, s.StoreEvent(Event{TokenAddress: "0X00112233445566778899AABBCCDDEEFF00112233", Type: TypeSell, Price: fp(1.4)}),
		"addresses are case-normalized")

	assert.False(t, s.StoreEvent(Event{TokenAddress: "not-an-address", Type: TypeBuy}))
	assert.False(t, s.StoreEvent(Event{TokenAddress: testToken, Type: "Mint"}))

	stats := s.AggregatedStats(testToken, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	assert.Equal(t, 2, stats.Total)
}

func TestStoreEventClampsOutOfRangeValues(t *testing.T) {
	s := newTestStore(t)

	// Out-of-range price and volume are dropped, event itself still lands.
	assert.True(t, s.StoreEvent(Event{TokenAddress: testToken, Type: TypeBuy, Price: fp(1e13), Volume: fp(1e16)}))

	recent := s.RecentEvents(testToken, 5)
	assert.Empty(t, recent, "events without both price and volume are not compact-served")

	stats := s.AggregatedStats(testToken, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	assert.Equal(t, 1, stats.Total)
	assert.Zero(t, stats.Volume)
}

func TestStoreBatchDeduplicates(t *testing.T) {
	s := newTestStore(t)

	batch := []Event{
		{TokenAddress: testToken, Type: TypeBuy, Price: fp(1.0), Volume: fp(5),
			TxHash: sp("0x" + repeat("ab", 32))},
		{TokenAddress: testToken, Type: TypeSell, Price: fp(1.1), Volume: fp(3),
			TxHash: sp("0x" + repeat("cd", 32))},
		// duplicate of the first, same hash and type
		{TokenAddress: testToken, Type: TypeBuy, Price: fp(1.0), Volume: fp(5),
			TxHash: sp("0x" + repeat("ab", 32))},
	}

	assert.Equal(t, 2, s.StoreBatch(batch))

	// Re-ingesting the same batch writes nothing new.
	assert.Equal(t, 0, s.StoreBatch(batch))

	stats := s.AggregatedStats(testToken, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	assert.Equal(t, 2, stats.Total)
}

func TestAggregatedStats(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	traderA := "0x" + repeat("11", 20)
	traderB := "0x" + repeat("22", 20)

	s.StoreEvent(Event{TokenAddress: testToken, Type: TypeBuy, Price: fp(1.0), Volume: fp(10), Trader: &traderA, At: now.Add(-30 * time.Minute)})
	s.StoreEvent(Event{TokenAddress: testToken, Type: TypeBuy, Price: fp(2.0), Volume: fp(20), Trader: &traderB, At: now.Add(-20 * time.Minute)})
	s.StoreEvent(Event{TokenAddress: testToken, Type: TypeSell, Price: fp(3.0), Volume: fp(30), Trader: &traderA, At: now.Add(-10 * time.Minute)})
	// outside the window
	s.StoreEvent(Event{TokenAddress: testToken, Type: TypeSwap, Price: fp(9.0), Volume: fp(90), At: now.Add(-2 * time.Hour)})

	stats := s.AggregatedStats(testToken, now.Add(-time.Hour), now)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Buys)
	assert.Equal(t, 1, stats.Sells)
	assert.Equal(t, 0, stats.Swaps)
	assert.InDelta(t, 60.0, stats.Volume, 1e-9)
	assert.Equal(t, 2, stats.UniqueTraders)
	assert.InDelta(t, 1.0, stats.MinPrice, 1e-9)
	assert.InDelta(t, 2.0, stats.AvgPrice, 1e-9)
	assert.InDelta(t, 3.0, stats.MaxPrice, 1e-9)
}

func TestRecentEventsChronological(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	for i := 0; i < 8; i++ {
		s.StoreEvent(Event{
			TokenAddress: testToken,
			Type:         TypeBuy,
			Price:        fp(float64(i + 1)),
			Volume:       fp(1),
			At:           now.Add(time.Duration(i-10) * time.Minute),
		})
	}
	// a Sync event must never appear in compact output
	s.StoreEvent(Event{TokenAddress: testToken, Type: TypeSync, At: now})

	recent := s.RecentEvents(testToken, 5)
	require.Len(t, recent, 5)
	assert.InDelta(t, 4.0, recent[0].Price, 1e-9, "oldest of the window first")
	assert.InDelta(t, 8.0, recent[4].Price, 1e-9, "newest last")
}

func TestTraderMetricsWhaleFlag(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	traderA := "0x" + repeat("11", 20)
	traderB := "0x" + repeat("22", 20)

	s.StoreEvent(Event{TokenAddress: testToken, Type: TypeBuy, Price: fp(1), Volume: fp(60), Trader: &traderA, At: now.Add(-5 * time.Minute)})
	s.StoreEvent(Event{TokenAddress: testToken, Type: TypeSell, Price: fp(1), Volume: fp(20), Trader: &traderB, At: now.Add(-4 * time.Minute)})

	m := s.TraderMetrics(testToken, now.Add(-time.Hour), now, 0)
	assert.Equal(t, 2, m.UniqueTraders)
	assert.InDelta(t, 40.0, m.AvgVolumePerTrader, 1e-9)
	assert.InDelta(t, 60.0, m.LargestTrade, 1e-9)
	assert.True(t, m.WhaleActivity, "largest trade of 60 clears the default whale threshold")

	m = s.TraderMetrics(testToken, now.Add(-time.Hour), now, 100)
	assert.False(t, m.WhaleActivity)
}

func TestCleanupOlderThan(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	s.StoreEvent(Event{TokenAddress: testToken, Type: TypeBuy, Price: fp(1), Volume: fp(1), At: now.Add(-48 * time.Hour)})
	s.StoreEvent(Event{TokenAddress: testToken, Type: TypeBuy, Price: fp(1), Volume: fp(1), At: now})

	removed := s.CleanupOlderThan(now.Add(-24 * time.Hour))
	assert.Equal(t, int64(1), removed)

	stats := s.AggregatedStats(testToken, now.Add(-72*time.Hour), now.Add(time.Hour))
	assert.Equal(t, 1, stats.Total)
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
