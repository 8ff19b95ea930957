// Package events persists raw market events and serves the windowed
// aggregates the market aggregator and planner prompts are built from.
package events

import (
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/moltiverse/arenad/internal/database"
)

// Event types
const (
	TypeBuy    = "Buy"
	TypeSell   = "Sell"
	TypeSwap   = "Swap"
	TypeCreate = "Create"
	TypeSync   = "Sync"
)

const (
	maxPrice     = 1e12
	maxVolume    = 1e15
	maxStringLen = 256

	// DefaultWhaleThreshold flags a trade as whale activity.
	DefaultWhaleThreshold = 50.0
)

var (
	addressRe = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
	txHashRe  = regexp.MustCompile(`^0x[0-9a-f]{64}$`)
)

// Event is a single market event as received from the stream.
type Event struct {
	TokenAddress string
	Type         string
	Price        *float64
	Volume       *float64
	Trader       *string
	Pool         *string
	TxHash       *string
	AmountIn     *float64
	AmountOut    *float64
	At           time.Time // zero value means now
}

// CompactEvent is the [type, price, volume] tuple served to the planner.
type CompactEvent struct {
	Type   string  `json:"t"`
	Price  float64 `json:"p"`
	Volume float64 `json:"v"`
}

// Stats aggregates a token's events over a window.
type Stats struct {
	Total         int
	Volume        float64
	Buys          int
	Sells         int
	Swaps         int
	UniqueTraders int
	MinPrice      float64
	AvgPrice      float64
	MaxPrice      float64
}

// TraderMetrics describes trader-level activity over a window.
type TraderMetrics struct {
	UniqueTraders      int
	AvgVolumePerTrader float64
	LargestTrade       float64
	WhaleActivity      bool
}

// Store persists and queries market events. Every method is total: failures
// are logged and a safe zero result is returned, so callers in the tick
// path never have to branch on store errors.
type Store struct {
	db *gorm.DB
}

func NewStore(db *database.Database) *Store {
	return &Store{db: db.DB()}
}

// StoreEvent validates and persists one event. Returns false when the event
// was rejected or the insert failed.
func (s *Store) StoreEvent(e Event) bool {
	row, ok := s.validate(e)
	if !ok {
		return false
	}
	if err := s.db.Create(row).Error; err != nil {
		log.Error().Err(err).Str("token", row.TokenAddress).Msg("event insert failed")
		return false
	}
	return true
}

// StoreBatch persists a batch, dropping invalid events and deduplicating by
// tx hash both inside the batch and against already-stored rows. Returns
// the number of rows written.
func (s *Store) StoreBatch(batch []Event) int {
	rows := make([]*database.MarketEvent, 0, len(batch))
	seen := make(map[string]bool)
	hashes := make([]string, 0, len(batch))

	for _, e := range batch {
		row, ok := s.validate(e)
		if !ok {
			continue
		}
		if row.TxHash != nil {
			key := *row.TxHash + "|" + row.Type
			if seen[key] {
				continue
			}
			seen[key] = true
			hashes = append(hashes, *row.TxHash)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return 0
	}

	existing := make(map[string]bool)
	if len(hashes) > 0 {
		var stored []database.MarketEvent
		if err := s.db.Select("tx_hash, type").Where("tx_hash IN ?", hashes).Find(&stored).Error; err != nil {
			log.Error().Err(err).Msg("batch dedup lookup failed")
		} else {
			for _, row := range stored {
				if row.TxHash != nil {
					existing[*row.TxHash+"|"+row.Type] = true
				}
			}
		}
	}

	written := 0
	for _, row := range rows {
		if row.TxHash != nil && existing[*row.TxHash+"|"+row.Type] {
			continue
		}
		if err := s.db.Create(row).Error; err != nil {
			log.Error().Err(err).Msg("batch event insert failed")
			continue
		}
		written++
	}
	return written
}

// CleanupOlderThan deletes events created before ts. Returns rows removed.
func (s *Store) CleanupOlderThan(ts time.Time) int64 {
	res := s.db.Where("created_at < ?", ts).Delete(&database.MarketEvent{})
	if res.Error != nil {
		log.Error().Err(res.Error).Msg("event cleanup failed")
		return 0
	}
	if res.RowsAffected > 0 {
		log.Info().Int64("removed", res.RowsAffected).Time("before", ts).Msg("market events cleaned up")
	}
	return res.RowsAffected
}

// AggregatedStats computes window statistics for a token.
func (s *Store) AggregatedStats(token string, start, end time.Time) Stats {
	token = strings.ToLower(token)

	var agg struct {
		Total    int
		Volume   float64
		Buys     int
		Sells    int
		Swaps    int
		MinPrice float64
		AvgPrice float64
		MaxPrice float64
	}
	err := s.db.Model(&database.MarketEvent{}).
		Select(`COUNT(*) as total,
			COALESCE(SUM(volume), 0) as volume,
			COALESCE(SUM(CASE WHEN type = 'Buy' THEN 1 ELSE 0 END), 0) as buys,
			COALESCE(SUM(CASE WHEN type = 'Sell' THEN 1 ELSE 0 END), 0) as sells,
			COALESCE(SUM(CASE WHEN type = 'Swap' THEN 1 ELSE 0 END), 0) as swaps,
			COALESCE(MIN(price), 0) as min_price,
			COALESCE(AVG(price), 0) as avg_price,
			COALESCE(MAX(price), 0) as max_price`).
		Where("token_address = ? AND created_at >= ? AND created_at < ?", token, start, end).
		Scan(&agg).Error
	if err != nil {
		log.Error().Err(err).Str("token", token).Msg("aggregated stats query failed")
		return Stats{}
	}

	var uniqueTraders int64
	err = s.db.Model(&database.MarketEvent{}).
		Where("token_address = ? AND created_at >= ? AND created_at < ? AND trader IS NOT NULL", token, start, end).
		Distinct("trader").
		Count(&uniqueTraders).Error
	if err != nil {
		log.Error().Err(err).Str("token", token).Msg("unique trader count failed")
	}

	return Stats{
		Total:         agg.Total,
		Volume:        agg.Volume,
		Buys:          agg.Buys,
		Sells:         agg.Sells,
		Swaps:         agg.Swaps,
		UniqueTraders: int(uniqueTraders),
		MinPrice:      agg.MinPrice,
		AvgPrice:      agg.AvgPrice,
		MaxPrice:      agg.MaxPrice,
	}
}

// RecentEvents returns the last n trade events (Buy/Sell/Swap carrying both
// price and volume) in chronological order.
func (s *Store) RecentEvents(token string, n int) []CompactEvent {
	token = strings.ToLower(token)

	var rows []database.MarketEvent
	err := s.db.
		Where("token_address = ? AND type IN ? AND price IS NOT NULL AND volume IS NOT NULL",
			token, []string{TypeBuy, TypeSell, TypeSwap}).
		Order("created_at DESC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		log.Error().Err(err).Str("token", token).Msg("recent events query failed")
		return nil
	}

	// Reverse to chronological order
	out := make([]CompactEvent, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, CompactEvent{
			Type:   rows[i].Type,
			Price:  *rows[i].Price,
			Volume: *rows[i].Volume,
		})
	}
	return out
}

// LatestPrice returns the most recent stored price for a token, or 0 when
// none exists. Used by the aggregator's price fallback.
func (s *Store) LatestPrice(token string) float64 {
	token = strings.ToLower(token)

	var row database.MarketEvent
	err := s.db.
		Where("token_address = ? AND price IS NOT NULL", token).
		Order("created_at DESC").
		First(&row).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			log.Error().Err(err).Str("token", token).Msg("latest price query failed")
		}
		return 0
	}
	return *row.Price
}

// TraderMetrics computes trader-level stats for a window. whaleThreshold of
// zero falls back to the default.
func (s *Store) TraderMetrics(token string, start, end time.Time, whaleThreshold float64) TraderMetrics {
	token = strings.ToLower(token)
	if whaleThreshold <= 0 {
		whaleThreshold = DefaultWhaleThreshold
	}

	var agg struct {
		Traders      int64
		TotalVolume  float64
		LargestTrade float64
	}
	err := s.db.Model(&database.MarketEvent{}).
		Select(`COUNT(DISTINCT trader) as traders,
			COALESCE(SUM(volume), 0) as total_volume,
			COALESCE(MAX(volume), 0) as largest_trade`).
		Where("token_address = ? AND created_at >= ? AND created_at < ? AND trader IS NOT NULL", token, start, end).
		Scan(&agg).Error
	if err != nil {
		log.Error().Err(err).Str("token", token).Msg("trader metrics query failed")
		return TraderMetrics{}
	}

	m := TraderMetrics{
		UniqueTraders: int(agg.Traders),
		LargestTrade:  agg.LargestTrade,
		WhaleActivity: agg.LargestTrade >= whaleThreshold,
	}
	if m.UniqueTraders > 0 {
		m.AvgVolumePerTrader = agg.TotalVolume / float64(agg.Traders)
	}
	return m
}

// validate normalizes an event into a row, or rejects it.
func (s *Store) validate(e Event) (*database.MarketEvent, bool) {
	token := strings.ToLower(strings.TrimSpace(e.TokenAddress))
	if !addressRe.MatchString(token) {
		log.Debug().Str("token", e.TokenAddress).Msg("event rejected: bad token address")
		return nil, false
	}
	switch e.Type {
	case TypeBuy, TypeSell, TypeSwap, TypeCreate, TypeSync:
	default:
		log.Debug().Str("type", e.Type).Msg("event rejected: unknown type")
		return nil, false
	}

	row := &database.MarketEvent{
		TokenAddress: token,
		Type:         e.Type,
		CreatedAt:    e.At,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	if e.Price != nil && *e.Price >= 0 && *e.Price <= maxPrice {
		price := *e.Price
		row.Price = &price
	}
	if e.Volume != nil && *e.Volume >= 0 && *e.Volume <= maxVolume {
		vol := *e.Volume
		row.Volume = &vol
	}
	if e.AmountIn != nil && *e.AmountIn >= 0 && *e.AmountIn <= maxVolume {
		v := *e.AmountIn
		row.AmountIn = &v
	}
	if e.AmountOut != nil && *e.AmountOut >= 0 && *e.AmountOut <= maxVolume {
		v := *e.AmountOut
		row.AmountOut = &v
	}
	if e.Trader != nil {
		trader := strings.ToLower(strings.TrimSpace(*e.Trader))
		if addressRe.MatchString(trader) {
			row.Trader = &trader
		}
	}
	if e.Pool != nil {
		pool := clamp(strings.ToLower(strings.TrimSpace(*e.Pool)))
		if pool != "" {
			row.Pool = &pool
		}
	}
	if e.TxHash != nil {
		hash := strings.ToLower(strings.TrimSpace(*e.TxHash))
		if txHashRe.MatchString(hash) {
			row.TxHash = &hash
		}
	}
	return row, true
}

func clamp(s string) string {
	if len(s) > maxStringLen {
		return s[:maxStringLen]
	}
	return s
}
