package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Decision / trade statuses
const (
	DecisionPending      = "pending"
	DecisionSuccess      = "success"
	DecisionFailed       = "failed"
	DecisionSkippedNoGas = "skipped_no_gas"
)

// Epoch statuses
const (
	EpochActive = "active"
	EpochEnded  = "ended"
)

// Agent is a competing autonomous trader. Created off-chain first, then
// linked to its on-chain id once the indexer has seen it.
type Agent struct {
	ID                  uint    `gorm:"primaryKey;autoIncrement"`
	OnChainID           *uint64 `gorm:"index"`
	Name                string
	OwnerAddress        string `gorm:"index"`
	SmartAccountAddress string
	EncryptedSignerKey  string
	ProfileJSON         string `gorm:"type:text"`
	ProfileHash         string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Arena is a competitive context bound to a single token address.
type Arena struct {
	ID           uint    `gorm:"primaryKey;autoIncrement"`
	OnChainID    *uint64 `gorm:"index"`
	TokenAddress string  `gorm:"uniqueIndex"`
	Name         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ArenaRegistration links an agent to an arena. At most one row per pair.
type ArenaRegistration struct {
	ID        uint `gorm:"primaryKey;autoIncrement"`
	AgentID   uint `gorm:"uniqueIndex:idx_agent_arena"`
	ArenaID   uint `gorm:"uniqueIndex:idx_agent_arena"`
	IsActive  bool `gorm:"index"`
	Agent     Agent
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Epoch is a bounded competition window within an arena, mirroring the
// on-chain epoch identified by (arena, on-chain epoch id).
type Epoch struct {
	ID                   uint   `gorm:"primaryKey;autoIncrement"`
	ArenaID              uint   `gorm:"uniqueIndex:idx_arena_epoch"`
	OnChainID            uint64 `gorm:"uniqueIndex:idx_arena_epoch"`
	StartAt              time.Time
	EndAt                time.Time
	Status               string `gorm:"index"`
	RewardsDistributedAt *time.Time
	DistributionTxHash   string
	RewardsSweptAt       *time.Time
	SweepTxHash          string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// EpochRegistration marks that an agent has paid the renewal fee for an
// epoch. Its existence gates trading for that epoch.
type EpochRegistration struct {
	ID               uint `gorm:"primaryKey;autoIncrement"`
	EpochID          uint `gorm:"uniqueIndex:idx_epoch_agent"`
	AgentID          uint `gorm:"uniqueIndex:idx_epoch_agent"`
	RenewalTxHash    string
	PendingRewardWei decimal.Decimal `gorm:"type:decimal(38,0);default:0"`
	Claimed          bool
	ClaimedWei       decimal.Decimal `gorm:"type:decimal(38,0);default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Portfolio is the per-(agent, arena) position. Cash/token/locked are
// mirrors of on-chain truth, overwritten after every successful trade.
type Portfolio struct {
	ID               uint `gorm:"primaryKey;autoIncrement"`
	AgentID          uint `gorm:"uniqueIndex:idx_portfolio_key"`
	ArenaID          uint `gorm:"uniqueIndex:idx_portfolio_key"`
	CashMon          float64
	TokenUnits       float64
	MoltiLocked      float64
	AvgEntryPrice    *float64
	InitialCapital   float64
	TradesThisWindow int
	LastTradeTick    *int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Trade is the append-only record of an executed trade, unique per
// (agent, arena, epoch, tick). Tick numbers restart with the process, so
// uniqueness has to be scoped to the epoch the trade belongs to.
type Trade struct {
	ID                  uint `gorm:"primaryKey;autoIncrement"`
	AgentID             uint `gorm:"uniqueIndex:idx_trade_key;index:idx_trade_epoch"`
	ArenaID             uint `gorm:"uniqueIndex:idx_trade_key;index:idx_trade_epoch"`
	Tick                int  `gorm:"uniqueIndex:idx_trade_key"`
	EpochID             uint `gorm:"uniqueIndex:idx_trade_key;index:idx_trade_epoch"`
	Action              string
	SizePct             float64
	Price               float64
	TradeValueMon       float64
	AvgEntryPriceBefore *float64
	CashAfter           float64
	TokenAfter          float64
	Reason              string
	TxHash              string
	CreatedAt           time.Time
}

// AgentDecision is the append-only audit row for every per-tick decision,
// including HOLDs and failures that never became trades.
type AgentDecision struct {
	ID               uint `gorm:"primaryKey;autoIncrement"`
	AgentID          uint `gorm:"index:idx_decision_key"`
	ArenaID          uint `gorm:"index:idx_decision_key"`
	Tick             int  `gorm:"index:idx_decision_key"`
	EpochID          uint
	Action           string
	SizePct          float64
	Confidence       float64
	Reason           string `gorm:"type:text"`
	Price            float64
	PnlPctAtDecision float64
	Status           string `gorm:"index"`
	TxHash           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// LeaderboardSnapshot is a per-arena, per-tick ranking within an epoch.
// Rankings are stored as a JSON array of RankingRow.
type LeaderboardSnapshot struct {
	ID        uint `gorm:"primaryKey;autoIncrement"`
	ArenaID   uint `gorm:"index:idx_lb_arena_epoch"`
	EpochID   uint `gorm:"index:idx_lb_arena_epoch"`
	Tick      int
	Rankings  string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

// RankingRow is one agent's entry in a leaderboard snapshot.
type RankingRow struct {
	AgentID     uint    `json:"agentId"`
	AgentName   string  `json:"agentName"`
	Equity      float64 `json:"equity"`
	PnlPct      float64 `json:"pnlPct"`
	CashMon     float64 `json:"cashMon"`
	TokenUnits  float64 `json:"tokenUnits"`
	MoltiLocked float64 `json:"moltiLocked"`
	Volume      float64 `json:"volume"`
	Trades      int     `json:"trades"`
	Points      float64 `json:"points"`
	Rank        int     `json:"rank"`
}

// AgentMemory is the rolling natural-language recap fed back into the
// agent's prompt. One row per agent, overwritten on each summarization.
type AgentMemory struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	AgentID      uint   `gorm:"uniqueIndex"`
	Summary      string `gorm:"type:text"`
	LastTick     int
	SummarizedAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MarketEvent is a raw on-chain market event for one arena token.
type MarketEvent struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	TokenAddress string `gorm:"index:idx_event_token_time"`
	Type         string
	Price        *float64
	Volume       *float64
	Trader       *string
	Pool         *string
	TxHash       *string `gorm:"index"`
	AmountIn     *float64
	AmountOut    *float64
	CreatedAt    time.Time `gorm:"index:idx_event_token_time"`
}
