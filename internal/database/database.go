package database

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Database struct {
	db *gorm.DB
}

// New opens the database. A postgres:// URL selects PostgreSQL, anything
// else is treated as a SQLite file path.
func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(
		&Agent{}, &Arena{}, &ArenaRegistration{},
		&Epoch{}, &EpochRegistration{},
		&Portfolio{}, &Trade{}, &AgentDecision{},
		&LeaderboardSnapshot{}, &MarketEvent{}, &AgentMemory{},
	); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// Open wraps an already-opened gorm handle. Used by tests.
func Open(db *gorm.DB) (*Database, error) {
	if err := db.AutoMigrate(
		&Agent{}, &Arena{}, &ArenaRegistration{},
		&Epoch{}, &EpochRegistration{},
		&Portfolio{}, &Trade{}, &AgentDecision{},
		&LeaderboardSnapshot{}, &MarketEvent{}, &AgentMemory{},
	); err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

// DB exposes the raw gorm handle for collaborators with their own queries.
func (d *Database) DB() *gorm.DB {
	return d.db
}

// Transaction runs fn atomically.
func (d *Database) Transaction(fn func(tx *gorm.DB) error) error {
	return d.db.Transaction(fn)
}

// Arena operations

func (d *Database) SaveArena(arena *Arena) error {
	return d.db.Save(arena).Error
}

func (d *Database) GetArenaByToken(token string) (*Arena, error) {
	var arena Arena
	err := d.db.First(&arena, "token_address = ?", strings.ToLower(token)).Error
	return &arena, err
}

// EnsureArena creates an off-chain arena row for a configured token if one
// does not exist yet.
func (d *Database) EnsureArena(token, name string) (*Arena, error) {
	arena := Arena{TokenAddress: strings.ToLower(token), Name: name}
	err := d.db.Where("token_address = ?", arena.TokenAddress).FirstOrCreate(&arena).Error
	return &arena, err
}

// AllArenas returns every arena row, for lifecycle work that must run even
// when an arena currently has no active agents.
func (d *Database) AllArenas() ([]Arena, error) {
	var arenas []Arena
	err := d.db.Order("id ASC").Find(&arenas).Error
	return arenas, err
}

// ArenasWithActiveRegistrations returns every arena that has at least one
// active registration.
func (d *Database) ArenasWithActiveRegistrations() ([]Arena, error) {
	var arenas []Arena
	err := d.db.
		Joins("JOIN arena_registrations ON arena_registrations.arena_id = arenas.id AND arena_registrations.is_active = ?", true).
		Group("arenas.id").
		Find(&arenas).Error
	return arenas, err
}

// Registration operations

func (d *Database) ActiveRegistrations(arenaID uint) ([]ArenaRegistration, error) {
	var regs []ArenaRegistration
	err := d.db.Preload("Agent").
		Where("arena_id = ? AND is_active = ?", arenaID, true).
		Order("agent_id ASC").
		Find(&regs).Error
	return regs, err
}

func (d *Database) SaveRegistration(reg *ArenaRegistration) error {
	return d.db.Save(reg).Error
}

// Agent operations

func (d *Database) SaveAgent(agent *Agent) error {
	return d.db.Save(agent).Error
}

func (d *Database) GetAgent(id uint) (*Agent, error) {
	var agent Agent
	err := d.db.First(&agent, id).Error
	return &agent, err
}

// Epoch operations

func (d *Database) SaveEpoch(epoch *Epoch) error {
	return d.db.Save(epoch).Error
}

// CurrentEpoch returns the arena's active epoch whose [start, end) window
// contains now.
func (d *Database) CurrentEpoch(arenaID uint, now time.Time) (*Epoch, error) {
	var epoch Epoch
	err := d.db.
		Where("arena_id = ? AND status = ? AND start_at <= ? AND end_at > ?", arenaID, EpochActive, now, now).
		Order("start_at DESC").
		First(&epoch).Error
	return maybeRow(&epoch, err)
}

func (d *Database) GetEpochByOnChainID(arenaID uint, onChainID uint64) (*Epoch, error) {
	var epoch Epoch
	err := d.db.Where("arena_id = ? AND on_chain_id = ?", arenaID, onChainID).First(&epoch).Error
	return maybeRow(&epoch, err)
}

func (d *Database) LatestEpoch(arenaID uint) (*Epoch, error) {
	var epoch Epoch
	err := d.db.Where("arena_id = ?", arenaID).Order("start_at DESC").First(&epoch).Error
	return maybeRow(&epoch, err)
}

// maybeRow maps gorm's not-found to a nil row so callers can treat absence
// as a normal state.
func maybeRow[T any](row *T, err error) (*T, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// EndedEpochsPendingDistribution returns ended epochs whose rewards have
// not been distributed yet.
func (d *Database) EndedEpochsPendingDistribution(arenaID uint) ([]Epoch, error) {
	var epochs []Epoch
	err := d.db.
		Where("arena_id = ? AND status = ? AND rewards_distributed_at IS NULL", arenaID, EpochEnded).
		Order("start_at ASC").
		Find(&epochs).Error
	return epochs, err
}

// SweepableEpochs returns distributed epochs past cutoff that have not been
// swept.
func (d *Database) SweepableEpochs(arenaID uint, endedBefore time.Time) ([]Epoch, error) {
	var epochs []Epoch
	err := d.db.
		Where("arena_id = ? AND status = ? AND rewards_distributed_at IS NOT NULL AND rewards_swept_at IS NULL AND end_at < ?",
			arenaID, EpochEnded, endedBefore).
		Find(&epochs).Error
	return epochs, err
}

// Epoch registration operations

func (d *Database) CreateEpochRegistration(reg *EpochRegistration) error {
	return d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(reg).Error
}

func (d *Database) HasEpochRegistration(epochID, agentID uint) (bool, error) {
	var count int64
	err := d.db.Model(&EpochRegistration{}).
		Where("epoch_id = ? AND agent_id = ?", epochID, agentID).
		Count(&count).Error
	return count > 0, err
}

func (d *Database) EpochRegistrationCount(epochID uint) (int64, error) {
	var count int64
	err := d.db.Model(&EpochRegistration{}).Where("epoch_id = ?", epochID).Count(&count).Error
	return count, err
}

func (d *Database) EpochRegistrations(epochID uint) ([]EpochRegistration, error) {
	var regs []EpochRegistration
	err := d.db.Where("epoch_id = ?", epochID).Find(&regs).Error
	return regs, err
}

func (d *Database) SaveEpochRegistration(reg *EpochRegistration) error {
	return d.db.Save(reg).Error
}

// RegisteredAgentIDs returns the set of agent ids holding an epoch
// registration, for gating leaderboard membership.
func (d *Database) RegisteredAgentIDs(epochID uint) (map[uint]bool, error) {
	var ids []uint
	err := d.db.Model(&EpochRegistration{}).Where("epoch_id = ?", epochID).Pluck("agent_id", &ids).Error
	if err != nil {
		return nil, err
	}
	set := make(map[uint]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// UnclaimedWinners returns registrations with a pending reward that has not
// been claimed, used by the sweep.
func (d *Database) UnclaimedWinners(epochID uint) ([]EpochRegistration, error) {
	var regs []EpochRegistration
	err := d.db.
		Where("epoch_id = ? AND claimed = ? AND pending_reward_wei > 0", epochID, false).
		Find(&regs).Error
	return regs, err
}

// Portfolio operations

func (d *Database) GetPortfolio(agentID, arenaID uint) (*Portfolio, error) {
	var p Portfolio
	err := d.db.Where("agent_id = ? AND arena_id = ?", agentID, arenaID).First(&p).Error
	return maybeRow(&p, err)
}

func (d *Database) SavePortfolio(p *Portfolio) error {
	return d.db.Save(p).Error
}

// Decision operations

func (d *Database) CreateDecision(decision *AgentDecision) error {
	return d.db.Create(decision).Error
}

func (d *Database) UpdateDecision(decision *AgentDecision) error {
	return d.db.Save(decision).Error
}

// MarkDecisionFailed flips a pending decision to failed with a reason.
func (d *Database) MarkDecisionFailed(id uint, reason string) error {
	return d.db.Model(&AgentDecision{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": DecisionFailed, "reason": reason}).Error
}

func (d *Database) GetDecision(id uint) (*AgentDecision, error) {
	var decision AgentDecision
	err := d.db.First(&decision, id).Error
	return &decision, err
}

// MaxDecisionTick returns the highest tick ever recorded for an arena, or
// -1 when the arena has no decisions yet. Seeds the aggregator's tick
// counter after a restart.
func (d *Database) MaxDecisionTick(arenaID uint) (int, error) {
	var last *int
	err := d.db.Model(&AgentDecision{}).
		Where("arena_id = ?", arenaID).
		Select("MAX(tick)").Scan(&last).Error
	if err != nil || last == nil {
		return -1, err
	}
	return *last, nil
}

// Trade operations

// AgentTradeStats aggregates an agent's trade activity within an epoch.
type AgentTradeStats struct {
	AgentID uint
	Volume  float64
	Trades  int
}

// TradeStatsForEpoch sums trade volume and count per agent for leaderboard
// aggregation, served by the (agent, arena, epoch) index.
func (d *Database) TradeStatsForEpoch(arenaID, epochID uint) (map[uint]AgentTradeStats, error) {
	var rows []AgentTradeStats
	err := d.db.Model(&Trade{}).
		Select("agent_id, COALESCE(SUM(trade_value_mon), 0) as volume, COUNT(*) as trades").
		Where("arena_id = ? AND epoch_id = ?", arenaID, epochID).
		Group("agent_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	stats := make(map[uint]AgentTradeStats, len(rows))
	for _, r := range rows {
		stats[r.AgentID] = r
	}
	return stats, nil
}

func (d *Database) GetTrade(agentID, arenaID uint, tick int) (*Trade, error) {
	var trade Trade
	err := d.db.Where("agent_id = ? AND arena_id = ? AND tick = ?", agentID, arenaID, tick).First(&trade).Error
	return maybeRow(&trade, err)
}

// TradesSince returns an agent's trades across all arenas newer than since,
// oldest first. Feeds the memory summarizer.
func (d *Database) TradesSince(agentID uint, since time.Time) ([]Trade, error) {
	var trades []Trade
	err := d.db.
		Where("agent_id = ? AND created_at > ?", agentID, since).
		Order("created_at ASC").
		Find(&trades).Error
	return trades, err
}

// Memory operations

func (d *Database) GetAgentMemory(agentID uint) (*AgentMemory, error) {
	var mem AgentMemory
	err := d.db.Where("agent_id = ?", agentID).First(&mem).Error
	return maybeRow(&mem, err)
}

func (d *Database) SaveAgentMemory(mem *AgentMemory) error {
	return d.db.Save(mem).Error
}

// Leaderboard operations

func (d *Database) SaveLeaderboardSnapshot(snap *LeaderboardSnapshot) error {
	return d.db.Create(snap).Error
}

// FinalLeaderboardSnapshot returns the most recent snapshot for an epoch,
// used to pick reward winners.
func (d *Database) FinalLeaderboardSnapshot(arenaID, epochID uint) (*LeaderboardSnapshot, error) {
	var snap LeaderboardSnapshot
	err := d.db.
		Where("arena_id = ? AND epoch_id = ?", arenaID, epochID).
		Order("tick DESC").
		First(&snap).Error
	return maybeRow(&snap, err)
}
