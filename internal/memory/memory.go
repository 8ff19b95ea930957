// Package memory keeps a rolling natural-language recap per agent and
// re-summarizes it on a fixed cadence. The recap goes back into the
// planner prompt, so it stays short and factual.
package memory

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moltiverse/arenad/internal/database"
)

const maxSummaryLen = 1000

// Service tracks tick activity and summarizes trade history. TickProcessed
// is called from the tick engine and must never block it.
type Service struct {
	db       *database.Database
	interval time.Duration

	mu       sync.Mutex
	lastTick map[uint]int // agent id -> last processed tick

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewService(db *database.Database, interval time.Duration) *Service {
	return &Service{
		db:       db,
		interval: interval,
		lastTick: make(map[uint]int),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the summarization loop.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.loop()
	log.Info().Dur("interval", s.interval).Msg("memory service started")
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	log.Info().Msg("memory service stopped")
}

// TickProcessed records that an agent finished a tick. O(1), in-memory.
func (s *Service) TickProcessed(agentID uint, tick int) {
	s.mu.Lock()
	s.lastTick[agentID] = tick
	s.mu.Unlock()
}

// Summary returns the stored recap for an agent, empty when none exists.
func (s *Service) Summary(agentID uint) string {
	mem, err := s.db.GetAgentMemory(agentID)
	if err != nil {
		log.Warn().Err(err).Uint("agent", agentID).Msg("memory lookup failed")
		return ""
	}
	if mem == nil {
		return ""
	}
	return mem.Summary
}

func (s *Service) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.summarizeAll()
		case <-s.stopCh:
			return
		}
	}
}

// summarizeAll rewrites the recap for every agent seen since the last pass.
func (s *Service) summarizeAll() {
	s.mu.Lock()
	active := make(map[uint]int, len(s.lastTick))
	for id, tick := range s.lastTick {
		active[id] = tick
	}
	s.lastTick = make(map[uint]int)
	s.mu.Unlock()

	since := time.Now().UTC().Add(-s.interval)
	for agentID, tick := range active {
		if err := s.summarize(agentID, tick, since); err != nil {
			log.Error().Err(err).Uint("agent", agentID).Msg("memory summarization failed")
		}
	}
	if len(active) > 0 {
		log.Info().Int("agents", len(active)).Msg("agent memories summarized")
	}
}

// summarize condenses the window's trades into a few plain sentences.
func (s *Service) summarize(agentID uint, tick int, since time.Time) error {
	trades, err := s.db.TradesSince(agentID, since)
	if err != nil {
		return err
	}

	mem, err := s.db.GetAgentMemory(agentID)
	if err != nil {
		return err
	}
	if mem == nil {
		mem = &database.AgentMemory{AgentID: agentID}
	}

	now := time.Now().UTC()
	mem.Summary = clampSummary(recap(trades, tick))
	mem.LastTick = tick
	mem.SummarizedAt = now
	return s.db.SaveAgentMemory(mem)
}

// recap renders a trade window as short factual sentences.
func recap(trades []database.Trade, tick int) string {
	if len(trades) == 0 {
		return fmt.Sprintf("No trades in the last window (through tick %d). Held positions throughout.", tick)
	}

	var buys, sells int
	var volume float64
	for _, t := range trades {
		switch t.Action {
		case "BUY":
			buys++
		case "SELL":
			sells++
		}
		volume += t.TradeValueMon
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Last window through tick %d: %d trades (%d buys, %d sells), %.2f MON volume.",
		tick, len(trades), buys, sells, volume)

	last := trades[len(trades)-1]
	fmt.Fprintf(&sb, " Most recent: %s %.0f%% at price %.6f", last.Action, last.SizePct*100, last.Price)
	if last.Reason != "" {
		fmt.Fprintf(&sb, " (%s)", truncate(last.Reason, 120))
	}
	sb.WriteString(".")
	return sb.String()
}

func clampSummary(s string) string {
	return truncate(s, maxSummaryLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
