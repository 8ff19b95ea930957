package planner

import (
	"context"

	"github.com/rs/zerolog/log"
)

const (
	baseTokenBudget     = 512
	perArenaTokenBudget = 256
	maxTokenBudget      = 4096
)

// Completer is the model surface the gateway depends on.
type Completer interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
}

// Gateway turns agent+arena state into decisions. Any model or parse
// failure degrades to the HOLD fallback; the gateway never errors.
type Gateway struct {
	model Completer
}

func NewGateway(model Completer) *Gateway {
	return &Gateway{model: model}
}

// tokenBudget scales the completion budget with arena count.
func tokenBudget(arenas int) int {
	budget := baseTokenBudget + perArenaTokenBudget*arenas
	if budget > maxTokenBudget {
		return maxTokenBudget
	}
	return budget
}

// DecideTrade asks the model for a single arena's decision.
func (g *Gateway) DecideTrade(ctx context.Context, in AgentInput) Decision {
	decisions := g.DecideTradesForAllArenas(ctx, in)
	if len(decisions) == 0 {
		return Fallback()
	}
	return decisions[0]
}

// DecideTradesForAllArenas makes one model call covering every arena the
// agent is registered in and returns exactly len(in.Arenas) decisions in
// the same order.
func (g *Gateway) DecideTradesForAllArenas(ctx context.Context, in AgentInput) []Decision {
	n := len(in.Arenas)
	if n == 0 {
		return nil
	}

	raw, err := g.model.Complete(ctx, systemPrompt, BuildUserMessage(in), tokenBudget(n))
	if err != nil {
		log.Warn().Err(err).Str("agent", in.AgentName).Int("arenas", n).
			Msg("model call failed, holding all arenas")
		return fallbackAll(n)
	}

	decisions, err := ParseDecisions(raw, n)
	if err != nil {
		log.Warn().Err(err).Str("agent", in.AgentName).Int("arenas", n).
			Str("output", truncate(raw, 200)).
			Msg("unparseable model output, holding all arenas")
		return fallbackAll(n)
	}
	return decisions
}

func fallbackAll(n int) []Decision {
	out := make([]Decision, n)
	for i := range out {
		out[i] = Fallback()
	}
	return out
}
