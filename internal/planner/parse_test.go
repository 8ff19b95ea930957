package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltiverse/arenad/internal/market"
	"github.com/moltiverse/arenad/internal/profile"
)

func TestExtractJSONPlainObject(t *testing.T) {
	got, ok := ExtractJSON(`{"action":"BUY","sizePct":0.1}`)
	require.True(t, ok)
	assert.Equal(t, `{"action":"BUY","sizePct":0.1}`, got)
}

func TestExtractJSONFromCodeFence(t *testing.T) {
	raw := "Here is my decision:\n```json\n{\"action\":\"HOLD\",\"sizePct\":0,\"confidence\":0.5,\"reason\":\"quiet\"}\n```\nDone."
	got, ok := ExtractJSON(raw)
	require.True(t, ok)
	assert.Equal(t, `{"action":"HOLD","sizePct":0,"confidence":0.5,"reason":"quiet"}`, got)
}

func TestExtractJSONIgnoresBracketsInStrings(t *testing.T) {
	raw := `{"reason":"trend {up} and [strong]","action":"BUY","sizePct":0.1,"confidence":0.9}`
	got, ok := ExtractJSON(raw)
	require.True(t, ok)
	assert.Equal(t, raw, got)
}

func TestExtractJSONHandlesEscapedQuotes(t *testing.T) {
	raw := `noise {"reason":"said \"go\"","action":"SELL","sizePct":0.2,"confidence":0.7} trailing`
	got, ok := ExtractJSON(raw)
	require.True(t, ok)
	assert.Contains(t, got, `\"go\"`)
}

func TestExtractJSONArray(t *testing.T) {
	raw := `prose [{"action":"BUY","sizePct":0.1},{"action":"HOLD","sizePct":0}] prose`
	got, ok := ExtractJSON(raw)
	require.True(t, ok)
	assert.Equal(t, `[{"action":"BUY","sizePct":0.1},{"action":"HOLD","sizePct":0}]`, got)
}

func TestExtractJSONNone(t *testing.T) {
	_, ok := ExtractJSON("sorry, I cannot decide right now")
	assert.False(t, ok)
}

func TestParseDecisionLowercaseAction(t *testing.T) {
	d, err := ParseDecision(`{"action":"buy","sizePct":0.15,"confidence":0.8,"reason":"momentum"}`)
	require.NoError(t, err)
	assert.Equal(t, ActionBuy, d.Action)
	assert.InDelta(t, 0.15, d.SizePct, 1e-9)
}

func TestParseDecisionRejectsOutOfRange(t *testing.T) {
	_, err := ParseDecision(`{"action":"BUY","sizePct":1.5,"confidence":0.8}`)
	assert.Error(t, err)

	_, err = ParseDecision(`{"action":"LONG","sizePct":0.1,"confidence":0.8}`)
	assert.Error(t, err)
}

func TestParseDecisionZeroesHoldSize(t *testing.T) {
	d, err := ParseDecision(`{"action":"HOLD","sizePct":0.3,"confidence":0.5,"reason":"x"}`)
	require.NoError(t, err)
	assert.Zero(t, d.SizePct)
}

func TestParseDecisionAcceptsOneElementArray(t *testing.T) {
	d, err := ParseDecision(`[{"action":"SELL","sizePct":0.2,"confidence":0.6,"reason":"take profit"}]`)
	require.NoError(t, err)
	assert.Equal(t, ActionSell, d.Action)
}

func TestParseDecisionsCountMismatch(t *testing.T) {
	_, err := ParseDecisions(`[{"action":"HOLD","sizePct":0}]`, 3)
	assert.Error(t, err)
}

func TestParseDecisionsOrderPreserved(t *testing.T) {
	raw := `[{"action":"BUY","sizePct":0.1,"confidence":0.9},
	         {"action":"HOLD","sizePct":0,"confidence":0.2},
	         {"action":"SELL","sizePct":0.5,"confidence":0.7}]`
	list, err := ParseDecisions(raw, 3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ActionBuy, list[0].Action)
	assert.Equal(t, ActionHold, list[1].Action)
	assert.Equal(t, ActionSell, list[2].Action)
}

func TestParseDecisionsSingleObjectForOneArena(t *testing.T) {
	list, err := ParseDecisions(`{"action":"BUY","sizePct":0.1,"confidence":0.5}`, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ActionBuy, list[0].Action)
}

type stubModel struct {
	out     string
	err     error
	calls   int
	lastMax int
}

func (s *stubModel) Complete(_ context.Context, _, _ string, maxTokens int) (string, error) {
	s.calls++
	s.lastMax = maxTokens
	return s.out, s.err
}

func testAgentInput(arenas int) AgentInput {
	in := AgentInput{
		AgentName: "alpha",
		Profile: &profile.Config{
			Goal:  profile.GoalMaximizePnl,
			Style: profile.StyleAggressive,
			Constraints: profile.Constraints{
				MaxTradePct: 0.2, MaxPositionPct: 0.5, CooldownTicks: 3, MaxTradesPerWindow: 10,
			},
		},
	}
	for i := 0; i < arenas; i++ {
		in.Arenas = append(in.Arenas, ArenaInput{
			ArenaID:  uint(i + 1),
			Label:    "token",
			Snapshot: &market.Snapshot{Tick: 5, Price: 1.0},
		})
	}
	return in
}

func TestGatewayBatchedDecisions(t *testing.T) {
	model := &stubModel{out: `[{"action":"BUY","sizePct":0.1,"confidence":0.8},{"action":"HOLD","sizePct":0,"confidence":0.3}]`}
	g := NewGateway(model)

	got := g.DecideTradesForAllArenas(context.Background(), testAgentInput(2))

	require.Len(t, got, 2)
	assert.Equal(t, ActionBuy, got[0].Action)
	assert.Equal(t, ActionHold, got[1].Action)
	assert.Equal(t, 1, model.calls)
	assert.Equal(t, 512+256*2, model.lastMax)
}

func TestGatewayTokenBudgetCapped(t *testing.T) {
	model := &stubModel{err: errors.New("down")}
	g := NewGateway(model)

	g.DecideTradesForAllArenas(context.Background(), testAgentInput(20))

	assert.Equal(t, 4096, model.lastMax)
}

func TestGatewayModelFailureFallsBack(t *testing.T) {
	model := &stubModel{err: errors.New("timeout")}
	g := NewGateway(model)

	got := g.DecideTradesForAllArenas(context.Background(), testAgentInput(3))

	require.Len(t, got, 3)
	for _, d := range got {
		assert.Equal(t, ActionHold, d.Action)
		assert.Equal(t, ModelErrorReason, d.Reason)
	}
}

func TestGatewayBadOutputFallsBack(t *testing.T) {
	model := &stubModel{out: "I think we should wait and see."}
	g := NewGateway(model)

	d := g.DecideTrade(context.Background(), testAgentInput(1))
	assert.Equal(t, Fallback(), d)
}

func TestGatewayNoArenasFallsBack(t *testing.T) {
	model := &stubModel{out: `{"action":"BUY","sizePct":0.1,"confidence":0.8}`}
	g := NewGateway(model)

	d := g.DecideTrade(context.Background(), testAgentInput(0))

	assert.Equal(t, Fallback(), d)
	assert.Zero(t, model.calls)
}

func TestBuildUserMessageContainsArenaBlocks(t *testing.T) {
	in := testAgentInput(2)
	in.Arenas[0].Label = "0xaaa"
	in.Arenas[1].Label = "0xbbb"
	in.Memory = "last window: sold too early"

	msg := BuildUserMessage(in)

	assert.Contains(t, msg, "[1] 0xaaa")
	assert.Contains(t, msg, "[2] 0xbbb")
	assert.Contains(t, msg, "maximize_pnl")
	assert.Contains(t, msg, "sold too early")
	assert.Less(t, len(msg), 8192)
}
