// Package notify sends operational announcements to Telegram and answers a
// small set of read-only status commands.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/moltiverse/arenad/internal/database"
	"github.com/moltiverse/arenad/internal/market"
)

// Bot is the ops notification channel. All commands are read-only; trading
// is never driven from chat.
type Bot struct {
	api    *tgbotapi.BotAPI
	db     *database.Database
	agg    *market.Aggregator
	chatID int64
	stopCh chan struct{}
}

func New(token string, chatID int64, db *database.Database, agg *market.Aggregator) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("telegram bot connected")
	return &Bot{
		api:    api,
		db:     db,
		agg:    agg,
		chatID: chatID,
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins the command listener and announces startup.
func (b *Bot) Start() {
	go b.listenForCommands()
	if b.chatID != 0 {
		b.sendMarkdown(b.chatID, "🟢 *Arenad online*\nUse /status for a market overview.")
	}
}

func (b *Bot) Stop() {
	close(b.stopCh)
}

// Notify pushes an announcement to the configured ops chat.
func (b *Bot) Notify(msg string) {
	if b == nil || b.chatID == 0 {
		return
	}
	if err := b.sendText(b.chatID, msg); err != nil {
		log.Warn().Err(err).Msg("telegram notify failed")
	}
}

func (b *Bot) listenForCommands() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				go b.handleMessage(update.Message)
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	if !msg.IsCommand() {
		return
	}
	chatID := msg.Chat.ID
	log.Debug().Int64("chat_id", chatID).Str("command", msg.Command()).Msg("received command")

	switch msg.Command() {
	case "start", "help":
		b.cmdHelp(chatID)
	case "status":
		b.cmdStatus(chatID)
	case "leaderboard":
		b.cmdLeaderboard(chatID)
	case "agents":
		b.cmdAgents(chatID)
	default:
		b.sendText(chatID, "❓ Unknown command. Use /help for available commands.")
	}
}

func (b *Bot) cmdHelp(chatID int64) {
	b.sendMarkdown(chatID, `📚 *Arenad Commands*

/status - Market snapshots per arena token
/leaderboard - Latest rankings per arena
/agents - Registered agents per arena

All commands are read-only.`)
}

func (b *Bot) cmdStatus(chatID int64) {
	snaps := b.agg.LatestAll()
	if len(snaps) == 0 {
		b.sendText(chatID, "📊 No market snapshots yet.")
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📊 *Market Status* (%d tokens)\n\n", len(snaps)))
	for token, s := range snaps {
		sb.WriteString(fmt.Sprintf(`*%s*
├ Tick: %d | Price: %.6f
├ 1m: %+.2f%% | 5m: %+.2f%% | vol: %.2f%%
└ 1h: %d events, %.2f volume

`,
			escapeMarkdown(shortAddr(token)),
			s.Tick, s.Price,
			s.Ret1mPct, s.Ret5mPct, s.Vol5mPct,
			s.Events1h, s.Volume1h,
		))
	}
	b.sendMarkdown(chatID, sb.String())
}

func (b *Bot) cmdLeaderboard(chatID int64) {
	arenas, err := b.db.AllArenas()
	if err != nil {
		b.sendText(chatID, fmt.Sprintf("❌ Failed to load arenas: %s", err))
		return
	}

	var sb strings.Builder
	for i := range arenas {
		arena := &arenas[i]
		epoch, err := b.db.LatestEpoch(arena.ID)
		if err != nil || epoch == nil {
			continue
		}
		snap, err := b.db.FinalLeaderboardSnapshot(arena.ID, epoch.ID)
		if err != nil || snap == nil {
			continue
		}
		var rows []database.RankingRow
		if err := json.Unmarshal([]byte(snap.Rankings), &rows); err != nil {
			continue
		}

		sb.WriteString(fmt.Sprintf("🏆 *%s* — epoch %d, tick %d\n", escapeMarkdown(arena.Name), epoch.OnChainID, snap.Tick))
		for j, row := range rows {
			if j >= 10 {
				sb.WriteString(fmt.Sprintf("_...and %d more_\n", len(rows)-10))
				break
			}
			sb.WriteString(fmt.Sprintf("%d. %s — %.3f pts (pnl %+.2f%%)\n",
				row.Rank, escapeMarkdown(row.AgentName), row.Points, row.PnlPct))
		}
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		b.sendText(chatID, "🏆 No leaderboard snapshots yet.")
		return
	}
	b.sendMarkdown(chatID, sb.String())
}

func (b *Bot) cmdAgents(chatID int64) {
	arenas, err := b.db.AllArenas()
	if err != nil {
		b.sendText(chatID, fmt.Sprintf("❌ Failed to load arenas: %s", err))
		return
	}

	var sb strings.Builder
	for i := range arenas {
		arena := &arenas[i]
		regs, err := b.db.ActiveRegistrations(arena.ID)
		if err != nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("*%s* — %d active\n", escapeMarkdown(arena.Name), len(regs)))
		for _, reg := range regs {
			sb.WriteString(fmt.Sprintf("• %s\n", escapeMarkdown(reg.Agent.Name)))
		}
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		b.sendText(chatID, "No arenas configured.")
		return
	}
	b.sendMarkdown(chatID, sb.String())
}

// Helpers

func (b *Bot) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendMarkdown(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	_, err := b.api.Send(msg)
	return err
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}

func shortAddr(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:8] + "…" + addr[len(addr)-4:]
}
