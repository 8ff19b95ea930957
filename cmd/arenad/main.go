package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/moltiverse/arenad/internal/bundler"
	"github.com/moltiverse/arenad/internal/chain"
	"github.com/moltiverse/arenad/internal/config"
	"github.com/moltiverse/arenad/internal/database"
	"github.com/moltiverse/arenad/internal/engine"
	"github.com/moltiverse/arenad/internal/epoch"
	"github.com/moltiverse/arenad/internal/events"
	"github.com/moltiverse/arenad/internal/market"
	"github.com/moltiverse/arenad/internal/memory"
	"github.com/moltiverse/arenad/internal/notify"
	"github.com/moltiverse/arenad/internal/planner"
	"github.com/moltiverse/arenad/internal/stream"
	"github.com/moltiverse/arenad/internal/wallet"
)

func main() {
	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("network", cfg.Network).
		Int("arenas", len(cfg.ArenaTokens)).
		Int("tick_seconds", cfg.TickSeconds).
		Bool("demo_epochs", cfg.DemoMode()).
		Bool("dry_run", cfg.DryRun).
		Msg("arenad starting")

	// 1. Storage
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Database initialization failed")
	}
	eventStore := events.NewStore(db)
	log.Info().Msg("✅ Storage layer initialized")

	// Arena rows for configured tokens. On-chain ids are linked later by
	// the indexer; until then the epoch controller skips those arenas.
	arenas := make(map[string]uint, len(cfg.ArenaTokens))
	for _, token := range cfg.ArenaTokens {
		arena, err := db.EnsureArena(token, token)
		if err != nil {
			log.Fatal().Err(err).Str("token", token).Msg("Arena setup failed")
		}
		arenas[token] = arena.ID
	}

	// 2. Market aggregator. Tick counters resume past the highest persisted
	// tick so a restart never reissues numbers already recorded.
	agg := market.NewAggregator(eventStore, cfg.ArenaTokens)
	for token, arenaID := range arenas {
		lastTick, err := db.MaxDecisionTick(arenaID)
		if err != nil {
			log.Fatal().Err(err).Str("token", token).Msg("Tick counter recovery failed")
		}
		agg.SeedTick(token, lastTick+1)
	}
	log.Info().Msg("✅ Market aggregator initialized")

	// 3. Chain access
	chainClient, err := chain.NewClient(cfg.RPCURL, cfg.ArenaContractAddress, cfg.MoltiTokenAddress, cfg.ChainID)
	if err != nil {
		log.Fatal().Err(err).Msg("Chain client failed")
	}
	defer chainClient.Close()

	operator, err := chain.NewOperator(chainClient, cfg.OperatorPrivateKey, cfg.DryRun)
	if err != nil {
		log.Fatal().Err(err).Msg("Operator setup failed")
	}
	log.Info().Msg("✅ Chain layer initialized")

	// 4. Wallets and bundler
	var decrypter wallet.KeyDecrypter
	if cfg.WalletMasterKey != "" {
		decrypter, err = wallet.NewAESDecrypter(cfg.WalletMasterKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Wallet master key invalid")
		}
	} else {
		log.Warn().Msg("WALLET_MASTER_KEY not set, signer keys treated as plaintext")
		decrypter = wallet.PlainDecrypter{}
	}
	wallets := wallet.NewManager(decrypter)
	submitter := bundler.NewClient(cfg.BundlerURL, cfg.BundlerAPIKey, cfg.EntryPointAddress, cfg.ChainID, cfg.DryRun, chainClient)
	log.Info().Msg("✅ Wallet and bundler layers initialized")

	// 5. Planner
	model := planner.NewClient(cfg.ModelAPIURL, cfg.ModelAPIKey, cfg.ModelName)
	gateway := planner.NewGateway(model)
	log.Info().Str("model", cfg.ModelName).Msg("✅ Planner initialized")

	// 6. Memory
	mem := memory.NewService(db, time.Duration(cfg.MemorySummarizationIntervalHours)*time.Hour)
	mem.Start()

	// 7. Telegram (optional)
	var bot *notify.Bot
	if cfg.TelegramToken != "" {
		bot, err = notify.New(cfg.TelegramToken, cfg.TelegramChatID, db, agg)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram setup failed, continuing without notifications")
		} else {
			bot.Start()
		}
	}

	// 8. Epoch controller
	var notifier epoch.Notifier
	if bot != nil {
		notifier = bot
	}
	epochs := epoch.NewController(db, chainClient, operator, submitter, wallets, notifier,
		cfg.RenewalFeeWei().BigInt(), cfg.EpochDuration(), cfg.DemoMode())
	if err := epochs.Start(); err != nil {
		log.Fatal().Err(err).Msg("Epoch controller failed to start")
	}
	// Run one transition pass on boot so a restart never misses a boundary.
	epochs.RunTransitions(context.Background(), time.Now().UTC(), true)

	// 9. Tick engine
	eng := engine.New(db, agg, chainClient, submitter, gateway, epochs, mem, wallets,
		time.Duration(cfg.TickSeconds)*time.Second)
	eng.Start()

	// 10. Dex stream
	var dex *stream.Client
	if cfg.UseDexStream && cfg.WSURL != "" {
		dex = stream.NewClient(cfg.WSURL, cfg.ArenaTokens, agg, eventStore)
		dex.Start()
	} else {
		log.Warn().Msg("Dex stream disabled, snapshots will rely on stored events only")
	}

	// 11. Event cleanup
	janitor := events.NewJanitor(eventStore, cfg.CleanupClock(), events.DefaultRetention)
	if err := janitor.Start(); err != nil {
		log.Fatal().Err(err).Msg("Event cleanup scheduling failed")
	}

	log.Info().Msg("🚀 All systems running...")

	// Graceful shutdown: stop producers first, then the consumers that
	// persist state.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("🛑 Shutting down...")
	if dex != nil {
		dex.Stop()
	}
	eng.Stop()
	epochs.Stop()
	janitor.Stop()
	mem.Stop()
	if bot != nil {
		bot.Stop()
	}
	log.Info().Msg("👋 Goodbye!")
}
