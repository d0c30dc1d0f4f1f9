// Command gridserver runs the persistent grid world: boot recovery from
// SQLite, the 1 Hz simulation clock, and the HTTP/websocket API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/milomadeit/gridworld/internal/api"
	"github.com/milomadeit/gridworld/internal/auth"
	"github.com/milomadeit/gridworld/internal/economy"
	"github.com/milomadeit/gridworld/internal/engine"
	"github.com/milomadeit/gridworld/internal/geom"
	"github.com/milomadeit/gridworld/internal/persistence"
	"github.com/milomadeit/gridworld/internal/pipeline"
	"github.com/milomadeit/gridworld/internal/spatial"
	"github.com/milomadeit/gridworld/internal/world"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := loadConfig()
	rules := rulesFromConfig()

	// ── Database ──────────────────────────────────────────────────────
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	db, err := persistence.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.DBPath)

	// ── Boot recovery ─────────────────────────────────────────────────
	store := world.NewStore()
	ledger := economy.NewLedger(economy.DefaultRefillPolicy())
	if err := recover_(db, store, ledger); err != nil {
		slog.Error("boot recovery failed", "error", err)
		os.Exit(1)
	}

	// ── Core wiring ───────────────────────────────────────────────────
	analyzer := spatial.NewAnalyzer(store, rules)
	hub := api.NewHub()
	pipe := pipeline.New(store, ledger, db, analyzer.NearestNode, rules, hub)

	secret := cfg.AuthSecret
	if secret == "" {
		secret = uuid.NewString()
		slog.Warn("auth secret not set; sessions will not survive a restart")
	}
	verifier := &auth.HMACVerifier{Secret: []byte(secret), Fees: db}

	if cfg.AdminKey == "" {
		slog.Warn("admin key not set; admin endpoints disabled")
	}

	// ── Clock ─────────────────────────────────────────────────────────
	clock := engine.NewClock(store)
	clock.IdleHorizon = cfg.IdleHorizon
	clock.OnPresence = func(swept []string) {
		for _, id := range swept {
			hub.Broadcast(pipeline.Event{Type: "agent_offline", Payload: map[string]string{"agentId": id}})
		}
	}
	clock.OnCheckpoint = func(tick uint64) { checkpoint(db, store, tick) }
	clock.OnRefill = func() {
		now := time.Now()
		for _, a := range store.Agents() {
			if !a.Online {
				continue
			}
			if granted := ledger.MaybeRefill(a.ID, now, false); granted > 0 {
				if err := db.SetCredits(a.ID, ledger.Balance(a.ID)); err != nil {
					slog.Warn("refill persistence failed", "agent", a.ID, "error", err)
				}
				if err := db.SetLastRefillDay(a.ID, economy.UTCDay(now)); err != nil {
					slog.Warn("refill persistence failed", "agent", a.ID, "error", err)
				}
				slog.Info("daily allowance granted", "agent", a.ID, "amount", granted)
			}
		}
	}

	srv := &api.Server{
		Addr:      cfg.Addr,
		Store:     store,
		Ledger:    ledger,
		DB:        db,
		Pipe:      pipe,
		Analyzer:  analyzer,
		Verifier:  verifier,
		Tokens:    auth.NewTokenStore(),
		Hub:       hub,
		AdminKey:  cfg.AdminKey,
		StartedAt: time.Now(),
	}

	// ── Run until signalled ───────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv.Start()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		clock.Run()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		clock.Stop()
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	})

	fmt.Printf("gridworld is up: %d agents, %d primitives, tick %d\n",
		len(store.Agents()), store.PrimitiveCount(), store.CurrentTick())
	fmt.Printf("API: http://localhost%s/api/v1/status (Ctrl+C to stop)\n", cfg.Addr)

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
	}

	checkpoint(db, store, store.CurrentTick())
	slog.Info("world saved, goodbye", "tick", store.CurrentTick())
}

type config struct {
	Addr        string
	DBPath      string
	AuthSecret  string
	AdminKey    string
	IdleHorizon time.Duration
}

// loadConfig reads gridworld.yaml (optional) with GRIDWORLD_* env
// overrides. Policy defaults equal the production constants.
func loadConfig() config {
	viper.SetConfigName("gridworld")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("gridworld")
	viper.AutomaticEnv()

	viper.SetDefault("addr", ":8080")
	viper.SetDefault("db_path", "data/gridworld.db")
	viper.SetDefault("auth_secret", "")
	viper.SetDefault("admin_key", "")
	viper.SetDefault("idle_horizon", "5m")

	def := geom.DefaultRules()
	viper.SetDefault("policy.primitive_cost", def.PrimitiveCost)
	viper.SetDefault("policy.origin_exclusion", def.OriginExclusion)
	viper.SetDefault("policy.min_build_range", def.MinBuildRange)
	viper.SetDefault("policy.max_build_range", def.MaxBuildRange)
	viper.SetDefault("policy.settlement_threshold", def.SettlementThreshold)
	viper.SetDefault("policy.settlement_max", def.SettlementMax)
	viper.SetDefault("policy.frontier_min", def.FrontierMin)
	viper.SetDefault("policy.frontier_max", def.FrontierMax)
	viper.SetDefault("policy.node_expansion_gate", def.NodeExpansionGate)

	if err := viper.ReadInConfig(); err == nil {
		slog.Info("config loaded", "file", viper.ConfigFileUsed())
	}

	return config{
		Addr:        viper.GetString("addr"),
		DBPath:      viper.GetString("db_path"),
		AuthSecret:  viper.GetString("auth_secret"),
		AdminKey:    viper.GetString("admin_key"),
		IdleHorizon: viper.GetDuration("idle_horizon"),
	}
}

func rulesFromConfig() geom.Rules {
	return geom.Rules{
		PrimitiveCost:       viper.GetInt64("policy.primitive_cost"),
		OriginExclusion:     viper.GetFloat64("policy.origin_exclusion"),
		MinBuildRange:       viper.GetFloat64("policy.min_build_range"),
		MaxBuildRange:       viper.GetFloat64("policy.max_build_range"),
		SettlementThreshold: viper.GetInt("policy.settlement_threshold"),
		SettlementMax:       viper.GetFloat64("policy.settlement_max"),
		FrontierMin:         viper.GetFloat64("policy.frontier_min"),
		FrontierMax:         viper.GetFloat64("policy.frontier_max"),
		NodeExpansionGate:   viper.GetInt("policy.node_expansion_gate"),
	}
}

// recover_ reloads the durable world into memory: agents at rest,
// primitives in creation order, credits, message tails, in-flight
// blueprint plans, and the tick counter.
func recover_(db *persistence.DB, store *world.Store, ledger *economy.Ledger) error {
	agents, err := db.LoadAgents()
	if err != nil {
		return err
	}
	for _, a := range agents {
		if err := store.AddAgent(a); err != nil {
			slog.Warn("skipping agent on recovery", "agent", a.ID, "error", err)
		}
	}

	prims, err := db.LoadPrimitives()
	if err != nil {
		return err
	}
	for _, p := range prims {
		if err := store.AddPrimitive(p); err != nil {
			slog.Warn("skipping primitive on recovery", "id", p.ID, "error", err)
		}
	}

	credits, err := db.LoadCredits()
	if err != nil {
		return err
	}
	for id, bal := range credits {
		ledger.SetBalance(id, bal)
	}
	days, err := db.LoadRefillDays()
	if err != nil {
		return err
	}
	for id, day := range days {
		ledger.SetLastRefillDay(id, day)
	}

	plans, err := db.LoadBuildPlans()
	if err != nil {
		return err
	}
	for _, p := range plans {
		store.SetBuildPlan(p)
	}

	chat, err := db.LoadRecentChat(200)
	if err != nil {
		return err
	}
	store.Chat.Seed(deref(chat))
	terminal, err := db.LoadRecentTerminal(200)
	if err != nil {
		return err
	}
	store.Terminal.Seed(deref(terminal))

	if tickStr, err := db.GetMeta("last_tick"); err == nil && tickStr != "" {
		if t, err := strconv.ParseUint(tickStr, 10, 64); err == nil {
			store.SetTick(t)
		}
	}

	slog.Info("world restored",
		"agents", len(agents),
		"primitives", len(prims),
		"plans", len(plans),
		"tick", store.CurrentTick(),
	)
	return nil
}

func deref(msgs []*world.Message) []world.Message {
	out := make([]world.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	return out
}

// checkpoint writes agents and the tick counter down. Credits, builds,
// and messages persist synchronously in the pipeline; this covers what
// only changes in memory (positions, last-seen).
func checkpoint(db *persistence.DB, store *world.Store, tick uint64) {
	for _, a := range store.Agents() {
		agent := a
		if err := db.UpsertAgent(&agent); err != nil {
			slog.Warn("agent checkpoint failed", "agent", a.ID, "error", err)
			return
		}
		if err := db.TouchAgent(a.ID, a.LastSeenAt); err != nil {
			slog.Warn("agent checkpoint failed", "agent", a.ID, "error", err)
			return
		}
	}
	if err := db.SaveMeta("last_tick", strconv.FormatUint(tick, 10)); err != nil {
		slog.Warn("tick checkpoint failed", "error", err)
	}
}
