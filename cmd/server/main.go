package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/betbot/botfleet/internal/controlplane/server"
	"github.com/betbot/botfleet/internal/metrics"
	"github.com/betbot/botfleet/internal/quota"
	"github.com/betbot/botfleet/internal/registry"
	"github.com/betbot/botfleet/internal/storage"
	"github.com/betbot/botfleet/internal/supervisor"
	pkgconfig "github.com/betbot/botfleet/pkg/config"
	"github.com/betbot/botfleet/pkg/kvstore"
	"github.com/betbot/botfleet/pkg/logger"
	"github.com/betbot/botfleet/pkg/shutdown"
)

func main() {
	// Load .env (best-effort). If missing, fall back to real env vars.
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", os.Getenv("BOTFLEET_CONFIG"), "config file (.yaml/.yml/.json)")
		listenAddr = flag.String("listen", "", "HTTP listen address (overrides config)")
		botBin     = flag.String("bot-bin", "", "bot executable (overrides config)")
		dataDir    = flag.String("data-dir", "", "base data directory (overrides config)")
		logsDir    = flag.String("logs-dir", "", "base logs directory (overrides config)")
		codeDir    = flag.String("code-dir", "", "canonical code unit directory (overrides config)")
	)
	flag.Parse()

	cfg, err := pkgconfig.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	override := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	override(&cfg.Listen, *listenAddr)
	override(&cfg.BotBin, *botBin)
	override(&cfg.DataDir, *dataDir)
	override(&cfg.LogsDir, *logsDir)
	override(&cfg.CanonicalDir, *codeDir)

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
		JSON:       cfg.LogJSON,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logger.Errorf("server exited: %v", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *pkgconfig.Config) error {
	sd := shutdown.NewManager()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sd.Shutdown(ctx)
	}()

	regStore, err := openRegistryStore(cfg.Registry)
	if err != nil {
		return err
	}
	reg, err := registry.New(context.Background(), regStore)
	if err != nil {
		_ = regStore.Close()
		return fmt.Errorf("load registry: %w", err)
	}
	sd.OnShutdown("registry", func(context.Context) error { return reg.Close() })

	startCost, tickCost, ledger, err := openLedger(cfg.Quota)
	if err != nil {
		return err
	}
	if ledger != nil {
		sd.OnShutdown("ledger", func(context.Context) error { return ledger.Close() })
	}

	store, err := storage.New(storage.Options{
		CanonicalDir: cfg.CanonicalDir,
		DataDir:      cfg.DataDir,
		Ext:          cfg.UnitExt,
	})
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	sd.OnShutdown("storage", func(context.Context) error { store.Close(); return nil })

	collector := metrics.NewCollector("botfleet")
	sup, err := supervisor.New(supervisor.Options{
		Registry:      reg,
		Authority:     quota.NewAuthority(reg, cfg.Quota.PerTenant, cfg.Quota.GlobalLive),
		Ledger:        ledger,
		StartCost:     startCost,
		TickCost:      tickCost,
		MeterInterval: cfg.Quota.MeterInterval,
		Storage:       store,
		Launcher: &supervisor.ExecLauncher{
			Bin:        cfg.BotBin,
			Args:       cfg.BotArgs,
			LogsDir:    cfg.LogsDir,
			LogMaxMB:   20,
			LogBackups: 3,
		},
		Metrics:   collector,
		AckWindow: cfg.AckWindow,
		KillGrace: cfg.KillGrace,
		Recovery:  cfg.Recovery,
		Governor:  cfg.Governor,
	})
	if err != nil {
		return err
	}
	// registered last so it runs first: workers stop before storage closes
	sd.OnShutdown("supervisor", sup.Close)

	readoptCtx, cancelReadopt := context.WithTimeout(context.Background(), time.Minute)
	n, err := sup.Readopt(readoptCtx)
	cancelReadopt()
	if err != nil {
		logger.Warnf("re-adopt bots: %v", err)
	} else if n > 0 {
		logger.Infof("re-adopted %d bot(s)", n)
	}

	api, err := server.New(server.Config{
		Listen:     cfg.Listen,
		LogsDir:    cfg.LogsDir,
		AdminToken: cfg.AdminToken,
		RateLimit:  cfg.APIRateLimit,
		RateWindow: cfg.APIRateWindow,
	}, sup, store, collector.Handler())
	if err != nil {
		return err
	}

	tree := supervisor.NewTree("botfleet", 10*time.Second)
	tree.Add(api)
	if cfg.MetricsListen != "" {
		tree.Add(metrics.NewServer(cfg.MetricsListen, collector))
	}
	tree.Add(sup.RecoveryService(cfg.Recovery.Interval))
	tree.Add(sup.GovernorService(cfg.Governor.Interval))
	tree.Add(sup.SweepService(cfg.Governor.SweepInterval, cfg.Governor.OrphanMaxAge))
	tree.Add(sup.CatalogService(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	treeErr := tree.ServeBackground(ctx)

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	select {
	case sig := <-stopCh:
		logger.Infof("received %s, shutting down", sig)
	case err := <-treeErr:
		logger.Errorf("service tree stopped: %v", err)
	}
	cancel()
	return nil
}

func openRegistryStore(rc pkgconfig.RegistryConfig) (registry.Store, error) {
	switch rc.Backend {
	case "memory":
		return registry.NewMemoryStore(), nil
	case "badger":
		key, err := kvstore.ParseKey(rc.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("registry encryption key: %w", err)
		}
		kv, err := kvstore.Open(kvstore.OpenOptions{Path: rc.Path, EncryptionKey: key})
		if err != nil {
			return nil, fmt.Errorf("open badger registry: %w", err)
		}
		return registry.NewBadgerStore(kv), nil
	default:
		return registry.NewFileStore(rc.Path), nil
	}
}

func openLedger(qc pkgconfig.QuotaConfig) (start, tick decimal.Decimal, l *quota.Ledger, err error) {
	if !qc.CreditsEnabled {
		return decimal.Zero, decimal.Zero, nil, nil
	}
	parse := func(name, v string) (decimal.Decimal, error) {
		if strings.TrimSpace(v) == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("quota.%s: %w", name, err)
		}
		return d, nil
	}
	if start, err = parse("start_cost", qc.StartCost); err != nil {
		return
	}
	if tick, err = parse("tick_cost", qc.TickCost); err != nil {
		return
	}
	grant, err := parse("grant_amount", qc.GrantAmount)
	if err != nil {
		return
	}
	initial, err := parse("initial_credits", qc.InitialCredits)
	if err != nil {
		return
	}
	l, err = quota.OpenLedger(quota.LedgerOptions{
		Path:           qc.LedgerPath,
		GrantAmount:    grant,
		GrantWindow:    qc.GrantWindow,
		InitialCredits: initial,
	})
	if err != nil {
		err = fmt.Errorf("open ledger: %w", err)
	}
	return
}
