package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/asengupta/trading-engine/internal/abtest"
	"github.com/asengupta/trading-engine/internal/alerts"
	"github.com/asengupta/trading-engine/internal/config"
	"github.com/asengupta/trading-engine/internal/engine"
	"github.com/asengupta/trading-engine/internal/gateway"
	"github.com/asengupta/trading-engine/internal/judgment"
	"github.com/asengupta/trading-engine/internal/ledger"
	"github.com/asengupta/trading-engine/internal/lifecycle"
	"github.com/asengupta/trading-engine/internal/observ"
	"github.com/asengupta/trading-engine/internal/risk"
	"github.com/asengupta/trading-engine/internal/signal"
)

const usage = `usage: trader [flags] <command> [args]

commands:
  cycle                 run one swing evaluation cycle
  intraday              run one intraday cycle (phase-gated)
  force-close           force-close every open intraday position
  status                print the full operator status report
  swing-add SYM QTY     open/add to a swing position through the risk gate
  swing-remove SYM      close a swing position
  resume OPERATOR       clear a drawdown halt
  serve                 serve /metrics and /health on loopback
`

func main() {
	_ = godotenv.Load()

	var cfgPath, feedPath, listenAddr string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&feedPath, "feed", "data/feed.json", "signal feed path")
	flag.StringVar(&listenAddr, "listen", "127.0.0.1:8090", "serve address (loopback)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	cmd := flag.Arg(0)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("load config: %v", err)
		}
		cfg = config.Default()
	}
	applyEnvOverrides(&cfg)

	app, err := buildApp(cfg, feedPath)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer app.close()

	observ.Log("startup", map[string]any{
		"command": cmd, "trading_mode": cfg.TradingMode,
		"broker": cfg.Broker.Adapter, "universe": len(cfg.Universe),
	})

	ctx := context.Background()
	if err := app.run(ctx, cmd, flag.Args()[1:], listenAddr); err != nil {
		observ.Log("command_failed", map[string]any{"command": cmd, "error": err.Error()})
		fmt.Fprintf(os.Stderr, "trader %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func applyEnvOverrides(cfg *config.Root) {
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.TradingMode = v
	}
	if v := os.Getenv("BROKER_ADAPTER"); v != "" {
		cfg.Broker.Adapter = v
	}
	if v := os.Getenv("SLACK_ENABLED"); v != "" {
		cfg.Alerts.SlackEnabled = v == "true"
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.WebhookURL = v
	}
}

type app struct {
	cfg      config.Root
	eng      *engine.Engine
	feed     *fileFeed
	buffer   *signal.Buffer
	weights  *config.WeightProvider
	notifier *alerts.Notifier
	tracker  *abtest.Tracker
	swing    *ledger.Ledger
	intra    *ledger.Ledger
}

func buildApp(cfg config.Root, feedPath string) (*app, error) {
	weights, err := config.NewWeightProvider(cfg.Conviction.WeightsPath)
	if err != nil {
		return nil, err
	}
	weights.OnSwap(func(config.WeightTable) {
		observ.Log("weights_reloaded", map[string]any{"path": cfg.Conviction.WeightsPath})
	})

	broker, err := buildBroker(cfg.Broker)
	if err != nil {
		return nil, err
	}
	gw := gateway.New(broker, gateway.Config{
		RateLimitPerMinute: cfg.Broker.RateLimitPerMinute,
		MaxRetries:         cfg.Broker.MaxRetries,
		BackoffBase:        time.Duration(cfg.Broker.BackoffBaseMs) * time.Millisecond,
		BackoffMax:         time.Duration(cfg.Broker.BackoffMaxMs) * time.Millisecond,
	})

	notifier := alerts.NewNotifier(cfg.Alerts)

	swing := ledger.New(ledger.ModeSwing, cfg.Ledger.SwingStatePath, cfg.BaseUSD)
	if q, err := swing.Load(); err != nil {
		return nil, fmt.Errorf("load swing ledger: %w", err)
	} else if q != "" {
		notifier.Notify(alerts.Alert{
			Severity: alerts.SeverityCritical,
			Title:    "swing state quarantined",
			Detail:   "corrupt state moved to " + q + ", restarted from defaults",
		})
	}
	intra := ledger.New(ledger.ModeIntraday, cfg.Ledger.IntradayStatePath, cfg.BaseUSD)
	if q, err := intra.Load(); err != nil {
		return nil, fmt.Errorf("load intraday ledger: %w", err)
	} else if q != "" {
		notifier.Notify(alerts.Alert{
			Severity: alerts.SeverityCritical,
			Title:    "intraday state quarantined",
			Detail:   "corrupt state moved to " + q + ", restarted from defaults",
		})
	}

	rm, err := risk.NewManager(cfg.Risk)
	if err != nil {
		return nil, fmt.Errorf("init risk manager: %w", err)
	}
	if q := rm.Quarantined(); q != "" {
		notifier.Notify(alerts.Alert{
			Severity: alerts.SeverityCritical,
			Title:    "risk state quarantined",
			Detail:   "corrupt state moved to " + q + ", restarted from defaults",
		})
	}
	lc, err := lifecycle.NewController(cfg.Lifecycle)
	if err != nil {
		return nil, fmt.Errorf("init lifecycle: %w", err)
	}

	var port judgment.Port
	if cfg.Judgment.Enabled {
		port = judgment.NewAdvisor()
	}
	guard := judgment.NewGuard(port, time.Duration(cfg.Judgment.TimeoutMs)*time.Millisecond, cfg.Judgment.LogDir)

	var tracker *abtest.Tracker
	if cfg.ABTest.Enabled {
		tracker, err = abtest.NewTracker(cfg.ABTest, cfg.Risk, cfg.BaseUSD)
		if err != nil {
			return nil, fmt.Errorf("init ab tracker: %w", err)
		}
	}

	feed := newFileFeed(feedPath)
	buffer := signal.NewBuffer(cfg.Alerts.BufferSize)

	eng := engine.New(engine.Deps{
		Config:    cfg,
		Weights:   weights,
		Gateway:   gw,
		Swing:     swing,
		Intraday:  intra,
		Risk:      rm,
		Guard:     guard,
		Lifecycle: lc,
		Tracker:   tracker,
		Alerter:   notifier,
		Feed:      buffer,
		Signals:   feed,
		Regimes:   feed,
		Timing:    feed,
		Quotes:    feed,
	})

	return &app{
		cfg:      cfg,
		eng:      eng,
		feed:     feed,
		buffer:   buffer,
		weights:  weights,
		notifier: notifier,
		tracker:  tracker,
		swing:    swing,
		intra:    intra,
	}, nil
}

func buildBroker(cfg config.Broker) (gateway.Broker, error) {
	switch cfg.Adapter {
	case "fake":
		return gateway.NewFakeBroker(0), nil
	case "alpaca":
		key := os.Getenv(cfg.APIKeyEnv)
		secret := os.Getenv(cfg.APISecretEnv)
		if key == "" || secret == "" {
			return nil, fmt.Errorf("alpaca credentials missing: set %s and %s", cfg.APIKeyEnv, cfg.APISecretEnv)
		}
		return gateway.NewAlpacaBroker(key, secret, cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown broker adapter %q", cfg.Adapter)
	}
}

func (a *app) close() {
	a.weights.Close()
	a.notifier.Close()
	if a.tracker != nil {
		a.tracker.Close()
	}
}

func (a *app) run(ctx context.Context, cmd string, args []string, listenAddr string) error {
	switch cmd {
	case "cycle":
		a.feed.publishAlerts(a.buffer)
		report, err := a.eng.RunSwingCycle(ctx)
		if err != nil {
			return err
		}
		return emit(report)

	case "intraday":
		a.feed.publishAlerts(a.buffer)
		report, err := a.eng.RunIntradayCycle(ctx)
		if err != nil {
			return err
		}
		return emit(report)

	case "force-close":
		unclosed, err := a.eng.ForceClose(ctx)
		if err != nil {
			return err
		}
		return emit(map[string]any{"unclosed": unclosed, "summary": a.intra.DailySummary()})

	case "status":
		st, err := a.eng.Status(ctx)
		if err != nil {
			return err
		}
		return emit(st)

	case "swing-add":
		if len(args) != 2 {
			return fmt.Errorf("usage: swing-add SYM QTY")
		}
		qty, err := strconv.Atoi(args[1])
		if err != nil || qty <= 0 {
			return fmt.Errorf("bad quantity %q", args[1])
		}
		res, err := a.eng.SwingAdd(ctx, args[0], qty)
		if err != nil {
			return err
		}
		return emit(res)

	case "swing-remove":
		if len(args) != 1 {
			return fmt.Errorf("usage: swing-remove SYM")
		}
		res, err := a.eng.SwingRemove(ctx, args[0])
		if err != nil {
			return err
		}
		return emit(res)

	case "resume":
		if len(args) != 1 {
			return fmt.Errorf("usage: resume OPERATOR")
		}
		if err := a.eng.Resume(args[0]); err != nil {
			return err
		}
		return emit(map[string]any{"resumed": true, "operator": args[0]})

	case "serve":
		mux := http.NewServeMux()
		mux.Handle("/metrics", observ.Handler())
		mux.Handle("/health", observ.Health())
		observ.Log("metrics_listen", map[string]any{"addr": listenAddr})
		return http.ListenAndServe(listenAddr, mux)

	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func emit(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
