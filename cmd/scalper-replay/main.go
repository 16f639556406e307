// scalper-replay runs a deterministic backtest over stored minute bars and
// writes the trade log, equity curve, and summary report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"scalper/internal/broker"
	"scalper/internal/config"
	"scalper/internal/domain"
	"scalper/internal/engine"
	"scalper/internal/replay"
	"scalper/internal/store"
	"scalper/internal/util"
)

func defaultConfigPath() string {
	if p := os.Getenv("SCALPER_CONFIG"); p != "" {
		return p
	}
	return "config/scalper.yaml"
}

func riskParamsFromConfig(rc config.RiskConfig) engine.RiskParams {
	return engine.RiskParams{
		MaxPositions:               rc.MaxPositions,
		MaxPositionNotional:        rc.MaxPositionNotional,
		MaxTotalExposure:           rc.MaxTotalExposure,
		MaxDailyLoss:               rc.MaxDailyLoss,
		StopLossPct:                rc.StopLossPct,
		TimeStopMinutes:            rc.TimeStopMinutes,
		MaxSpreadBps:               rc.MaxSpreadBps,
		MaxSpreadCents:             rc.MaxSpreadCents,
		MaxBarRangePct:             rc.MaxBarRangePct,
		MaxReturnStdPct:            rc.MaxReturnStdPct,
		SymbolMaxForcedExits:       rc.SymbolMaxForcedExits,
		ForcedExitCooldownMinutes:  rc.ForcedExitCooldownMinutes,
		DisableAfterBreakerMinutes: rc.DisableAfterBreakerMinutes,
		EnableSpreadGuard:          rc.EnableSpreadGuard,
		EnableVolatilityGuard:      rc.EnableVolatilityGuard,
	}
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to YAML config")
	symbolsFlag := flag.String("symbols", "", "comma-separated symbols (default: trading.symbols)")
	startFlag := flag.String("start", "", "first session date, YYYY-MM-DD (required)")
	endFlag := flag.String("end", "", "last session date inclusive, YYYY-MM-DD (required)")
	runFlag := flag.String("run", "", "run identifier (default: replay-<timestamp>)")
	outFlag := flag.String("out", "", "report output directory (default: storage.report_dir)")
	flag.Parse()

	if *startFlag == "" || *endFlag == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config %s: %v", *configPath, err)
	}

	logPath := fmt.Sprintf("/tmp/scalper-replay-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatalf("opening log file: %v", err)
	}
	defer logFile.Close()
	logger := util.NewTextLogger(logFile, cfg.Logging.Level)

	cal, err := util.NewTradingCalendar()
	if err != nil {
		log.Fatalf("loading trading calendar: %v", err)
	}
	start, err := time.ParseInLocation("2006-01-02", *startFlag, cal.Location())
	if err != nil {
		log.Fatalf("parsing -start: %v", err)
	}
	end, err := time.ParseInLocation("2006-01-02", *endFlag, cal.Location())
	if err != nil {
		log.Fatalf("parsing -end: %v", err)
	}
	end = end.AddDate(0, 0, 1) // inclusive last session

	symbols := cfg.Trading.Symbols
	if *symbolsFlag != "" {
		symbols = strings.Split(*symbolsFlag, ",")
		for i := range symbols {
			symbols[i] = strings.ToUpper(strings.TrimSpace(symbols[i]))
		}
	}
	if len(symbols) == 0 {
		log.Fatalf("no symbols: set trading.symbols in config or pass -symbols")
	}

	runID := *runFlag
	if runID == "" {
		runID = "replay-" + time.Now().Format("20060102-150405")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bars := loadBars(ctx, cfg.Storage.DataDir, symbols, start, end, logger)
	if len(bars) == 0 {
		log.Fatalf("no bars found under %s for %v in [%s, %s]",
			cfg.Storage.DataDir, symbols, *startFlag, *endFlag)
	}

	sim := broker.NewSimBroker(cfg.Replay.StartCash, cfg.Replay.Friction)
	for sym, bs := range bars {
		sim.LoadBars(sym, bs)
	}

	risk := engine.NewRiskEngine(riskParamsFromConfig(cfg.Risk), sim, logger)
	risk.InitStartEquity(ctx)

	var lifecycles []*engine.Lifecycle
	for sym := range bars {
		lc, err := engine.NewLifecycle(ctx, sim, risk, cal, logger, engine.LifecycleConfig{
			Symbol:     sym,
			Lot:        cfg.Trading.Lot,
			BuyTimeout: time.Duration(cfg.Trading.BuyTimeoutMinutes * float64(time.Minute)),
		})
		if err != nil {
			log.Fatalf("building lifecycle for %s: %v", sym, err)
		}
		lifecycles = append(lifecycles, lc)
	}
	fleet := engine.NewFleet(sim, risk, logger, lifecycles)

	runner := replay.NewRunner(sim, fleet, logger, bars)
	risk.SetClock(runner.Clock())
	for _, lc := range lifecycles {
		lc.SetClock(runner.Clock())
	}

	res, err := runner.Run(ctx)
	if err != nil {
		log.Fatalf("replay run: %v", err)
	}
	summary := replay.Summarize(res)

	outDir := *outFlag
	if outDir == "" {
		outDir = cfg.Storage.ReportDir
	}
	runDir := filepath.Join(outDir, runID)

	runCfg := struct {
		Symbols   []string        `json:"symbols"`
		Start     string          `json:"start"`
		End       string          `json:"end"`
		StartCash float64         `json:"start_cash"`
		Friction  domain.Friction `json:"friction"`
	}{symbols, *startFlag, *endFlag, cfg.Replay.StartCash, cfg.Replay.Friction}

	if err := replay.WriteTradesCSV(filepath.Join(runDir, "trades.csv"), res); err != nil {
		log.Fatalf("writing trades: %v", err)
	}
	if err := replay.WriteEquityCSV(filepath.Join(runDir, "equity.csv"), res); err != nil {
		log.Fatalf("writing equity curve: %v", err)
	}
	if err := replay.WriteSummaryJSON(filepath.Join(runDir, "summary.json"), summary, runCfg); err != nil {
		log.Fatalf("writing summary: %v", err)
	}

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening sqlite store %s: %v", cfg.Storage.SQLitePath, err)
	}
	defer db.Close()
	if err := db.SaveTrades(ctx, runID, res.Trades); err != nil {
		log.Fatalf("saving trades: %v", err)
	}
	if err := db.SaveEquityCurve(ctx, runID, res.EquityCurve); err != nil {
		log.Fatalf("saving equity curve: %v", err)
	}

	logger.Info("replay complete", "run", runID, "trades", summary.Count,
		"final_equity", summary.FinalEquity, "killed", summary.Killed)

	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		log.Fatalf("encoding summary: %v", err)
	}
	fmt.Println(string(out))
	fmt.Fprintf(os.Stderr, "reports written to %s (run %s)\n", runDir, runID)
}

// loadBars reads minute bars per symbol from the parquet store, dropping
// symbols without data in the range.
func loadBars(ctx context.Context, dataDir string, symbols []string, start, end time.Time, logger *slog.Logger) map[string][]domain.Bar {
	ps := store.NewParquetStore(dataDir)
	out := make(map[string][]domain.Bar)
	for _, sym := range symbols {
		bs, err := ps.ReadBars(ctx, sym, start, end)
		if err != nil {
			log.Fatalf("reading bars for %s: %v", sym, err)
		}
		if len(bs) == 0 {
			logger.Warn("no bars in range, skipping symbol", "symbol", sym)
			continue
		}
		logger.Info("loaded bars", "symbol", sym, "count", len(bs))
		out[sym] = bs
	}
	return out
}
