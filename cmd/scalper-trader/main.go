// scalper-trader is the live trading runner: it wires the Alpaca broker,
// risk engine, and per-symbol lifecycles to the real-time bar and
// trade-update streams and runs the periodic checkup loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"

	"scalper/internal/broker"
	"scalper/internal/config"
	"scalper/internal/domain"
	"scalper/internal/engine"
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

// barSink buffers the session's streamed bars so they can be persisted to
// the parquet store on shutdown.
type barSink struct {
	mu   sync.Mutex
	bars []domain.Bar
}

func (s *barSink) add(b domain.Bar) {
	s.mu.Lock()
	s.bars = append(s.bars, b)
	s.mu.Unlock()
}

func (s *barSink) drain() []domain.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()
	bars := s.bars
	s.bars = nil
	return bars
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to YAML config")
	symbolsFlag := flag.String("symbols", "", "comma-separated symbols (default: trading.symbols)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config %s: %v", *configPath, err)
	}
	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		log.Fatalf("alpaca credentials not set (config alpaca.api_key / APCA_API_KEY_ID)")
	}

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

	logPath := fmt.Sprintf("/tmp/scalper-trader-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatalf("opening log file: %v", err)
	}
	defer logFile.Close()
	logger := util.NewTextLogger(io.MultiWriter(os.Stdout, logFile), cfg.Logging.Level)
	util.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := broker.NewAlpacaBroker(broker.AlpacaOpts{
		APIKey:          cfg.Alpaca.APIKey,
		APISecret:       cfg.Alpaca.APISecret,
		BaseURL:         cfg.Alpaca.BaseURL,
		DataURL:         cfg.Alpaca.DataURL,
		Feed:            cfg.Alpaca.Feed,
		RateLimitPerMin: cfg.Trading.RateLimitPerMin,
	})

	cal, err := util.NewTradingCalendar()
	if err != nil {
		log.Fatalf("loading trading calendar: %v", err)
	}

	risk := engine.NewRiskEngine(riskParamsFromConfig(cfg.Risk), api, logger)
	risk.InitStartEquity(ctx)

	// Build the per-symbol lifecycles. The inception bar fetch and position
	// reconciliation hit the broker API, so retry each symbol with backoff
	// before giving up on the session.
	var lifecycles []*engine.Lifecycle
	for _, sym := range symbols {
		var lc *engine.Lifecycle
		err := util.Retry(ctx, 5, 2*time.Second, func() error {
			var lcErr error
			lc, lcErr = engine.NewLifecycle(ctx, api, risk, cal, logger, engine.LifecycleConfig{
				Symbol:     sym,
				Lot:        cfg.Trading.Lot,
				BuyTimeout: time.Duration(cfg.Trading.BuyTimeoutMinutes * float64(time.Minute)),
			})
			return lcErr
		})
		if err != nil {
			log.Fatalf("building lifecycle for %s: %v", sym, err)
		}
		lifecycles = append(lifecycles, lc)
	}
	fleet := engine.NewFleet(api, risk, logger, lifecycles)
	logger.Info("fleet ready", "symbols", symbols, "lot", cfg.Trading.Lot)

	sink := &barSink{}

	// Minute bars over the market-data websocket.
	feed := marketdata.Feed(cfg.Alpaca.Feed)
	if feed == "" {
		feed = marketdata.IEX
	}
	stocks := stream.NewStocksClient(feed,
		stream.WithCredentials(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret),
	)
	if err := stocks.Connect(ctx); err != nil {
		log.Fatalf("connecting market-data stream: %v", err)
	}
	err = stocks.SubscribeToBars(func(b stream.Bar) {
		bar := domain.Bar{
			Symbol:    b.Symbol,
			Timestamp: b.Timestamp,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    float64(b.Volume),
		}
		sink.add(bar)
		fleet.OnBar(ctx, bar)
	}, symbols...)
	if err != nil {
		log.Fatalf("subscribing to bars: %v", err)
	}
	logger.Info("bar stream subscribed", "feed", string(feed))

	// Order fills, partial fills, cancels, and rejections arrive over the
	// trade-update stream.
	go func() {
		err := api.TradingClient().StreamTradeUpdates(ctx, func(tu alpaca.TradeUpdate) {
			event, order, ok := broker.TradeUpdateToEvent(tu)
			if !ok {
				return
			}
			fleet.OnOrderUpdate(ctx, order.Symbol, event, order)
		}, alpaca.StreamTradeUpdatesRequest{})
		if err != nil && ctx.Err() == nil {
			logger.Error("trade-update stream ended", "error", err)
			stop()
		}
	}()

	checkupEvery := time.Duration(cfg.Trading.CheckupSeconds) * time.Second
	if checkupEvery <= 0 {
		checkupEvery = 30 * time.Second
	}
	ticker := time.NewTicker(checkupEvery)
	defer ticker.Stop()

	logger.Info("trading loop started", "checkup_every", checkupEvery.String())

loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			break loop
		case err := <-stocks.Terminated():
			if ctx.Err() == nil {
				logger.Error("market-data stream terminated", "error", err)
			}
			break loop
		case <-ticker.C:
			if killed := fleet.Checkup(ctx); killed {
				logger.Warn("kill-switch active, trading halted for the day")
			}
			if open, err := api.IsMarketOpen(); err != nil {
				logger.Error("market clock check failed", "error", err)
			} else if !open && cal.PastCutoff(time.Now()) {
				logger.Info("market closed, ending session")
				break loop
			}
		}
	}

	persistSessionBars(cfg.Storage.DataDir, sink, logger)
	logger.Info("trader stopped")
}

// persistSessionBars flushes the streamed bars to the parquet store so
// replays can cover the live session.
func persistSessionBars(dataDir string, sink *barSink, logger *slog.Logger) {
	bars := sink.drain()
	if len(bars) == 0 {
		return
	}
	ps := store.NewParquetStore(dataDir)
	if err := ps.WriteBars(context.Background(), bars); err != nil {
		logger.Error("persisting session bars", "error", err, "bars", len(bars))
		return
	}
	logger.Info("session bars persisted", "bars", len(bars), "data_dir", dataDir)
}
