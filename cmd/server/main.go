// Package main wires the engine's components together and runs the scan
// loop until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelquant/engine/internal/aggregator"
	"github.com/kestrelquant/engine/internal/broker"
	"github.com/kestrelquant/engine/internal/config"
	"github.com/kestrelquant/engine/internal/domain"
	"github.com/kestrelquant/engine/internal/fno"
	"github.com/kestrelquant/engine/internal/marketdata"
	"github.com/kestrelquant/engine/internal/ops"
	"github.com/kestrelquant/engine/internal/persistence"
	"github.com/kestrelquant/engine/internal/portfolio"
	"github.com/kestrelquant/engine/internal/regime"
	"github.com/kestrelquant/engine/internal/reliability"
	"github.com/kestrelquant/engine/internal/scheduler"
	"github.com/kestrelquant/engine/internal/strategies"
	"github.com/kestrelquant/engine/internal/telemetry"
	"github.com/kestrelquant/engine/pkg/formulas"
	"github.com/kestrelquant/engine/pkg/logger"
)

// equityUniverse is the fixed symbol set the scan loop trades. A real
// deployment would load this from the broker's instrument master
// (domain.BrokerClient.FetchInstruments); a static list keeps the example
// self-contained and avoids baking in vendor-specific filtering rules.
var equityUniverse = []string{
	"RELIANCE", "TCS", "HDFCBANK", "INFY", "ICICIBANK",
	"HINDUNILVR", "ITC", "SBIN", "BHARTIARTL", "KOTAKBANK",
	"LT", "AXISBANK", "MARUTI", "SUNPHARMA", "TITAN",
}

var equitySector = map[string]string{
	"RELIANCE": "energy", "TCS": "it", "HDFCBANK": "financials",
	"INFY": "it", "ICICIBANK": "financials", "HINDUNILVR": "fmcg",
	"ITC": "fmcg", "SBIN": "financials", "BHARTIARTL": "telecom",
	"KOTAKBANK": "financials", "LT": "industrials", "AXISBANK": "financials",
	"MARUTI": "auto", "SUNPHARMA": "pharma", "TITAN": "consumer",
}

// indexUniverse is the fixed index set the F&O composer scans, in priority
// order. MarginPerLot/AvgDailyMove are illustrative defaults; a production
// deployment would source these from the broker's margin/risk API.
var indexUniverse = []domain.IndexCharacteristics{
	{Symbol: "NIFTY", PointValue: 50, LotSize: 50, MarginPerLot: 120_000, AvgDailyMove: 150, VolatilityBucket: domain.VolNormal, PriorityRank: 1, ATRStopMultiplier: 1.5, StrikeStep: 50},
	{Symbol: "BANKNIFTY", PointValue: 15, LotSize: 15, MarginPerLot: 150_000, AvgDailyMove: 350, VolatilityBucket: domain.VolNormal, PriorityRank: 2, ATRStopMultiplier: 1.5, StrikeStep: 100},
}

// indexExpiryWeekday names each index's weekly options expiry day. NSE has
// moved individual indices between Tuesday/Thursday expiries over time;
// operators running against a live exchange calendar should keep this in
// sync with the current circular.
var indexExpiryWeekday = map[string]time.Weekday{
	"NIFTY":     time.Thursday,
	"BANKNIFTY": time.Thursday,
}

func sectorOf(symbol domain.Symbol) string {
	return equitySector[symbol.String()]
}

// resolveExpiry implements fno.ExpiryResolver: the nearest weekly expiry at
// least minDaysOut days after now, closing at the exchange's 15:30 IST
// session close.
func resolveExpiry(underlying string, now time.Time, minDaysOut int) time.Time {
	weekday, ok := indexExpiryWeekday[underlying]
	if !ok {
		weekday = time.Thursday
	}
	ist := now.In(scheduler.IST)
	cutoff := ist.AddDate(0, 0, minDaysOut)
	d := ist
	for {
		if d.Weekday() == weekday && !d.Before(cutoff) {
			return time.Date(d.Year(), d.Month(), d.Day(), 15, 30, 0, 0, scheduler.IST)
		}
		d = d.AddDate(0, 0, 1)
	}
}

// providerPriceSource adapts *marketdata.Provider's batched current-price
// lookup to broker.PriceSource's single-symbol shape, for paper/backtest
// fills (broker.PaperBroker's own doc comment: "in production this is the
// market-data provider's current-price lookup").
type providerPriceSource struct {
	provider *marketdata.Provider
}

func (p providerPriceSource) LastPrice(symbol domain.Symbol) (float64, bool) {
	prices := p.provider.FetchCurrentPrices([]domain.Symbol{symbol})
	price, ok := prices[symbol.String()]
	return price, ok
}

// buildCandidates closes over everything the F&O scan needs to turn the
// static index universe into this iteration's fno.Candidate set: daily bars
// for the regime detector, the equity strategy set for the aggregated
// signal, and the index's current spot.
func buildCandidates(provider *marketdata.Provider, agg *aggregator.Aggregator, detector *regime.Detector, mode domain.Mode) func(now time.Time) []fno.Candidate {
	return func(now time.Time) []fno.Candidate {
		candidates := make([]fno.Candidate, 0, len(indexUniverse))
		for _, chars := range indexUniverse {
			sym, err := domain.NewEquitySymbol(chars.Symbol)
			if err != nil {
				continue
			}
			series, err := provider.FetchBars(sym, "day", 120)
			if err != nil || series.Len() == 0 {
				continue
			}
			last, ok := series.Last()
			if !ok {
				continue
			}

			var raw []domain.Signal
			for _, strat := range strategies.All() {
				raw = append(raw, strat.Evaluate(series))
			}
			sig := agg.Aggregate(sym, raw, false)
			closePrice := last.Close
			sig.LastClose = &closePrice
			atr := formulas.ATR(series.Highs(), series.Lows(), series.Closes(), 14)
			sig.ATR = atr

			candidates = append(candidates, fno.Candidate{
				Chars:  chars,
				Regime: detector.Detect(series, chars),
				Signal: sig,
				Spot:   last.Close,
				ATR:    atr,
				Mode:   mode,
				Now:    now,
			})
		}
		return candidates
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})
	log.Info().Str("mode", string(cfg.Mode)).Str("profile", string(cfg.Profile)).Msg("starting kestrelquant engine")

	symbols := make([]domain.Symbol, 0, len(equityUniverse))
	for _, ticker := range equityUniverse {
		sym, err := domain.NewEquitySymbol(ticker)
		if err != nil {
			log.Fatal().Err(err).Str("ticker", ticker).Msg("invalid equity symbol in static universe")
		}
		symbols = append(symbols, sym)
	}

	apiClient := broker.NewAPIClient(os.Getenv("BROKER_BASE_URL"), cfg.BrokerAPIKey, cfg.BrokerAPISecret, log)

	marketdataGateway := reliability.NewGateway(
		reliability.NewRateLimiter(cfg.MaxPerSecond, cfg.MaxPerMinute),
		reliability.NewCircuitBreaker(cfg.CircuitFailureThreshold, cfg.CircuitResetTimeout),
	)
	provider := marketdata.NewProvider(apiClient, nil, marketdataGateway, 45*time.Second, log)

	var orderClient domain.BrokerClient
	switch cfg.Mode {
	case domain.ModeLive:
		orderClient = apiClient
	default:
		orderClient = broker.NewPaperBroker(providerPriceSource{provider: provider})
	}

	orderReliability := reliability.NewGateway(
		reliability.NewRateLimiter(cfg.MaxPerSecond, cfg.MaxPerMinute),
		reliability.NewCircuitBreaker(cfg.CircuitFailureThreshold, cfg.CircuitResetTimeout),
	)
	brokerGateway := broker.NewGateway(orderClient, orderReliability, broker.DefaultPollConfig(), log)

	portfolioCfg := portfolio.DefaultConfig()
	portfolioCfg.RiskPerTradePct = cfg.RiskPerTradePct
	portfolioCfg.ATRStopMultiplier = cfg.ATRStopMultiplier
	portfolioCfg.ATRTargetMultiplier = cfg.ATRTargetMultiplier
	portfolioCfg.TrailingActivationMultiplier = cfg.TrailingActivationMultiplier
	portfolioCfg.TrailingStopMultiplier = cfg.TrailingStopMultiplier
	portfolioCfg.MaxPositions = cfg.MaxPositions
	portfolioCfg.MaxPositionValue = cfg.MaxPositionValue
	portfolioCfg.CooldownNormal = cfg.CooldownNormal
	portfolioCfg.CooldownStopLoss = cfg.CooldownStopLoss

	book := portfolio.New(brokerGateway, portfolioCfg, cfg.InitialCapital, log)

	agg := aggregator.New(aggregator.Thresholds{
		AgreementEntry:    cfg.AgreementThresholdEntry,
		AgreementExit:     cfg.AgreementThresholdExit,
		MinConfidence:     cfg.MinConfidenceEntry,
		MinConfidenceExit: cfg.MinConfidenceExit,
	})

	correlation := domain.NewCorrelationMatrix()
	correlation.Set("NIFTY", "BANKNIFTY", 0.82)
	detector := regime.NewDetector(10, 30)

	fnoCfg := fno.DefaultConfig()
	fnoCfg.CorrelationBlock = cfg.CorrelationBlockThreshold
	fnoCfg.MaxTradeRiskPct = cfg.MinTradeRiskPct
	composer := fno.New(book, brokerGateway, correlation, fnoCfg, resolveExpiry, log)
	candidates := buildCandidates(provider, agg, detector, cfg.Mode)

	snapshots := persistence.NewSnapshotStore(cfg.DataDir+"/state/current_state.json", log)

	var mirror persistence.Mirror = persistence.NoopMirror{}
	if cfg.S3Bucket != "" {
		s3mirror, err := persistence.NewS3Mirror(context.Background(), persistence.S3MirrorConfig{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to build S3 archive mirror, falling back to local-only archival")
		} else {
			mirror = s3mirror
		}
	}
	archivist := persistence.NewArchivist(cfg.DataDir, mirror, log)

	telemetryCfg := telemetry.DefaultConfig(cfg.TelemetrySinkURL)
	telemetryCfg.Stats = telemetry.GopsutilStats()
	sink := telemetry.NewSink(telemetryCfg, log)
	sink.Start()

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Symbols = symbols
	schedCfg.SectorOf = sectorOf
	schedCfg.BypassMarketHours = cfg.BypassMarketHours
	schedCfg.MaxPositions = cfg.MaxPositions
	schedCfg.MinConfidenceEntry = cfg.MinConfidenceEntry
	schedCfg.AggressiveProfile = cfg.Profile == config.ProfileAggressive
	schedCfg.Mode = cfg.Mode
	schedCfg.CheckInterval = cfg.CheckInterval
	schedCfg.OffHoursInterval = cfg.OffHoursInterval

	sched := scheduler.New(schedCfg, scheduler.NewGate(nil), provider, agg, book, composer, candidates, snapshots, archivist, sink, log)
	sched.Restore()

	housekeeping := scheduler.NewHousekeeping(log)
	if err := housekeeping.AddJob("*/10 * * * *", scheduler.StaleCacheSweepJob{
		Sweep:  provider.SweepStaleCache,
		MaxAge: 2 * cfg.CheckInterval,
	}); err != nil {
		log.Error().Err(err).Msg("failed to register stale cache sweep job")
	}
	if err := housekeeping.AddJob("5 9 * * 1-5", scheduler.FNOCarryRolloverJob{
		Rollover: func() error {
			day := scheduler.TradingDay(time.Now())
			_, err := archivist.ReadFNOCarryPositions(day)
			return err
		},
	}); err != nil {
		log.Error().Err(err).Msg("failed to register F&O carry rollover job")
	}
	housekeeping.Start()

	opsServer := ops.New(cfg.Port, sched, log)
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	log.Info().Int("port", cfg.Port).Int("symbols", len(symbols)).Msg("engine running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received, stopping")
	cancel()
	housekeeping.Stop()
	sink.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx.Done()); err != nil {
		log.Error().Err(err).Msg("ops server shutdown error")
	}

	log.Info().Msg("engine stopped")
}
