// Package telemetry implements the telemetry sink client (C11, §4.11): a
// one-way publisher that forwards signal, trade, portfolio, performance and
// status events to an external HTTP sink, never blocking the scan loop on
// sink outages.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/kestrelquant/engine/internal/reliability"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// GopsutilStats samples host CPU (over a short 100ms window, matching the
// reference dashboard server's system-stats handler) and memory usage. It
// is the SystemStats implementation wired in by default; callers with no
// gopsutil access (e.g. sandboxed test environments) can supply their own.
func GopsutilStats() SystemStats {
	return func() (cpuPercent, memPercent float64) {
		percents, err := cpu.Percent(100*time.Millisecond, false)
		if err == nil && len(percents) > 0 {
			cpuPercent = percents[0]
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			memPercent = vm.UsedPercent
		}
		return cpuPercent, memPercent
	}
}

// Event is the wire envelope every telemetry POST carries (§4.11 schema).
type Event struct {
	Timestamp time.Time   `json:"timestamp"`
	EventType string      `json:"event_type"`
	Payload   interface{} `json:"payload"`
}

// PortfolioPayload is the payload shape for a "portfolio" event.
type PortfolioPayload struct {
	TotalValue float64                    `json:"total_value"`
	Positions  map[string]domain.Position `json:"positions"`
	Counters   domain.Counters            `json:"counters"`
}

// StatusPayload is the payload shape for a "status" event (§6 POST /api/status).
type StatusPayload struct {
	Iteration  int64              `json:"iteration"`
	State      domain.MarketState `json:"state"`
	TradingDay string             `json:"trading_day"`
	Timestamp  time.Time          `json:"timestamp"`
	Positions  int                `json:"positions"`
	Cash       float64            `json:"cash"`
	CPUPercent float64            `json:"cpu_percent"`
	MemPercent float64            `json:"mem_percent"`
}

const (
	eventSignal      = "signal"
	eventTrade       = "trade"
	eventPortfolio   = "portfolio"
	eventPerformance = "performance"
	eventStatus      = "status"
)

var endpointByEvent = map[string]string{
	eventSignal:      "/api/signals",
	eventTrade:       "/api/trades",
	eventPortfolio:   "/api/portfolio",
	eventPerformance: "/api/performance",
	eventStatus:      "/api/status",
}

// SystemStats reports process/host resource usage folded into status
// events (§6: telemetry dep table, gopsutil CPU/mem gauges).
type SystemStats func() (cpuPercent, memPercent float64)

// Sink is the C11 telemetry publisher: events are enqueued by the scan loop
// (never blocking) and drained by a single background worker that posts
// them to baseURL through the C1 reliability stack, attempted at most 3
// times (the first call plus up to 2 retries).
// When the queue is full the oldest queued event is dropped to make room
// for the new one (§5: "capacity >= 1000... oldest telemetry is dropped").
type Sink struct {
	baseURL string
	http    *http.Client
	gateway *reliability.Gateway
	stats   SystemStats
	log     zerolog.Logger

	mu     sync.Mutex
	queue  []Event
	maxLen int
	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// Config controls queue capacity and the reliability stack wrapping the
// outbound POSTs.
type Config struct {
	BaseURL      string
	QueueCap     int // minimum 1000 per §5
	PerSecond    int
	PerMinute    int
	CircuitN     int
	CircuitReset time.Duration
	Stats        SystemStats
}

// DefaultConfig mirrors §6's rate-limit and breaker defaults; telemetry is
// not itself in the configuration surface table, so it reuses the engine's
// broker-facing defaults rather than inventing separate knobs.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		QueueCap:     1000,
		PerSecond:    3,
		PerMinute:    60,
		CircuitN:     5,
		CircuitReset: 60 * time.Second,
	}
}

// NewSink builds a Sink. Start must be called to begin draining the queue.
func NewSink(cfg Config, log zerolog.Logger) *Sink {
	if cfg.QueueCap < 1000 {
		cfg.QueueCap = 1000
	}
	gw := reliability.NewGateway(
		reliability.NewRateLimiter(orDefault(cfg.PerSecond, 3), orDefault(cfg.PerMinute, 60)),
		reliability.NewCircuitBreaker(orDefault(cfg.CircuitN, 5), cfg.CircuitReset),
	)
	gw.MaxAttempts = 3 // §4.11: "retried with backoff (max 3)"

	return &Sink{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		gateway: gw,
		stats:   cfg.Stats,
		log:     log.With().Str("component", "telemetry_sink").Logger(),
		queue:   make([]Event, 0, cfg.QueueCap),
		maxLen:  cfg.QueueCap,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Start launches the background drain worker. Call Stop to shut it down.
func (s *Sink) Start() {
	s.wg.Add(1)
	go s.drainLoop()
}

// Stop signals the drain worker to exit after flushing whatever is queued,
// and waits for it to finish.
func (s *Sink) Stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *Sink) drainLoop() {
	defer s.wg.Done()
	for {
		event, ok := s.dequeue()
		if ok {
			s.post(event)
			continue
		}
		select {
		case <-s.notify:
		case <-s.done:
			// Drain whatever remains before exiting.
			for {
				event, ok := s.dequeue()
				if !ok {
					return
				}
				s.post(event)
			}
		case <-time.After(time.Second):
		}
	}
}

// dequeue pops the oldest queued event, compacting the backing array in
// place (rather than re-slicing from the front) so repeated dequeues never
// erode the slice's capacity out from under enqueue's bound check.
func (s *Sink) dequeue() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	event := s.queue[0]
	n := copy(s.queue, s.queue[1:])
	s.queue = s.queue[:n]
	return event, true
}

// enqueue appends event, dropping the oldest queued event first if the
// queue is at capacity (§5 bounded-queue drop-oldest policy).
func (s *Sink) enqueue(event Event) {
	s.mu.Lock()
	if len(s.queue) >= s.maxLen {
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.log.Warn().Str("event_type", event.EventType).Msg("telemetry queue full, dropped oldest event")
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Sink) post(event Event) {
	path, ok := endpointByEvent[event.EventType]
	if !ok {
		s.log.Warn().Str("event_type", event.EventType).Msg("unknown telemetry event type, dropping")
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		s.log.Warn().Err(err).Str("event_type", event.EventType).Msg("failed to encode telemetry event")
		return
	}

	err = s.gateway.Call(func() error {
		req, err := http.NewRequest(http.MethodPost, s.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("telemetry sink returned status %d", resp.StatusCode)
		}
		return nil
	}, isTransient)

	if err != nil {
		// Non-blocking: the core never stalls on telemetry failure (§4.11).
		s.log.Warn().Err(err).Str("event_type", event.EventType).Msg("telemetry event dropped after retries exhausted")
	}
}

// isTransient treats every local/network/HTTP-status failure as retriable;
// the only permanent outcome from post's fn is a circuit-open short-circuit,
// which Gateway.Call never routes through isTransient in the first place.
func isTransient(error) bool { return true }

// Healthy performs a liveness check against the sink's optional GET /health
// endpoint.
func (s *Sink) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// PublishSignal enqueues a per-symbol aggregated-signal event.
func (s *Sink) PublishSignal(symbol domain.Symbol, signal domain.AggregatedSignal) {
	s.enqueue(Event{Timestamp: time.Now(), EventType: eventSignal, Payload: signal})
}

// PublishTrade enqueues a trade event. Part of the scheduler.Publisher
// interface.
func (s *Sink) PublishTrade(trade domain.Trade) {
	s.enqueue(Event{Timestamp: time.Now(), EventType: eventTrade, Payload: trade})
}

// PublishPortfolio enqueues a portfolio snapshot event. Part of the
// scheduler.Publisher interface.
func (s *Sink) PublishPortfolio(totalValue float64, positions map[string]domain.Position, counters domain.Counters) {
	s.enqueue(Event{Timestamp: time.Now(), EventType: eventPortfolio, Payload: PortfolioPayload{
		TotalValue: totalValue,
		Positions:  positions,
		Counters:   counters,
	}})
}

// PublishPerformance enqueues a performance-counters event. Part of the
// scheduler.Publisher interface.
func (s *Sink) PublishPerformance(counters domain.Counters) {
	s.enqueue(Event{Timestamp: time.Now(), EventType: eventPerformance, Payload: counters})
}

// PublishStatus enqueues a status event, folding in current CPU/memory
// gauges when a SystemStats source is configured. Part of the
// scheduler.Publisher interface.
func (s *Sink) PublishStatus(status domain.EngineStatus) {
	payload := StatusPayload{
		Iteration:  status.Iteration,
		State:      status.State,
		TradingDay: status.TradingDay,
		Timestamp:  status.Timestamp,
		Positions:  status.Positions,
		Cash:       status.Cash,
	}
	if s.stats != nil {
		payload.CPUPercent, payload.MemPercent = s.stats()
	}
	s.enqueue(Event{Timestamp: time.Now(), EventType: eventStatus, Payload: payload})
}
