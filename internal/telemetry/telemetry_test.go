package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met before timeout")
}

func TestSinkPublishTradePostsToTradesEndpoint(t *testing.T) {
	var hits int32
	var gotPath string
	var gotBody Event
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		mu.Unlock()
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig(srv.URL)
	sink := NewSink(cfg, zerolog.Nop())
	sink.Start()
	defer sink.Stop()

	sym, err := domain.NewEquitySymbol("ACME")
	require.NoError(t, err)
	sink.PublishTrade(domain.Trade{Symbol: sym, Side: domain.SideBuy, Price: 100})

	waitUntil(t, time.Second, func() bool { return atomic.LoadInt32(&hits) == 1 })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/api/trades", gotPath)
	assert.Equal(t, "trade", gotBody.EventType)
}

func TestSinkPublishStatusFoldsInSystemStats(t *testing.T) {
	var gotBody Event
	var mu sync.Mutex
	done := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		done <- struct{}{}
	}))
	defer srv.Close()

	cfg := DefaultConfig(srv.URL)
	cfg.Stats = func() (float64, float64) { return 12.5, 40.0 }
	sink := NewSink(cfg, zerolog.Nop())
	sink.Start()
	defer sink.Stop()

	sink.PublishStatus(domain.EngineStatus{Iteration: 3, State: domain.MarketOpen})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("status event never posted")
	}

	mu.Lock()
	defer mu.Unlock()
	payloadBytes, err := json.Marshal(gotBody.Payload)
	require.NoError(t, err)
	var payload StatusPayload
	require.NoError(t, json.Unmarshal(payloadBytes, &payload))
	assert.InDelta(t, 12.5, payload.CPUPercent, 0.001)
	assert.InDelta(t, 40.0, payload.MemPercent, 0.001)
}

func TestSinkDropsOldestWhenQueueIsFull(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block // never respond until the test unblocks it
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block)

	cfg := DefaultConfig(srv.URL)
	cfg.QueueCap = 1000
	sink := NewSink(cfg, zerolog.Nop())
	// Do not Start the drain worker — this isolates the queue's bound
	// behavior from the HTTP round trip.

	for i := 0; i < 1005; i++ {
		sink.PublishPerformance(domain.Counters{Total: i})
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.queue, 1000)
	// The oldest 5 (Total 0..4) must have been dropped; the surviving head
	// is Total=5.
	first := sink.queue[0].Payload.(domain.Counters)
	assert.Equal(t, 5, first.Total)
	last := sink.queue[len(sink.queue)-1].Payload.(domain.Counters)
	assert.Equal(t, 1004, last.Total)
}

func TestSinkUnknownEventTypeIsDroppedNotPosted(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewSink(DefaultConfig(srv.URL), zerolog.Nop())
	sink.post(Event{EventType: "unknown"})
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

func TestSinkPublishSignalPostsToSignalsEndpoint(t *testing.T) {
	var gotPath string
	var mu sync.Mutex
	done := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		done <- struct{}{}
	}))
	defer srv.Close()

	sink := NewSink(DefaultConfig(srv.URL), zerolog.Nop())
	sink.Start()
	defer sink.Stop()

	sym, err := domain.NewEquitySymbol("ACME")
	require.NoError(t, err)
	sink.PublishSignal(sym, domain.AggregatedSignal{Symbol: sym, Action: domain.ActionBuy, Confidence: 0.7})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("signal event never posted")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/api/signals", gotPath)
}

func TestGopsutilStatsReturnsNonNegativeReadings(t *testing.T) {
	stats := GopsutilStats()
	cpuPercent, memPercent := stats()
	assert.GreaterOrEqual(t, cpuPercent, 0.0)
	assert.GreaterOrEqual(t, memPercent, 0.0)
}

func TestSinkHealthyReflectsHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	sink := NewSink(DefaultConfig(srv.URL), zerolog.Nop())
	assert.True(t, sink.Healthy(context.Background()))
}
