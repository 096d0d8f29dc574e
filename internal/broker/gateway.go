// Package broker implements the broker gateway (C6, §4.6): every call to the
// underlying domain.BrokerClient is wrapped in the rate limiter, retry, and
// circuit breaker stack from internal/reliability, plus order-status polling
// and partial-fill reconciliation.
package broker

import (
	"errors"
	"time"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/kestrelquant/engine/internal/reliability"
	"github.com/rs/zerolog"
)

// PollConfig controls the order-status polling loop after PlaceOrder.
type PollConfig struct {
	Schedule []time.Duration
	Budget   time.Duration
}

func DefaultPollConfig() PollConfig {
	return PollConfig{Schedule: reliability.BackoffSchedule, Budget: 30 * time.Second}
}

// Gateway wraps a domain.BrokerClient with the C1 reliability stack.
type Gateway struct {
	client  domain.BrokerClient
	gateway *reliability.Gateway
	poll    PollConfig
	log     zerolog.Logger
	sleep   func(time.Duration)
	now     func() time.Time
}

func NewGateway(client domain.BrokerClient, gw *reliability.Gateway, poll PollConfig, log zerolog.Logger) *Gateway {
	return &Gateway{
		client:  client,
		gateway: gw,
		poll:    poll,
		log:     log.With().Str("component", "broker_gateway").Logger(),
		sleep:   time.Sleep,
		now:     time.Now,
	}
}

// IsTransient classifies network/HTTP-shaped errors as retriable; anything
// else — including a broker's deliberate rejection — is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rl *domain.RateLimitError
	var circ *domain.CircuitOpenError
	if errors.As(err, &rl) || errors.As(err, &circ) {
		return false // these never reach fn(); guard anyway for safety
	}
	var orderErr *domain.OrderError
	if errors.As(err, &orderErr) {
		return false
	}
	return true
}

// PlaceAndAwaitFill places an order and polls order status on the backoff
// schedule until a terminal status or the wall-time budget expires (§4.6).
// Partial fills below 90% are cancelled and reported as OrderPartialShortfall.
func (g *Gateway) PlaceAndAwaitFill(symbol domain.Symbol, qty int, side domain.TradeSide, price *float64, orderType domain.OrderType, product domain.ProductType) (domain.OrderStatus, string, error) {
	var orderID string
	err := g.gateway.Call(func() error {
		id, err := g.client.PlaceOrder(symbol, qty, side, price, orderType, product)
		if err != nil {
			return err
		}
		orderID = id
		return nil
	}, IsTransient)
	if err != nil {
		var orderErr *domain.OrderError
		if errors.As(err, &orderErr) {
			return domain.OrderStatus{}, "", err
		}
		return domain.OrderStatus{}, "", &domain.OrderError{Kind: domain.OrderRejected, Detail: err.Error()}
	}

	status, err := g.pollUntilTerminal(orderID)
	if err != nil {
		return domain.OrderStatus{}, orderID, err
	}

	if status.Status == domain.OrderPartial {
		fillRatio := float64(status.FilledQty) / float64(qty)
		if fillRatio < 0.9 {
			if cancelErr := g.client.CancelOrder(orderID); cancelErr != nil {
				g.log.Warn().Err(cancelErr).Str("order_id", orderID).Msg("failed to cancel residual of shortfall partial fill")
			}
			return status, orderID, &domain.OrderError{Kind: domain.OrderPartialShortfall, OrderID: orderID, Detail: "fill below 90% threshold"}
		}
	}
	return status, orderID, nil
}

func (g *Gateway) pollUntilTerminal(orderID string) (domain.OrderStatus, error) {
	deadline := g.now().Add(g.poll.Budget)
	schedule := append([]time.Duration{0}, g.poll.Schedule...)
	var last domain.OrderStatus

	for _, wait := range schedule {
		if wait > 0 {
			g.sleep(wait)
		}
		if g.now().After(deadline) {
			break
		}

		var status domain.OrderStatus
		err := g.gateway.Call(func() error {
			s, err := g.client.OrderStatus(orderID)
			if err != nil {
				return err
			}
			status = s
			return nil
		}, IsTransient)
		if err != nil {
			return last, err
		}
		last = status

		switch status.Status {
		case domain.OrderComplete, domain.OrderRejectedS, domain.OrderCancelled:
			return status, nil
		}
	}

	if g.now().After(deadline) && last.Status != domain.OrderComplete {
		return last, &domain.OrderError{Kind: domain.OrderTimeout, OrderID: orderID, Detail: "status poll budget exhausted"}
	}
	return last, nil
}

// CancelOrder cancels a resting order through the reliability stack.
func (g *Gateway) CancelOrder(orderID string) error {
	return g.gateway.Call(func() error { return g.client.CancelOrder(orderID) }, IsTransient)
}

// Positions fetches broker-reported positions. Nothing in the engine calls it
// at restart; restored state is not reconciled against it.
func (g *Gateway) Positions() ([]domain.BrokerPosition, error) {
	var out []domain.BrokerPosition
	err := g.gateway.Call(func() error {
		p, err := g.client.Positions()
		if err != nil {
			return err
		}
		out = p
		return nil
	}, IsTransient)
	return out, err
}

// GetQuote fetches a live quote through the reliability stack.
func (g *Gateway) GetQuote(symbol domain.Symbol) (domain.Quote, error) {
	var q domain.Quote
	err := g.gateway.Call(func() error {
		quote, err := g.client.GetQuote(symbol)
		if err != nil {
			return err
		}
		q = quote
		return nil
	}, IsTransient)
	return q, err
}
