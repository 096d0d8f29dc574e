package broker

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/rs/zerolog"
)

// APIClient is a domain.BrokerClient over a generic HMAC-signed REST broker
// API. It assumes api_key/api_secret are already provisioned (§1 Non-goals:
// no credential-acquisition flow lives here); every call still passes
// through the C1 reliability stack via Gateway, so APIClient itself does no
// rate limiting or retrying of its own.
type APIClient struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewAPIClient builds an APIClient against baseURL (the broker's REST
// endpoint), signing every authenticated request with apiSecret.
func NewAPIClient(baseURL, apiKey, apiSecret string, log zerolog.Logger) *APIClient {
	return &APIClient{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With().Str("component", "broker_api_client").Logger(),
	}
}

// sign computes the HMAC-SHA256 signature the broker API expects over
// payload+timestamp, hex-encoded.
func sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// request performs a signed POST to baseURL/api/{cmd} and returns the
// decoded JSON response body as a generic map.
func (c *APIClient) request(cmd string, params interface{}) (map[string]interface{}, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return nil, fmt.Errorf("broker api credentials not configured")
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode request params: %w", err)
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := sign(c.apiSecret, string(payload)+timestamp)

	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/api/%s", c.baseURL, cmd), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("X-Api-Timestamp", timestamp)
	req.Header.Set("X-Api-Signature", signature)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("broker api returned status %d: %s", resp.StatusCode, truncate(string(body), 500))
	}

	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w (body: %s)", err, truncate(string(body), 500))
	}
	if errMsg, ok := out["error"].(string); ok && errMsg != "" {
		return out, fmt.Errorf("broker api error: %s", errMsg)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// PlaceOrder submits a new order and returns the broker's order ID.
func (c *APIClient) PlaceOrder(symbol domain.Symbol, qty int, side domain.TradeSide, price *float64, orderType domain.OrderType, product domain.ProductType) (string, error) {
	params := map[string]interface{}{
		"symbol":       symbol.String(),
		"quantity":     qty,
		"side":         string(side),
		"order_type":   string(orderType),
		"product_type": string(product),
	}
	if price != nil {
		params["price"] = *price
	}
	out, err := c.request("orders/place", params)
	if err != nil {
		return "", &domain.OrderError{Kind: domain.OrderRejected, Detail: err.Error()}
	}
	orderID, _ := out["order_id"].(string)
	if orderID == "" {
		return "", &domain.OrderError{Kind: domain.OrderRejected, Detail: "broker response missing order_id"}
	}
	return orderID, nil
}

// OrderStatus polls the current status of a previously placed order.
func (c *APIClient) OrderStatus(orderID string) (domain.OrderStatus, error) {
	out, err := c.request("orders/status", map[string]interface{}{"order_id": orderID})
	if err != nil {
		return domain.OrderStatus{}, &domain.OrderError{Kind: domain.OrderRejected, OrderID: orderID, Detail: err.Error()}
	}
	status := domain.OrderStatus{
		Status:          domain.OrderStatusKind(stringField(out, "status")),
		FilledQty:       intField(out, "filled_qty"),
		AvgPrice:        floatField(out, "avg_price"),
		RejectionReason: stringField(out, "rejection_reason"),
	}
	return status, nil
}

// CancelOrder cancels a resting order.
func (c *APIClient) CancelOrder(orderID string) error {
	_, err := c.request("orders/cancel", map[string]interface{}{"order_id": orderID})
	return err
}

// Positions reports the broker's view of currently held positions. The
// persisted snapshot is not reconciled against it at restart.
func (c *APIClient) Positions() ([]domain.BrokerPosition, error) {
	out, err := c.request("portfolio/positions", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	raw, _ := out["result"].([]interface{})
	positions := make([]domain.BrokerPosition, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		sym, err := domain.NewEquitySymbol(stringField(m, "symbol"))
		if err != nil {
			continue
		}
		positions = append(positions, domain.BrokerPosition{
			Symbol:   sym,
			Shares:   intField(m, "shares"),
			AvgPrice: floatField(m, "avg_price"),
		})
	}
	return positions, nil
}

// GetQuote fetches a current bid/ask/last snapshot for symbol.
func (c *APIClient) GetQuote(symbol domain.Symbol) (domain.Quote, error) {
	out, err := c.request("quotes/get", map[string]interface{}{"symbol": symbol.String()})
	if err != nil {
		return domain.Quote{}, &domain.DataError{Kind: domain.DataMissing, Symbol: symbol.String(), Err: err}
	}
	return domain.Quote{
		Symbol: symbol,
		Last:   floatField(out, "last"),
		Bid:    floatField(out, "bid"),
		Ask:    floatField(out, "ask"),
		AsOf:   time.Now(),
	}, nil
}

// FetchBars fetches a historical OHLCV window for symbol.
func (c *APIClient) FetchBars(symbol domain.Symbol, interval string, lookbackDays int) (domain.BarSeries, error) {
	out, err := c.request("history/bars", map[string]interface{}{
		"symbol":        symbol.String(),
		"interval":      interval,
		"lookback_days": lookbackDays,
	})
	if err != nil {
		return domain.BarSeries{}, &domain.DataError{Kind: domain.DataMissing, Symbol: symbol.String(), Err: err}
	}
	raw, _ := out["result"].([]interface{})
	bars := make([]domain.Bar, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, stringField(m, "timestamp"))
		bars = append(bars, domain.Bar{
			Timestamp: ts,
			Open:      floatField(m, "open"),
			High:      floatField(m, "high"),
			Low:       floatField(m, "low"),
			Close:     floatField(m, "close"),
			Volume:    floatField(m, "volume"),
		})
	}
	return domain.BarSeries{Symbol: symbol, Bars: bars}, nil
}

// FetchInstruments resolves the tradeable instrument list for exchange.
func (c *APIClient) FetchInstruments(exchange domain.Exchange) ([]domain.Instrument, error) {
	out, err := c.request("instruments/list", map[string]interface{}{"exchange": string(exchange)})
	if err != nil {
		return nil, err
	}
	raw, _ := out["result"].([]interface{})
	instruments := make([]domain.Instrument, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		sym, err := domain.NewEquitySymbol(stringField(m, "symbol"))
		if err != nil {
			continue
		}
		instruments = append(instruments, domain.Instrument{
			Symbol:   sym,
			Token:    stringField(m, "token"),
			Exchange: exchange,
		})
	}
	return instruments, nil
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func floatField(m map[string]interface{}, key string) float64 {
	f, _ := m[key].(float64)
	return f
}
