package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Right is the option right (call/put).
type Right string

const (
	RightCall Right = "CE"
	RightPut  Right = "PE"
)

// Exchange is the derivative exchange segment.
type Exchange string

const (
	ExchangeNFO Exchange = "NFO"
	ExchangeBFO Exchange = "BFO"
	ExchangeNSE Exchange = "NSE"
	ExchangeBSE Exchange = "BSE"
)

var equitySymbolRe = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

// Symbol is an opaque, interned tradable identifier: either a plain equity
// ticker or a structured option contract. Equality and map-keying both use
// the canonical string form, so a Symbol is safe to use as a map key.
type Symbol struct {
	equity string // non-empty only for equities

	// Option fields, non-zero only for options.
	underlying string
	expiry     time.Time
	strike     float64
	right      Right
	exchange   Exchange
}

// NewEquitySymbol validates and constructs an equity Symbol.
// Equities are 2-20 uppercase alphanumerics (§3).
func NewEquitySymbol(ticker string) (Symbol, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if !equitySymbolRe.MatchString(ticker) {
		return Symbol{}, fmt.Errorf("%w: invalid equity symbol %q", ErrInvalidSymbol, ticker)
	}
	return Symbol{equity: ticker}, nil
}

// NewOptionSymbol validates and constructs a structured option Symbol.
func NewOptionSymbol(underlying string, expiry time.Time, strike float64, right Right, exchange Exchange) (Symbol, error) {
	underlying = strings.ToUpper(strings.TrimSpace(underlying))
	if underlying == "" {
		return Symbol{}, fmt.Errorf("%w: empty underlying", ErrInvalidSymbol)
	}
	if strike <= 0 {
		return Symbol{}, fmt.Errorf("%w: non-positive strike %v", ErrInvalidSymbol, strike)
	}
	if right != RightCall && right != RightPut {
		return Symbol{}, fmt.Errorf("%w: invalid right %q", ErrInvalidSymbol, right)
	}
	if exchange != ExchangeNFO && exchange != ExchangeBFO {
		return Symbol{}, fmt.Errorf("%w: invalid derivative exchange %q", ErrInvalidSymbol, exchange)
	}
	return Symbol{
		underlying: underlying,
		expiry:     expiry.UTC().Truncate(24 * time.Hour),
		strike:     strike,
		right:      right,
		exchange:   exchange,
	}, nil
}

// IsOption reports whether the symbol is a structured option contract.
func (s Symbol) IsOption() bool { return s.underlying != "" }

// Underlying returns the underlying index/equity for options, or the
// equity ticker itself for equities.
func (s Symbol) Underlying() string {
	if s.IsOption() {
		return s.underlying
	}
	return s.equity
}

// Expiry returns the option's expiry date. Zero value for equities.
func (s Symbol) Expiry() time.Time { return s.expiry }

// Strike returns the option's strike price. Zero for equities.
func (s Symbol) Strike() float64 { return s.strike }

// Right returns the option's right. Empty for equities.
func (s Symbol) Right() Right { return s.right }

// Exchange returns the option's exchange segment. Empty for equities.
func (s Symbol) Exchange() Exchange { return s.exchange }

// String returns the canonical trading-symbol form used by the broker:
// the bare ticker for equities, or UNDERLYING+DDMMMYY+STRIKE+CE/PE for
// options (the conventional NSE/BSE F&O trading-symbol shape).
func (s Symbol) String() string {
	if !s.IsOption() {
		return s.equity
	}
	return fmt.Sprintf("%s%s%s%s",
		s.underlying,
		s.expiry.Format("02Jan06"),
		formatStrike(s.strike),
		s.right,
	)
}

func formatStrike(strike float64) string {
	if strike == float64(int64(strike)) {
		return fmt.Sprintf("%d", int64(strike))
	}
	return fmt.Sprintf("%.2f", strike)
}

// symbolJSON is the wire form of Symbol. All of Symbol's fields are
// unexported (the zero-value map-key safety in its doc comment depends on
// that), so it needs an explicit codec rather than encoding/json's default
// reflection — struct tags can't reach unexported fields.
type symbolJSON struct {
	Equity     string    `json:"equity,omitempty"`
	Underlying string    `json:"underlying,omitempty"`
	Expiry     time.Time `json:"expiry,omitempty"`
	Strike     float64   `json:"strike,omitempty"`
	Right      Right     `json:"right,omitempty"`
	Exchange   Exchange  `json:"exchange,omitempty"`
}

// MarshalJSON encodes the full structured form, not just String(), so a
// round-tripped Symbol still answers Underlying/Expiry/Strike/Right/Exchange.
func (s Symbol) MarshalJSON() ([]byte, error) {
	return json.Marshal(symbolJSON{
		Equity:     s.equity,
		Underlying: s.underlying,
		Expiry:     s.expiry,
		Strike:     s.strike,
		Right:      s.right,
		Exchange:   s.exchange,
	})
}

// UnmarshalJSON restores a Symbol from its structured wire form.
func (s *Symbol) UnmarshalJSON(data []byte) error {
	var j symbolJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*s = Symbol{
		equity:     j.Equity,
		underlying: j.Underlying,
		expiry:     j.Expiry,
		strike:     j.Strike,
		right:      j.Right,
		exchange:   j.Exchange,
	}
	return nil
}
