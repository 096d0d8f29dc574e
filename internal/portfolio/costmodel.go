package portfolio

import "github.com/kestrelquant/engine/internal/domain"

// CostModel computes brokerage/transaction/tax charges for a fill (§4.7).
// Equity and F&O share the brokerage/transaction/GST formula; STT differs by
// product and side, so callers choose the right schedule via Side/Product.
type CostModel struct{}

// Fees returns total charges for a fill of the given gross amount.
// Equities: brokerage = min(amount*0.0002, 20); transaction = amount*3.25e-5;
// GST = (brokerage+transaction)*0.18; STT = amount*0.001 on sells only.
// F&O options: same brokerage/transaction/GST shape; STT applies only to the
// sell leg of the options premium, at a lower rate than equity delivery STT.
func (CostModel) Fees(amount float64, side domain.TradeSide, product domain.ProductType) float64 {
	if amount <= 0 {
		return 0
	}
	brokerage := amount * 0.0002
	if brokerage > 20 {
		brokerage = 20
	}
	transactionCharges := amount * 3.25e-5
	gst := (brokerage + transactionCharges) * 0.18

	var stt float64
	if side == domain.SideSell {
		switch product {
		case domain.ProductOption:
			stt = amount * 0.0005
		default:
			stt = amount * 0.001
		}
	}

	return brokerage + transactionCharges + gst + stt
}
