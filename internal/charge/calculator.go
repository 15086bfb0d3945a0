// Package charge computes the fee breakdown for a transaction from a
// scheme's tiered charge table. It is pure: no storage, no clock reads.
package charge

import (
	"github.com/shopspring/decimal"

	"payflow/internal/model"
	"payflow/internal/payerr"
)

var hundred = decimal.NewFromInt(100)

// Compute selects the applicable charge tier and prices the amount.
//
// Payout tiers carry [min, max] bounds and the rows must be presented in
// ascending min order; the first containing tier wins. Payin schemes have a
// single unconditional row (null bounds). No matching tier is a hard
// rejection, never a zero default.
func Compute(amount decimal.Decimal, charges []model.SchemeCharge, kind model.TransactionKind) (model.ChargeBreakdown, error) {
	row, err := selectTier(amount, charges, kind)
	if err != nil {
		return model.ChargeBreakdown{}, err
	}

	base := row.ChargeValue
	if row.ChargeType == model.ChargePercentage {
		base = amount.Mul(row.ChargeValue).Div(hundred)
	}
	base = base.Round(2)

	gst := decimal.Zero
	if row.GSTPercent.IsPositive() {
		gst = base.Mul(row.GSTPercent).Div(hundred).Round(2)
	}

	// TDS is withheld from the payer, not added to the fee total.
	tds := decimal.Zero
	if row.TDSPercent.IsPositive() {
		tds = amount.Mul(row.TDSPercent).Div(hundred).Round(2)
	}

	total := base.Add(gst)

	return model.ChargeBreakdown{
		ChargeType:   row.ChargeType,
		ChargeValue:  row.ChargeValue,
		BaseCharge:   base,
		GSTAmount:    gst,
		TDSAmount:    tds,
		TotalCharges: total,
		NetAmount:    amount.Add(total).Sub(tds),
	}, nil
}

func selectTier(amount decimal.Decimal, charges []model.SchemeCharge, kind model.TransactionKind) (*model.SchemeCharge, error) {
	for i := range charges {
		row := &charges[i]
		if !row.Active {
			continue
		}
		if kind == model.KindPayin {
			// Payin pricing is unconditional.
			return row, nil
		}
		if !row.MinAmount.Valid || !row.MaxAmount.Valid {
			continue
		}
		if amount.GreaterThanOrEqual(row.MinAmount.Decimal) && amount.LessThanOrEqual(row.MaxAmount.Decimal) {
			return row, nil
		}
	}
	return nil, payerr.New(payerr.CodeNoApplicableCharge, "no %s charge tier covers amount %s", kind, amount)
}
