package tracker

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const DefaultLowBalanceThreshold uint64 = 1_000_000

var (
	DefaultHighLockedRatio = decimal.RequireFromString("0.80")
	hundred                = decimal.NewFromInt(100)
)

type Thresholds struct {
	LowBalance      uint64
	HighLockedRatio decimal.Decimal
}

func DefaultThresholds() Thresholds {
	return Thresholds{LowBalance: DefaultLowBalanceThreshold, HighLockedRatio: DefaultHighLockedRatio}
}

// Evaluate returns the alerts a balance triggers. Owner, ID and timestamp are
// left for the caller to fill.
func Evaluate(b CachedBalance, th Thresholds) []Alert {
	var out []Alert
	if b.AvailableBalance > 0 && b.AvailableBalance < th.LowBalance {
		out = append(out, Alert{
			Type:     AlertLowBalance,
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("Low available balance: %d tokens", b.AvailableBalance),
		})
	}
	if b.TotalBalance > 0 {
		locked, total := toDecimal(b.LockedBalance), toDecimal(b.TotalBalance)
		if locked.GreaterThan(total.Mul(th.HighLockedRatio)) {
			ratio := locked.Mul(hundred).DivRound(total, 4)
			out = append(out, Alert{
				Type:     AlertHighLockedRatio,
				Severity: SeverityHigh,
				Message:  fmt.Sprintf("High locked ratio: %s%%", ratio.StringFixed(2)),
			})
		}
	}
	return out
}

func toDecimal(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
