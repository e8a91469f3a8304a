package lx

import (
	"math/big"
)

// FundingHistory is the per-pair series of funding rate samples. Rates are
// parts-per-FeeAccuracy per hour; Timestamps are unix seconds and always have
// the same length as Rates.
type FundingHistory struct {
	Rates      []*big.Int
	Timestamps []int64
}

// FundingSample is one (rate, timestamp) entry of a pair's history
type FundingSample struct {
	Rate      *big.Int `json:"rate"`
	Timestamp int64    `json:"timestamp"`
}

// Len returns the number of samples
func (fh *FundingHistory) Len() int {
	return len(fh.Rates)
}

// Append adds a sample at the end of the series
func (fh *FundingHistory) Append(rate *big.Int, timestamp int64) {
	fh.Rates = append(fh.Rates, new(big.Int).Set(rate))
	fh.Timestamps = append(fh.Timestamps, timestamp)
}

// Clear drops both series together
func (fh *FundingHistory) Clear() {
	fh.Rates = nil
	fh.Timestamps = nil
}

// Latest returns the most recent rate, or zero for an empty history
func (fh *FundingHistory) Latest() *big.Int {
	if len(fh.Rates) == 0 {
		return new(big.Int)
	}
	return new(big.Int).Set(fh.Rates[len(fh.Rates)-1])
}

// Samples returns a copy of the history
func (fh *FundingHistory) Samples() []FundingSample {
	samples := make([]FundingSample, len(fh.Rates))
	for i := range fh.Rates {
		samples[i] = FundingSample{
			Rate:      new(big.Int).Set(fh.Rates[i]),
			Timestamp: fh.Timestamps[i],
		}
	}
	return samples
}

// AverageRate returns the time-weighted average rate from sample start up to
// now. Each sample is weighted by the time until the next one, the last by the
// time until now. The sum is divided by (samples - start) * (now + 1 - ts[start]).
func (fh *FundingHistory) AverageRate(start int, now int64) *big.Int {
	n := len(fh.Rates)
	if start < 0 || start >= n {
		return new(big.Int)
	}

	weighted := new(big.Int)
	term := new(big.Int)
	for i := start; i < n-1; i++ {
		duration := big.NewInt(fh.Timestamps[i+1] - fh.Timestamps[i])
		weighted.Add(weighted, term.Mul(fh.Rates[i], duration))
	}
	last := big.NewInt(now - fh.Timestamps[n-1])
	weighted.Add(weighted, term.Mul(fh.Rates[n-1], last))

	divisor := big.NewInt(int64(n - start))
	divisor.Mul(divisor, big.NewInt(now+1-fh.Timestamps[start]))
	if divisor.Sign() == 0 {
		return new(big.Int)
	}
	return weighted.Quo(weighted, divisor)
}

// NextFundingRate derives the instantaneous rate from the open interest
// imbalance. flat is true when both sides are zero and the history should be
// cleared instead of extended.
//
// Ratios use truncating division: a side has to be at least twice the other
// before the variable rate applies, anything closer yields zero.
func NextFundingRate(longOI, shortOI, maxOI *big.Int, p Params) (rate *big.Int, flat bool) {
	longZero, shortZero := longOI.Sign() == 0, shortOI.Sign() == 0
	switch {
	case longZero && shortZero:
		return new(big.Int), true
	case longZero:
		if maxOI.Sign() == 0 {
			return new(big.Int), false
		}
		rate = new(big.Int).Mul(p.MaxInterestRate, shortOI)
		rate.Quo(rate, maxOI)
		return rate.Neg(rate), false
	case shortZero:
		if maxOI.Sign() == 0 {
			return new(big.Int), false
		}
		rate = new(big.Int).Mul(p.MaxInterestRate, longOI)
		return rate.Quo(rate, maxOI), false
	}

	longRatio := new(big.Int).Quo(longOI, shortOI)
	shortRatio := new(big.Int).Quo(shortOI, longOI)
	switch {
	case longRatio.Cmp(big.NewInt(1)) > 0:
		rate = new(big.Int).Mul(p.VariableInterestRate, longOI)
		return rate.Quo(rate, shortOI), false
	case shortRatio.Cmp(big.NewInt(1)) > 0:
		rate = new(big.Int).Mul(p.VariableInterestRate, shortOI)
		rate.Quo(rate, longOI)
		return rate.Neg(rate), false
	default:
		return new(big.Int), false
	}
}

// EffectiveRate applies the base rate to the averaged funding rate for one side.
// Longs pay base + avg, shorts pay base - avg.
func EffectiveRate(d Direction, avg *big.Int, p Params) *big.Int {
	if d == Long {
		return new(big.Int).Add(p.BaseInterestRate, avg)
	}
	return new(big.Int).Sub(p.BaseInterestRate, avg)
}

// InterestAmount returns the carrying cost accrued by a position:
// rate * leverage * netCollateral * elapsed * TimeAccuracy /
// (FeeAccuracy * LeverageAccuracy * 3600 * TimeAccuracy)
func InterestAmount(rate, leverage, netCollateral *big.Int, elapsed int64) *big.Int {
	num := new(big.Int).Mul(rate, leverage)
	num.Mul(num, netCollateral)
	num.Mul(num, big.NewInt(elapsed))
	num.Mul(num, timeAccuracy)

	den := new(big.Int).Mul(feeAccuracy, leverageAccuracy)
	den.Mul(den, secondsPerHour)
	den.Mul(den, timeAccuracy)
	return num.Quo(num, den)
}

// recordFundingSample extends or clears the pair's history after its open
// interest changed
func (tp *TradingPair) recordFundingSample(p Params, now int64) {
	rate, flat := NextFundingRate(tp.LongOpenInterest, tp.ShortOpenInterest, tp.MaxOpenInterest, p)
	if flat {
		tp.Funding.Clear()
		return
	}
	tp.Funding.Append(rate, now)
}
