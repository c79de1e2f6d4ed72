// Package testutil generates synthetic transaction histories for tests.
package testutil

import (
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hed1ad/txguard/pkg/transaction"
)

// BaseTime is a fixed Wednesday noon used by synthetic histories.
var BaseTime = time.Date(2024, 3, 6, 12, 0, 0, 0, time.Local)

// Amounts draws n log-normal amounts around 150 (the usual shape of card
// spend), clipped to [5, 999.99] and rounded to cents.
func Amounts(n int, seed int64) []decimal.Decimal {
	rng := rand.New(rand.NewSource(seed))
	out := make([]decimal.Decimal, n)
	for i := range out {
		a := math.Exp(math.Log(150) + 0.5*rng.NormFloat64())
		a = math.Min(math.Max(a, 5), 999.99)
		out[i] = decimal.NewFromFloat(a).Round(2)
	}
	return out
}

// Transactions returns n unflagged transactions for owner 1, one second
// apart from BaseTime so hour and weekday stay fixed.
func Transactions(n int, seed int64) []transaction.Transaction {
	return TransactionsEvery(n, seed, time.Second)
}

// TransactionsEvery is Transactions with rows step apart. A step of a few
// hours spreads the history over the day and the week.
func TransactionsEvery(n int, seed int64, step time.Duration) []transaction.Transaction {
	amounts := Amounts(n, seed)
	out := make([]transaction.Transaction, n)
	for i, a := range amounts {
		out[i] = transaction.Transaction{
			ID:        int64(i + 1),
			OwnerID:   1,
			Amount:    a,
			Timestamp: BaseTime.Add(time.Duration(i) * step),
			Method:    transaction.Transfer,
		}
	}
	return out
}

// Mean returns the arithmetic mean of amounts.
func Mean(amounts []decimal.Decimal) decimal.Decimal {
	if len(amounts) == 0 {
		return decimal.Zero
	}
	return decimal.Sum(amounts[0], amounts[1:]...).Div(decimal.NewFromInt(int64(len(amounts))))
}
