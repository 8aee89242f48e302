package models

import "github.com/shopspring/decimal"

// SatsPerCoin is the number of smallest units per whole coin.
const SatsPerCoin = 100_000_000

var satsPerCoinDec = decimal.NewFromInt(SatsPerCoin)

// SatsToCoins converts an on-chain satoshi amount to ledger coin units.
func SatsToCoins(sats int64) decimal.Decimal {
	return decimal.NewFromInt(sats).Div(satsPerCoinDec)
}

// CoinsToSats converts a ledger amount to satoshis, truncating sub-satoshi
// precision.
func CoinsToSats(coins decimal.Decimal) int64 {
	return coins.Mul(satsPerCoinDec).IntPart()
}
