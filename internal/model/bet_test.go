package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestBetStateDerivation(t *testing.T) {
	p1 := decimal.RequireFromString("1.0")
	p2 := decimal.RequireFromString("1.2")

	b := &Bet{BetID: 1}
	assert.Equal(t, StateAwaitingInitialSample, b.State())

	b.InitialPrice = &p1
	assert.Equal(t, StateAwaitingFinalSample, b.State())

	// 终价落库但结果未计算，仍视为等待终次取样后的推进
	b.FinalPrice = &p2
	assert.Equal(t, StateAwaitingFinalSample, b.State())

	b.Outcome = OutcomePump
	assert.Equal(t, StateOutcomeComputed, b.State())

	b.Settled = true
	assert.Equal(t, StateSettled, b.State())
}
