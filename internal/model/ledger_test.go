package model

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestBalancePolicy_Permits(t *testing.T) {
	strict := BalancePolicy{}
	grace := BalancePolicy{OverdraftLimitCents: 500}

	assert.True(t, strict.Permits(TypeDeposit, 0, 100))
	assert.True(t, strict.Permits(TypeCallCharge, 100, -100))
	assert.False(t, strict.Permits(TypeCallCharge, 100, -101))

	assert.True(t, grace.Permits(TypeCallCharge, 100, -600))
	assert.False(t, grace.Permits(TypeCallCharge, 100, -601))
	// overdraft only covers calls that already happened
	assert.False(t, grace.Permits(TypeAdjustment, 100, -101))
}

func TestMutation_Validate(t *testing.T) {
	ok := Mutation{UserID: "u1", EventID: "e1", Type: TypeDeposit, AmountCents: 500}
	assert.NoError(t, ok.Validate())

	cases := map[string]Mutation{
		"missing user":     {EventID: "e1", Type: TypeDeposit, AmountCents: 1},
		"missing event":    {UserID: "u1", Type: TypeDeposit, AmountCents: 1},
		"unknown type":     {UserID: "u1", EventID: "e1", Type: "refund", AmountCents: 1},
		"zero amount":      {UserID: "u1", EventID: "e1", Type: TypeDeposit},
		"negative deposit": {UserID: "u1", EventID: "e1", Type: TypeDeposit, AmountCents: -1},
		"positive charge":  {UserID: "u1", EventID: "e1", Type: TypeCallCharge, AmountCents: 1},
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			err := m.Validate()
			assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
		})
	}
}

func TestMarkupConfig(t *testing.T) {
	m := MarkupConfig{
		DefaultPercent: decimal.NewFromInt(10),
		Overrides:      map[string]decimal.Decimal{"GB": decimal.NewFromInt(25)},
	}
	assert.NoError(t, m.Validate())
	assert.True(t, m.PercentFor(" gb ").Equal(decimal.NewFromInt(25)))
	assert.True(t, m.PercentFor("US").Equal(decimal.NewFromInt(10)))

	m.Overrides["FR"] = decimal.NewFromInt(-1)
	assert.ErrorIs(t, m.Validate(), ErrValidation)
}

func TestMutation_EventKey(t *testing.T) {
	assert.Equal(t, "deposit:evt-1", Mutation{Type: TypeDeposit, EventID: "evt-1"}.EventKey())
	assert.Equal(t, "call:evt-1", Mutation{Type: TypeCallCharge, EventID: "evt-1"}.EventKey())
	assert.Equal(t, "adjustment:evt-1", EventKey(TypeAdjustment, "evt-1"))
}
