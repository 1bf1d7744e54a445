package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zippcall/internal/model"
)

func rate(dest, price string, inc int) model.RateEntry {
	return model.RateEntry{Destination: dest, BasePrice: decimal.RequireFromString(price), BillingIncrementSeconds: inc}
}

func TestBillableSeconds(t *testing.T) {
	cases := []struct {
		d, i, want int64
	}{
		{0, 60, 0},
		{1, 60, 60},
		{60, 60, 60},
		{61, 60, 120},
		{95, 60, 120},
		{7, 6, 12},
		{6, 6, 6},
		{-5, 60, 0},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, BillableSeconds(c.d, c.i), "d=%d i=%d", c.d, c.i)
	}
}

func TestBillableSeconds_IsCeilMultiple(t *testing.T) {
	for _, i := range []int64{1, 6, 30, 60} {
		for d := int64(1); d <= 500; d++ {
			b := BillableSeconds(d, i)
			require.Zero(t, b%i)
			require.GreaterOrEqual(t, b, d)
			require.Less(t, b-d, i)
		}
	}
}

func TestCompute_USScenario(t *testing.T) {
	cost, err := PerMinute.Compute(decimal.RequireFromString("0.02"), 60, 95)
	require.NoError(t, err)
	assert.Equal(t, int64(120), cost.BillableSeconds)
	assert.True(t, cost.Amount.Equal(decimal.RequireFromString("0.04")), cost.Amount.String())
	assert.Equal(t, int64(4), ToCents(cost.Amount))
}

func TestCompute_ZeroDuration(t *testing.T) {
	cost, err := PerMinute.Compute(decimal.RequireFromString("0.5"), 60, 0)
	require.NoError(t, err)
	assert.True(t, cost.Amount.IsZero())
	assert.Zero(t, cost.BillableSeconds)
}

func TestCompute_SixSecondIncrement(t *testing.T) {
	// 0.12/min on 6s blocks: 7s bills 12s = 0.024
	cost, err := PerMinute.Compute(decimal.RequireFromString("0.12"), 6, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(12), cost.BillableSeconds)
	assert.True(t, cost.Amount.Equal(decimal.RequireFromString("0.024")))
	assert.Equal(t, int64(2), ToCents(cost.Amount))
}

func TestCompute_Monotonic(t *testing.T) {
	r := decimal.RequireFromString("0.0137")
	prev := decimal.Zero
	for d := int64(1); d <= 3600; d++ {
		cost, err := PerMinute.Compute(r, 6, d)
		require.NoError(t, err)
		require.True(t, cost.Amount.GreaterThanOrEqual(prev), "d=%d", d)
		prev = cost.Amount
	}
}

func TestCompute_RejectsBadInput(t *testing.T) {
	_, err := PerMinute.Compute(decimal.NewFromInt(1), 0, 10)
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = PerMinute.Compute(decimal.NewFromInt(1), 60, -1)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestCompute_UnitAgnostic(t *testing.T) {
	perSecond := Calculator{UnitSeconds: 1}
	cost, err := perSecond.Compute(decimal.RequireFromString("0.001"), 1, 95)
	require.NoError(t, err)
	assert.True(t, cost.Amount.Equal(decimal.RequireFromString("0.095")))
}

func TestMaxDuration(t *testing.T) {
	secs, limited := PerMinute.MaxDuration(decimal.RequireFromString("0.02"), 60, 4)
	assert.True(t, limited)
	assert.Equal(t, int64(120), secs)

	secs, _ = PerMinute.MaxDuration(decimal.RequireFromString("0.02"), 60, 0)
	assert.Zero(t, secs)

	_, limited = PerMinute.MaxDuration(decimal.Zero, 60, 100)
	assert.False(t, limited)
}

func TestMaxDuration_SubCentIncrements(t *testing.T) {
	// 0.2 cents per minute: 7 minutes cost 1.4 cents, billed as 1
	rate := decimal.RequireFromString("0.002")
	secs, limited := PerMinute.MaxDuration(rate, 60, 1)
	assert.True(t, limited)
	assert.Equal(t, int64(420), secs)

	cost, err := PerMinute.Compute(rate, 60, secs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ToCents(cost.Amount))
	cost, err = PerMinute.Compute(rate, 60, secs+60)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ToCents(cost.Amount))
}

func TestMaxDuration_NeverExceedsBudget(t *testing.T) {
	for _, r := range []string{"0.001", "0.0049", "0.005", "0.013", "0.02", "0.1234567", "1.5"} {
		rate := decimal.RequireFromString(r)
		for _, inc := range []int{1, 6, 60} {
			for budget := int64(1); budget <= 40; budget++ {
				secs, _ := PerMinute.MaxDuration(rate, inc, budget)
				cost, err := PerMinute.Compute(rate, inc, secs)
				require.NoError(t, err)
				require.LessOrEqual(t, ToCents(cost.Amount), budget, "rate %s inc %d budget %d", r, inc, budget)

				next, err := PerMinute.Compute(rate, inc, secs+int64(inc))
				require.NoError(t, err)
				require.Greater(t, ToCents(next.Amount), budget, "rate %s inc %d budget %d", r, inc, budget)
			}
		}
	}
}

func TestResolver_Markup(t *testing.T) {
	r, err := NewResolver(model.MarkupConfig{
		DefaultPercent: decimal.NewFromInt(10),
		Overrides:      map[string]decimal.Decimal{"GB": decimal.NewFromInt(50)},
	})
	require.NoError(t, err)

	table, err := NewTable(1, []model.RateEntry{rate("us", "0.02", 60), rate("GB", "0.10", 6)})
	require.NoError(t, err)
	require.True(t, r.Swap(table))

	us, err := r.Resolve("US")
	require.NoError(t, err)
	assert.True(t, us.EffectivePerUnit.Equal(decimal.RequireFromString("0.022")), us.EffectivePerUnit.String())
	assert.Equal(t, 60, us.BillingIncrementSeconds)
	assert.Equal(t, uint64(1), us.TableVersion)

	gb, err := r.Resolve("gb")
	require.NoError(t, err)
	assert.True(t, gb.EffectivePerUnit.Equal(decimal.RequireFromString("0.15")))
	assert.True(t, gb.EffectivePerUnit.GreaterThanOrEqual(gb.BasePrice))
}

func TestResolver_UnknownDestination(t *testing.T) {
	r, err := NewResolver(model.MarkupConfig{})
	require.NoError(t, err)

	_, err = r.Resolve("ZZ")
	assert.ErrorIs(t, err, model.ErrUnknownDestination)
	_, err = r.GetRate("ZZ")
	assert.ErrorIs(t, err, model.ErrUnknownDestination)
}

func TestResolver_SwapKeepsNewest(t *testing.T) {
	r, err := NewResolver(model.MarkupConfig{})
	require.NoError(t, err)

	v2, _ := NewTable(2, []model.RateEntry{rate("US", "0.03", 60)})
	v1, _ := NewTable(1, []model.RateEntry{rate("US", "0.01", 60)})

	assert.True(t, r.Swap(v2))
	assert.False(t, r.Swap(v1))

	got, err := r.GetRate("US")
	require.NoError(t, err)
	assert.True(t, got.BasePrice.Equal(decimal.RequireFromString("0.03")))
}

func TestNewResolver_RejectsNegativeMarkup(t *testing.T) {
	_, err := NewResolver(model.MarkupConfig{DefaultPercent: decimal.NewFromInt(-5)})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestNewTable_Validation(t *testing.T) {
	_, err := NewTable(1, []model.RateEntry{rate("US", "-0.01", 60)})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = NewTable(1, []model.RateEntry{rate("US", "0.01", 0)})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = NewTable(1, []model.RateEntry{rate("US", "0.01", 60), rate("us ", "0.02", 60)})
	assert.ErrorIs(t, err, model.ErrValidation)

	table, err := NewTable(3, []model.RateEntry{rate("US", "0.01", 60), rate("AR", "0.02", 60)})
	require.NoError(t, err)
	entries := table.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "AR", entries[0].Destination)
}
