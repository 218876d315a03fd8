package pricing

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basil/core/internal/domain"
)

type backendStub struct {
	calls  int
	err    error
	update domain.PriceUpdate
	prices domain.PriceBreakdown
}

func (b *backendStub) CalculateDerivedFields(context.Context, domain.DeriveRequest) (domain.PriceUpdate, error) {
	b.calls++
	return b.update, b.err
}

func (b *backendStub) CalculatePricesFromMRP(context.Context, domain.FromMRPRequest) (domain.PriceBreakdown, error) {
	b.calls++
	return b.prices, b.err
}

func TestCalculatorPrefersBackend(t *testing.T) {
	v := 42.0
	backend := &backendStub{update: domain.PriceUpdate{CostPriceBase: &v}}
	calc := NewCalculator(backend, nil)

	update, source := calc.Derive(context.Background(), domain.DeriveRequest{Field: domain.FieldCostPrice, Value: "118"})
	assert.Equal(t, SourceBackend, source)
	require.NotNil(t, update.CostPriceBase)
	assert.Equal(t, 42.0, *update.CostPriceBase)
}

func TestCalculatorFallsBackToLocal(t *testing.T) {
	backend := &backendStub{err: errors.New("connection refused")}
	calc := NewCalculator(backend, nil)

	update, source := calc.Derive(context.Background(), domain.DeriveRequest{
		Field:   domain.FieldCostPrice,
		Value:   "118",
		Current: domain.PriceFieldSet{TaxPercentage: 18},
	})
	assert.Equal(t, SourceLocal, source)
	require.NotNil(t, update.CostPriceBase)
	assert.InDelta(t, 100, *update.CostPriceBase, 0.001)

	prices, source, err := calc.FromMRP(context.Background(), domain.FromMRPRequest{MRP: 200, TaxPercentage: 18, PurchaseMarginPercentage: 20, MarginPercentage: 10})
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, source)
	assert.InDelta(t, 160, prices.CostPrice, 0.001)
}

func TestCalculatorSkipsBackendWhileTyping(t *testing.T) {
	backend := &backendStub{}
	calc := NewCalculator(backend, nil)

	update, _ := calc.Derive(context.Background(), domain.DeriveRequest{Field: domain.FieldCostPrice, Value: "12."})
	assert.True(t, update.IsEmpty())
	assert.Zero(t, backend.calls)
}
