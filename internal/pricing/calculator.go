package pricing

import (
	"context"

	"go.uber.org/zap"

	"basil/core/internal/domain"
)

// Backend is the server-side price calculation.
type Backend interface {
	CalculateDerivedFields(ctx context.Context, req domain.DeriveRequest) (domain.PriceUpdate, error)
	CalculatePricesFromMRP(ctx context.Context, req domain.FromMRPRequest) (domain.PriceBreakdown, error)
}

type Source string

const (
	SourceBackend Source = "backend"
	SourceLocal   Source = "local"
)

// Calculator prefers the backend and falls back to the local engine when
// the backend is missing or fails. Input still being typed never leaves the
// process.
type Calculator struct {
	backend Backend
	logger  *zap.Logger
}

func NewCalculator(backend Backend, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{backend: backend, logger: logger}
}

func (c *Calculator) Derive(ctx context.Context, req domain.DeriveRequest) (domain.PriceUpdate, Source) {
	if _, ok := Sanitize(req.Value); !ok || !req.Field.Valid() {
		return domain.PriceUpdate{}, SourceLocal
	}
	if c.backend != nil {
		update, err := c.backend.CalculateDerivedFields(ctx, req)
		if err == nil {
			return update, SourceBackend
		}
		c.logger.Warn("pricing: backend derive failed, using local engine", zap.String("field", string(req.Field)), zap.Error(err))
	}
	return Recompute(req.Field, req.Value, req.Current, req.Mode), SourceLocal
}

func (c *Calculator) FromMRP(ctx context.Context, req domain.FromMRPRequest) (domain.PriceBreakdown, Source, error) {
	if c.backend != nil {
		prices, err := c.backend.CalculatePricesFromMRP(ctx, req)
		if err == nil {
			return prices, SourceBackend, nil
		}
		c.logger.Warn("pricing: backend from-mrp failed, using local engine", zap.Error(err))
	}
	prices, err := FromMRP(req.MRP, req.TaxPercentage, req.PurchaseMarginPercentage, req.MarginPercentage, req.Mode)
	return prices, SourceLocal, err
}
