// Package accounting prices proxy print jobs and reports available credit.
package accounting

import (
	"context"
	"errors"
	"fmt"

	"ippproxy/internal/model"
	"ippproxy/internal/store"
)

// CostRequest describes one physical job. PhysicalPages includes the blank
// filler pages inserted between documents; only LogicalPages are charged.
type CostRequest struct {
	Username      string
	MediaSize     string
	Duplex        bool
	Grayscale     bool
	Eco           bool
	Copies        int
	NUp           int
	LogicalPages  int
	PhysicalPages int
}

type CostResult struct {
	PricePerSide int64
	Sides        int
	Total        int64
}

type Service struct {
	Store *store.Store
	// Fallback prices apply when no cost_params row matches.
	DefaultGray  int64
	DefaultColor int64
}

func (s *Service) CalcCost(ctx context.Context, req CostRequest) (CostResult, error) {
	var params model.CostParams
	err := s.Store.WithTx(ctx, true, func(tx *store.Tx) error {
		var err error
		params, err = s.Store.GetCostParams(ctx, tx, req.MediaSize)
		return err
	})
	if err != nil {
		return CostResult{}, fmt.Errorf("cost params %s: %w", req.MediaSize, err)
	}
	if params.PriceGray == 0 && params.PriceColor == 0 {
		params.PriceGray, params.PriceColor = s.DefaultGray, s.DefaultColor
	}
	return Calc(params, req), nil
}

// Calc applies params to req.
func Calc(params model.CostParams, req CostRequest) CostResult {
	nUp := req.NUp
	if nUp < 1 {
		nUp = 1
	}
	copies := req.Copies
	if copies < 1 {
		copies = 1
	}
	price := params.PriceColor
	if req.Grayscale {
		price = params.PriceGray
	}
	if req.Duplex && params.DuplexDiscount > 0 {
		price = price * int64(100-params.DuplexDiscount) / 100
	}
	if req.Eco && params.EcoDiscount > 0 {
		price = price * int64(100-params.EcoDiscount) / 100
	}
	sides := (req.LogicalPages + nUp - 1) / nUp
	return CostResult{
		PricePerSide: price,
		Sides:        sides,
		Total:        price * int64(sides) * int64(copies),
	}
}

// Balance returns the credit a user can still spend.
func (s *Service) Balance(ctx context.Context, username string) (int64, error) {
	var acct model.Account
	err := s.Store.WithTx(ctx, true, func(tx *store.Tx) error {
		var err error
		acct, err = s.Store.GetAccount(ctx, tx, username)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Balance + acct.CreditLimit, nil
}

// Reserve takes amount from the account of username before anything is
// printed. It reports false, taking nothing, when the credit does not cover
// amount.
func (s *Service) Reserve(ctx context.Context, username string, amount int64) (bool, error) {
	ok, err := s.Store.DebitAccount(ctx, username, amount)
	if err != nil {
		return false, fmt.Errorf("reserve %d for %s: %w", amount, username, err)
	}
	return ok, nil
}

// Refund returns a reserved amount that was not printed.
func (s *Service) Refund(ctx context.Context, username string, amount int64) error {
	if err := s.Store.CreditAccount(ctx, username, amount); err != nil {
		return fmt.Errorf("refund %d to %s: %w", amount, username, err)
	}
	return nil
}
