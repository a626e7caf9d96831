// Package risk defines the pre-trade risk collaborator seam. The engine
// consults it before validating an order and assumes nothing about the
// policy behind the answer.
package risk

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CheckRequest describes the order about to be placed.
type CheckRequest struct {
	UserID   uuid.UUID
	Symbol   string
	Side     string
	Type     string
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// CheckResult is the collaborator's verdict. Warnings are advisory and do
// not block the order.
type CheckResult struct {
	Allowed  bool
	Reason   string
	Warnings []string
}

// Service is implemented by the risk/compliance collaborator.
type Service interface {
	Check(ctx context.Context, req CheckRequest) (CheckResult, error)
}

// PermissiveService approves everything. It is the default wiring when no
// real risk system is attached.
type PermissiveService struct{}

// NewPermissiveService creates a risk service that always allows.
func NewPermissiveService() *PermissiveService {
	return &PermissiveService{}
}

func (s *PermissiveService) Check(ctx context.Context, req CheckRequest) (CheckResult, error) {
	return CheckResult{Allowed: true}, nil
}
