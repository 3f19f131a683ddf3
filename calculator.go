// calculator.go: The calculator service contract and its local implementation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import "context"

// DefaultServiceID is the well-known identifier the calculator service answers to.
const DefaultServiceID = "com.agilira.calculator.BIND"

// Calculator is the service contract shared by the local implementation and
// every transport client. Arithmetic is on int32 and wraps on overflow.
type Calculator interface {
	Add(ctx context.Context, a, b int32) (int32, error)
	Subtract(ctx context.Context, a, b int32) (int32, error)
	Multiply(ctx context.Context, a, b int32) (int32, error)
}

// ArithmeticService is the stateless Calculator served by every transport.
type ArithmeticService struct{}

// NewArithmeticService returns the local calculator implementation.
func NewArithmeticService() *ArithmeticService {
	return &ArithmeticService{}
}

func (ArithmeticService) Add(_ context.Context, a, b int32) (int32, error) {
	return a + b, nil
}

func (ArithmeticService) Subtract(_ context.Context, a, b int32) (int32, error) {
	return a - b, nil
}

func (ArithmeticService) Multiply(_ context.Context, a, b int32) (int32, error) {
	return a * b, nil
}

// Apply dispatches req to the matching Calculator method.
func Apply(ctx context.Context, calc Calculator, req OperationRequest) (OperationResult, error) {
	var (
		value int32
		err   error
	)
	switch req.Operation {
	case OpAdd:
		value, err = calc.Add(ctx, req.A, req.B)
	case OpSubtract:
		value, err = calc.Subtract(ctx, req.A, req.B)
	case OpMultiply:
		value, err = calc.Multiply(ctx, req.A, req.B)
	default:
		return OperationResult{}, NewUnknownOperationError(req.Operation.String())
	}
	if err != nil {
		return OperationResult{}, err
	}
	return OperationResult{Operation: req.Operation, Value: value}, nil
}
