// calculator_test.go: Arithmetic identities for every Calculator
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkArithmetic runs the identities every calculator must satisfy,
// whatever transport sits in front of it.
func checkArithmetic(t *testing.T, calc Calculator) {
	t.Helper()
	ctx := context.Background()

	cases := []struct {
		op   Operation
		a, b int32
		want int32
	}{
		{OpAdd, 3, 4, 7},
		{OpAdd, -3, 3, 0},
		{OpAdd, math.MaxInt32, 1, math.MinInt32},
		{OpSubtract, 10, 4, 6},
		{OpSubtract, 4, 10, -6},
		{OpSubtract, math.MinInt32, 1, math.MaxInt32},
		{OpMultiply, -2, 5, -10},
		{OpMultiply, 0, 12345, 0},
		{OpMultiply, 1 << 16, 1 << 16, 0},
	}
	for _, tc := range cases {
		res, err := Apply(ctx, calc, OperationRequest{Operation: tc.op, A: tc.a, B: tc.b})
		require.NoError(t, err, "%s(%d, %d)", tc.op, tc.a, tc.b)
		assert.Equal(t, tc.want, res.Value, "%s(%d, %d)", tc.op, tc.a, tc.b)
		assert.Equal(t, tc.op, res.Operation)
	}

	// add(a, b) - b == a and add is commutative, for a spread of operands.
	operands := []int32{0, 1, -1, 7, -123456, math.MaxInt32, math.MinInt32}
	for _, a := range operands {
		for _, b := range operands {
			sum, err := calc.Add(ctx, a, b)
			require.NoError(t, err)
			back, err := calc.Subtract(ctx, sum, b)
			require.NoError(t, err)
			assert.Equal(t, a, back, "add(%d,%d)-%d", a, b, b)

			swapped, err := calc.Add(ctx, b, a)
			require.NoError(t, err)
			assert.Equal(t, sum, swapped)
		}
	}
}

func TestArithmeticService(t *testing.T) {
	checkArithmetic(t, NewArithmeticService())
}

func TestApplyRejectsUnknownOperation(t *testing.T) {
	_, err := Apply(context.Background(), NewArithmeticService(), OperationRequest{Operation: Operation(42), A: 1, B: 2})
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeUnknownOperation))
}

func TestParseOperation(t *testing.T) {
	for name, want := range map[string]Operation{
		"add": OpAdd, "+": OpAdd, " ADD ": OpAdd,
		"subtract": OpSubtract, "sub": OpSubtract,
		"multiply": OpMultiply, "mul": OpMultiply, "*": OpMultiply,
	} {
		got, err := ParseOperation(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseOperation("divide")
	assert.True(t, HasErrorCode(err, ErrCodeUnknownOperation))
}

func TestOperationRendering(t *testing.T) {
	req := OperationRequest{Operation: OpSubtract, A: 9, B: -3}
	assert.Equal(t, "9 - -3", req.String())
	assert.Equal(t, "Subtraction", OpSubtract.Title())
	assert.Equal(t, "multiply", OpMultiply.String())
	assert.False(t, Operation(0).Valid())
}
