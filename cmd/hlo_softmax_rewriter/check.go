// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math/rand/v2"

	"github.com/gomlx/hlofusion/pkg/hlo"
	"github.com/gomlx/hlofusion/pkg/hlo/evaluator"
	"github.com/pkg/errors"
)

// ErrMismatch is returned when the rewritten module doesn't compute the same values as the original.
var ErrMismatch = errors.New("rewritten module results differ from the original")

// checkSamples evaluates both modules on numSamples random inputs and checks the results are bitwise identical.
// It returns the number of samples checked.
func checkSamples(original, rewritten *hlo.Module, numSamples int, rng *rand.Rand) (int, error) {
	for sample := range numSamples {
		args, err := evaluator.RandomArguments(original, rng)
		if err != nil {
			return sample, err
		}
		want, err := evaluator.Evaluate(original, args...)
		if err != nil {
			return sample, errors.WithMessagef(err, "evaluating original module, sample #%d", sample)
		}
		got, err := evaluator.Evaluate(rewritten, args...)
		if err != nil {
			return sample, errors.WithMessagef(err, "evaluating rewritten module, sample #%d", sample)
		}
		if !want.BitwiseEqual(got) {
			return sample, errors.Wrapf(ErrMismatch, "sample #%d:\n  original:  %s\n  rewritten: %s", sample, want, got)
		}
	}
	return numSamples, nil
}
