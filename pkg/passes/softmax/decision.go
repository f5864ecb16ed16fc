// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package softmax

import (
	"fmt"

	"github.com/gomlx/hlofusion/pkg/hlo"
	"github.com/pkg/errors"
)

// Reason tags why a candidate was not matched as a diamond, or why a chain could not be fused.
type Reason int

const (
	ReasonInvalid Reason = iota
	RootNotElementwiseBinary
	UnsupportedType
	NoTrivialConnectionToReduction
	AmbiguousReductionSide
	MultipleUsesOfBroadcastOrReduce
	UnsupportedReduction
	ReductionNotOverLastAxes
	BroadcastNotAlongReductionAxes
	ScalarProducer
	ProducerNotTriviallyConnected
	UnsupportedRootProducerConnection
	RowDoesNotFitSharedMemory

	// ReasonLast should always be kept the last, it is used as a counter/marker for Reason.
	ReasonLast
)

var reasonNames = [ReasonLast]string{
	ReasonInvalid:                     "invalid",
	RootNotElementwiseBinary:          "root_not_elementwise_binary",
	UnsupportedType:                   "unsupported_type",
	NoTrivialConnectionToReduction:    "no_trivial_connection_to_reduction",
	AmbiguousReductionSide:            "ambiguous_reduction_side",
	MultipleUsesOfBroadcastOrReduce:   "multiple_uses_of_broadcast_or_reduce",
	UnsupportedReduction:              "unsupported_reduction",
	ReductionNotOverLastAxes:          "reduction_not_over_last_axes",
	BroadcastNotAlongReductionAxes:    "broadcast_not_along_reduction_axes",
	ScalarProducer:                    "scalar_producer",
	ProducerNotTriviallyConnected:     "producer_not_trivially_connected",
	UnsupportedRootProducerConnection: "unsupported_root_producer_connection",
	RowDoesNotFitSharedMemory:         "row_does_not_fit_shared_memory",
}

// String returns the snake-case tag of the reason.
func (r Reason) String() string {
	if r < 0 || r >= ReasonLast {
		return fmt.Sprintf("Reason(%d)", int(r))
	}
	return reasonNames[r]
}

// DiamondMatchingDecision is the result of MatchesClosedReductionDiamond: either a MatchedProducer
// or a FusionDecision explaining why the candidate is not the root of a diamond.
type DiamondMatchingDecision interface {
	// Matched returns whether the candidate was matched.
	Matched() bool
	isDiamondMatchingDecision()
}

// MatchedProducer is the DiamondMatchingDecision of a successful match.
type MatchedProducer struct {
	// Producer of the diamond: both sides of the root lead to it through trivial operations.
	Producer *hlo.Instruction

	diamond *diamond
}

// Matched implements DiamondMatchingDecision.
func (MatchedProducer) Matched() bool { return true }

func (MatchedProducer) isDiamondMatchingDecision() {}

// FusionDecision explains, in structured form, why a candidate was not matched or a chain was not fused.
// It is a value, not an error: not finding a pattern is an expected outcome.
type FusionDecision struct {
	Reason      Reason
	Explanation string
}

// Matched implements DiamondMatchingDecision.
func (FusionDecision) Matched() bool { return false }

func (FusionDecision) isDiamondMatchingDecision() {}

// String returns "<reason>: <explanation>".
func (d FusionDecision) String() string {
	if d.Explanation == "" {
		return d.Reason.String()
	}
	return fmt.Sprintf("%s: %s", d.Reason, d.Explanation)
}

// reject creates a FusionDecision with a formatted explanation.
func reject(reason Reason, format string, args ...any) FusionDecision {
	return FusionDecision{Reason: reason, Explanation: fmt.Sprintf(format, args...)}
}

var (
	// ErrInternal is the root of errors caused by broken invariants, e.g. a stale chain descriptor.
	// They abort the pass.
	ErrInternal = errors.New("triton softmax rewriter internal error")

	// ErrUnsupportedDevice is returned by Rewriter.Run when the device doesn't support the fusions generated.
	ErrUnsupportedDevice = errors.New("unsupported device for triton softmax fusions")
)

// FusionRejectedError is returned by Rewriter.FuseDiamondChain when a collaborator (device limits or
// shape sizes) rejects the fusion of a chain. The module is not changed, and the driver skips the chain.
type FusionRejectedError struct {
	Chain    DiamondChainDescriptor
	Decision FusionDecision
}

// Error implements error.
func (e *FusionRejectedError) Error() string {
	return fmt.Sprintf("fusion of chain %s rejected: %s", e.Chain, e.Decision)
}
