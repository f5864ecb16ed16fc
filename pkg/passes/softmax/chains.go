// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package softmax

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/gomlx/hlofusion/pkg/hlo"
	"github.com/gomlx/hlofusion/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DiamondChainDescriptor is a span of one or more diamonds, where each diamond's producer is (through trivial
// operations) the previous diamond's root.
//
// The Producer is not part of the span, the Root is.
type DiamondChainDescriptor struct {
	Root, Producer *hlo.Instruction
}

// String implements fmt.Stringer.
func (c DiamondChainDescriptor) String() string {
	return fmt.Sprintf("{root: %q, producer: %q}", nameOf(c.Root), nameOf(c.Producer))
}

func nameOf(instr *hlo.Instruction) string {
	if instr == nil {
		return "<nil>"
	}
	return instr.Name()
}

// analysisContext holds the state of the chain discovery in one computation. It is discarded at the end.
type analysisContext struct {
	computation *hlo.Computation
	position    map[*hlo.Instruction]int

	// openChains indexed by their current root.
	openChains map[*hlo.Instruction]*chainBuilder
	chains     []*chainBuilder

	// claimed are the instructions walked through between a diamond producer and the first non-fusible
	// producer of its chain: they belong to that chain's region, so no other chain may extend into them.
	claimed sets.Set[*hlo.Instruction]
}

type chainBuilder struct {
	producer, root *hlo.Instruction

	// lastMatched is the root of the last diamond merged into the chain. It can differ from root after
	// the chain is extended through trivial users.
	lastMatched *hlo.Instruction
	rowSize     int
}

func newAnalysisContext(c *hlo.Computation) *analysisContext {
	postOrder := c.MakeInstructionPostOrder()
	ctx := &analysisContext{
		computation: c,
		position:    make(map[*hlo.Instruction]int, len(postOrder)),
		openChains:  make(map[*hlo.Instruction]*chainBuilder),
		claimed:     sets.Make[*hlo.Instruction](),
	}
	for ii, instr := range postOrder {
		ctx.position[instr] = ii
	}
	return ctx
}

// FindAllFusibleDiamondChains returns the maximal diamond chains of every non-fusion computation of the module
// whose execution thread is not excluded.
//
// Chains of one computation are sorted so that a chain whose root is upstream of another chain's producer comes
// first. Computations are concatenated in module order. The chains can be fused in the returned order.
//
// It returns an error, and no chains, if the module is malformed.
func (r *Rewriter) FindAllFusibleDiamondChains(module *hlo.Module, excludedThreads sets.Set[string]) (
	[]DiamondChainDescriptor, error) {
	if err := hlo.Verify(module); err != nil {
		return nil, errors.WithMessagef(err, "%s: invalid module %q", r.Name(), module.Name())
	}
	var chains []DiamondChainDescriptor
	for _, c := range module.MakeNonFusionComputations(excludedThreads) {
		chains = append(chains, r.findChainsInComputation(c)...)
	}
	return chains, nil
}

// findChainsInComputation visits the instructions in post-order, merging each matched diamond into the open
// chain whose root is the diamond's first non-fusible producer, when legal.
func (r *Rewriter) findChainsInComputation(c *hlo.Computation) []DiamondChainDescriptor {
	ctx := newAnalysisContext(c)
	for _, instr := range c.MakeInstructionPostOrder() {
		d, decision := r.matchDiamond(instr)
		if d == nil {
			if decision.Reason != RootNotElementwiseBinary && klog.V(5).Enabled() {
				klog.Infof("%s: %q not matched: %s", r.Name(), instr.Name(), decision)
			}
			continue
		}
		producer := r.findFirstNonFusibleDiamondProducer(ctx, d.producer)
		rowSize := d.rowSize()
		if chain, found := ctx.openChains[producer]; found && chain.rowSize == rowSize &&
			canMergeIntoChain(producer, d.producer) {
			delete(ctx.openChains, producer)
			chain.root, chain.lastMatched = instr, instr
			ctx.openChains[instr] = chain
			klog.V(2).Infof("%s: diamond %q merged into chain with producer %q", r.Name(), instr.Name(), chain.producer.Name())
			continue
		}
		chain := &chainBuilder{producer: producer, root: instr, lastMatched: instr, rowSize: rowSize}
		ctx.openChains[instr] = chain
		ctx.chains = append(ctx.chains, chain)
	}

	slices.SortStableFunc(ctx.chains, func(a, b *chainBuilder) int {
		return cmp.Compare(ctx.position[a.lastMatched], ctx.position[b.lastMatched])
	})
	descriptors := make([]DiamondChainDescriptor, 0, len(ctx.chains))
	for _, chain := range ctx.chains {
		root := r.extendChainRoot(ctx, chain.root)
		descriptors = append(descriptors, DiamondChainDescriptor{Root: root, Producer: chain.producer})
		klog.V(1).Infof("%s: found chain %s in %q", r.Name(), descriptors[len(descriptors)-1], c.Name())
	}
	return descriptors
}

// canMergeIntoChain checks the previous chain root (equal to the new diamond's first non-fusible producer)
// is used only by the new diamond: either through one chain of trivial operations leading to the diamond
// producer, or directly as the diamond producer, used by its reduction and by its root.
func canMergeIntoChain(previousRoot, diamondProducer *hlo.Instruction) bool {
	if previousRoot != diamondProducer {
		return previousRoot.UserCount() == 1
	}
	return previousRoot.UserCount() == 2
}

// findFirstNonFusibleDiamondProducer walks back from the producer of a diamond through trivially fusible
// operations. The diamond producer itself may have 2 users (the two sides of the diamond), the instructions
// before it only one.
//
// The instructions walked through are marked as claimed in ctx.
func (r *Rewriter) findFirstNonFusibleDiamondProducer(ctx *analysisContext, diamondProducer *hlo.Instruction) *hlo.Instruction {
	if !r.isTriviallyFusible(diamondProducer, 2) {
		return diamondProducer
	}
	ctx.claimed.Insert(diamondProducer)
	current := chooseOperandForFusionProcessing(diamondProducer)
	for r.isTriviallyFusible(current, 1) {
		ctx.claimed.Insert(current)
		current = chooseOperandForFusionProcessing(current)
	}
	return current
}

// extendChainRoot moves the root of a chain down through its trivially fusible users, while it has a single
// user and it is not the root of the computation. A last step accepts a trivially fusible user with any
// number of users. Claimed instructions are never taken.
func (r *Rewriter) extendChainRoot(ctx *analysisContext, root *hlo.Instruction) *hlo.Instruction {
	nextUser := func(instr *hlo.Instruction) *hlo.Instruction {
		if instr.UserCount() != 1 || instr.IsRoot() {
			return nil
		}
		user := instr.Users()[0]
		if ctx.claimed.Has(user) {
			return nil
		}
		return user
	}
	for {
		user := nextUser(root)
		if user == nil || !r.isTriviallyFusible(user, 1) {
			break
		}
		root = user
	}
	if user := nextUser(root); user != nil && r.isTriviallyFusible(user, user.UserCount()) {
		root = user
	}
	return root
}
