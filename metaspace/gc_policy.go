package metaspace

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaspace/internal/chunks"
	"golang.org/x/exp/slog"
)

// GCPolicy owns the high-water mark (capacity until GC) that decides when committing more metadata
// memory should be preceded by a garbage collection, and adjusts it after each collection.
type GCPolicy struct {
	logger   *slog.Logger
	counters *Counters

	metaspaceSize            int
	maxMetaspaceSize         int
	compressedClassSpaceSize int
	usesClassSpace           bool
	minFreeRatio             int
	maxFreeRatio             int
	minExpansion             int
	maxExpansion             int
	commitAlignment          int

	capacityUntilGC atomic.Uint64
	shrinkFactor    int
}

// NewGCPolicy builds the policy over the global counters. options must have its defaults filled.
func NewGCPolicy(logger *slog.Logger, counters *Counters, options CreateOptions) *GCPolicy {
	commitAlignment := memutils.WordsToBytes(chunks.CommitAlignmentWords())
	policy := &GCPolicy{
		logger:                   logger,
		counters:                 counters,
		metaspaceSize:            memutils.AlignDown(options.MetaspaceSize, commitAlignment),
		maxMetaspaceSize:         options.MaxMetaspaceSize,
		compressedClassSpaceSize: options.CompressedClassSpaceSize,
		usesClassSpace:           options.Flags&CreateNoCompressedClassSpace == 0,
		minFreeRatio:             options.MinMetaspaceFreeRatio,
		maxFreeRatio:             options.MaxMetaspaceFreeRatio,
		minExpansion:             memutils.AlignUp(options.MinMetaspaceExpansion, commitAlignment),
		maxExpansion:             memutils.AlignUp(options.MaxMetaspaceExpansion, commitAlignment),
		commitAlignment:          commitAlignment,
	}
	policy.capacityUntilGC.Store(uint64(max(policy.metaspaceSize, commitAlignment)))
	return policy
}

// CapacityUntilGC is the committed size in bytes past which an allocation triggers a GC
func (p *GCPolicy) CapacityUntilGC() int {
	return int(p.capacityUntilGC.Load())
}

func (p *GCPolicy) ShrinkFactor() int {
	return p.shrinkFactor
}

// IncCapacityUntilGC raises the threshold by delta bytes. It fails if another goroutine changed the
// threshold concurrently, in which case canRetry is true, or if the result would pass
// MaxMetaspaceSize, in which case it is false.
func (p *GCPolicy) IncCapacityUntilGC(delta int) (newCapacity int, oldCapacity int, canRetry bool, ok bool) {
	memutils.DebugCheckAligned(delta, p.commitAlignment, "delta")

	old := p.capacityUntilGC.Load()
	value := old + uint64(delta)
	if value < old || value > math.MaxInt {
		// Wrapped around
		value = uint64(memutils.AlignDown(math.MaxInt, p.commitAlignment))
	}

	if value > uint64(p.maxMetaspaceSize) {
		return int(old), int(old), false, false
	}

	if !p.capacityUntilGC.CompareAndSwap(old, value) {
		return int(old), int(old), true, false
	}

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "GCPolicy::IncCapacityUntilGC",
		slog.Int("Old", int(old)), slog.Int("New", int(value)))
	return int(value), int(old), true, true
}

// DecCapacityUntilGC lowers the threshold by delta bytes and returns the new value
func (p *GCPolicy) DecCapacityUntilGC(delta int) int {
	memutils.DebugCheckAligned(delta, p.commitAlignment, "delta")

	for {
		old := p.capacityUntilGC.Load()
		if uint64(delta) > old {
			panic("capacity until GC would go negative")
		}
		if p.capacityUntilGC.CompareAndSwap(old, old-uint64(delta)) {
			return int(old) - delta
		}
	}
}

// DeltaCapacityUntilGC rounds an expansion request of bytes up to a step worth raising the
// threshold by
func (p *GCPolicy) DeltaCapacityUntilGC(bytes int) int {
	delta := memutils.AlignUp(bytes, p.commitAlignment)

	switch {
	case delta <= p.minExpansion:
		return p.minExpansion
	case delta <= p.maxExpansion:
		return p.maxExpansion
	}
	return delta + p.minExpansion
}

// CanExpand reports whether committing words more of the given space stays within the hard limits
func (p *GCPolicy) CanExpand(words int, isClass bool) bool {
	bytes := memutils.WordsToBytes(words)

	if isClass && p.usesClassSpace {
		classCommitted := memutils.WordsToBytes(p.counters.CommittedWords(ClassType))
		if classCommitted+bytes > p.compressedClassSpaceSize {
			return false
		}
	}

	return p.counters.TotalCommittedBytes()+bytes <= p.maxMetaspaceSize
}

// AllowedExpansion is the number of words that can be committed before reaching the GC threshold or
// MaxMetaspaceSize
func (p *GCPolicy) AllowedExpansion() int {
	committed := p.counters.TotalCommittedBytes()
	capacityUntilGC := p.CapacityUntilGC()

	leftUntilMax := max(p.maxMetaspaceSize-committed, 0)
	leftUntilGC := max(capacityUntilGC-committed, 0)
	return min(leftUntilMax, leftUntilGC) / memutils.BytesPerWord
}

func (p *GCPolicy) desiredCapacity(used int, freeRatio int) int {
	usedPercentage := 1.0 - float64(freeRatio)/100.0
	desired := float64(used) / usedPercentage
	if desired > float64(p.maxMetaspaceSize) {
		desired = float64(p.maxMetaspaceSize)
	}
	return max(int(desired), p.metaspaceSize)
}

// ComputeNewSize is run after a GC. It raises the threshold if the free share of the capacity is
// below MinMetaspaceFreeRatio, and lowers it if the free share is above MaxMetaspaceFreeRatio. A
// shrink only takes effect gradually: the first eligible call shrinks by 0%, then 10%, 40% and 100%
// of the excess on consecutive eligible calls.
func (p *GCPolicy) ComputeNewSize() {
	currentShrinkFactor := p.shrinkFactor
	p.shrinkFactor = 0

	usedAfterGC := p.counters.TotalCapacityBytes()
	capacityUntilGC := p.CapacityUntilGC()

	minimumDesired := p.desiredCapacity(usedAfterGC, p.minFreeRatio)
	if capacityUntilGC < minimumDesired {
		expandBytes := memutils.AlignUp(minimumDesired-capacityUntilGC, p.commitAlignment)
		if expandBytes >= p.minExpansion {
			newCapacity, _, _, ok := p.IncCapacityUntilGC(expandBytes)
			p.logger.LogAttrs(context.Background(), slog.LevelDebug, "GCPolicy::ComputeNewSize expanding",
				slog.Int("UsedAfterGC", usedAfterGC),
				slog.Int("MinimumDesired", minimumDesired),
				slog.Int("ExpandBytes", expandBytes),
				slog.Int("CapacityUntilGC", newCapacity),
				slog.Bool("Applied", ok),
			)
		}
		return
	}

	shrinkBytes := 0
	if p.maxFreeRatio < 100 {
		maximumDesired := p.desiredCapacity(usedAfterGC, p.maxFreeRatio)
		if capacityUntilGC > maximumDesired {
			shrinkBytes = (capacityUntilGC - maximumDesired) / 100 * currentShrinkFactor
			shrinkBytes = memutils.AlignDown(shrinkBytes, p.commitAlignment)

			if currentShrinkFactor == 0 {
				p.shrinkFactor = 10
			} else {
				p.shrinkFactor = min(currentShrinkFactor*4, 100)
			}
		}
	}

	if shrinkBytes >= p.minExpansion && capacityUntilGC-shrinkBytes >= p.metaspaceSize {
		newCapacity := p.DecCapacityUntilGC(shrinkBytes)
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, "GCPolicy::ComputeNewSize shrinking",
			slog.Int("UsedAfterGC", usedAfterGC),
			slog.Int("ShrinkBytes", shrinkBytes),
			slog.Int("ShrinkFactor", currentShrinkFactor),
			slog.Int("CapacityUntilGC", newCapacity),
		)
	}
}
