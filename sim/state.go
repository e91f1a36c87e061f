package sim

import (
	"github.com/memlab/memsim/memutils"
	"golang.org/x/exp/slog"
)

const (
	// DefaultMemorySize is the span, in bytes, each scheme manages until a reset asks
	// for something else.
	DefaultMemorySize = 1024
	// DefaultFrameSize is the frame size, in bytes, the paging scheme starts with.
	DefaultFrameSize = 16
)

// CreateOptions contains optional settings when creating a simulation state
type CreateOptions struct {
	// Flags indicates specific simulation behaviors to activate or deactivate
	Flags CreateFlags

	// MemorySize overrides DefaultMemorySize for all three schemes when positive
	MemorySize int
	// FrameSize overrides DefaultFrameSize for the paging scheme when positive
	FrameSize int
}

// SimulationState owns one allocator per memory-management scheme. It is the sole unit
// of external interaction: callers reach the engines through it and receive serialized
// snapshots, never references to internal state.
type SimulationState struct {
	logger *slog.Logger

	memorySize int
	frameSize  int

	contiguous   *ContiguousAllocator
	paging       *PagingAllocator
	segmentation *SegmentAllocator
}

// New creates a SimulationState with every scheme in its initial configuration: a single
// free region (or an all-free frame table) covering the configured span.
func New(logger *slog.Logger, options CreateOptions) *SimulationState {
	if logger == nil {
		logger = slog.Default()
	}

	memorySize := options.MemorySize
	if memorySize < 1 {
		memorySize = DefaultMemorySize
	}
	frameSize := options.FrameSize
	if frameSize < 1 {
		frameSize = DefaultFrameSize
	}

	useMutex := options.Flags&SimExternallySynchronized == 0

	return &SimulationState{
		logger:       logger,
		memorySize:   memorySize,
		frameSize:    frameSize,
		contiguous:   newContiguousAllocator(logger, memorySize, useMutex),
		paging:       newPagingAllocator(logger, memorySize, frameSize, useMutex),
		segmentation: newSegmentAllocator(logger, memorySize, useMutex),
	}
}

// Contiguous returns the contiguous-allocation engine.
func (s *SimulationState) Contiguous() *ContiguousAllocator { return s.contiguous }

// Paging returns the paging engine.
func (s *SimulationState) Paging() *PagingAllocator { return s.paging }

// Segmentation returns the segmentation engine.
func (s *SimulationState) Segmentation() *SegmentAllocator { return s.segmentation }

// Schemes returns all three engines behind the uniform Scheme surface, in a stable
// order.
func (s *SimulationState) Schemes() []Scheme {
	return []Scheme{s.contiguous, s.paging, s.segmentation}
}

// Reset returns every scheme to its configured starting state. A session begins here;
// nothing persists across restarts.
func (s *SimulationState) Reset() {
	s.contiguous.Reset(s.memorySize)
	s.paging.Reset(s.memorySize, s.frameSize)
	s.segmentation.Reset(s.memorySize)
}

// Validate performs internal consistency checks on every scheme.
func (s *SimulationState) Validate() error {
	for _, scheme := range s.Schemes() {
		err := scheme.Validate()
		if err != nil {
			return err
		}
	}

	return nil
}

// AddDetailedStatistics sums every scheme's usage into the provided accumulator.
func (s *SimulationState) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, scheme := range s.Schemes() {
		scheme.AddDetailedStatistics(stats)
	}
}
