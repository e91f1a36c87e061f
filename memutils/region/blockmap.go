package region

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memlab/memsim/memutils"
)

// BlockMap manages a fixed span of simulated memory as an ordered partition of regions.
// The regions are kept sorted by offset, contiguous, and covering exactly
// [0, TotalSize()), and no two adjacent regions are ever both free once a mutation has
// completed. Contiguous and segmentation allocation are both built on it.
type BlockMap struct {
	totalSize int
	regions   []Region
}

// NewBlockMap creates a BlockMap whose entire span is a single free region.
func NewBlockMap(totalSize int) *BlockMap {
	return &BlockMap{
		totalSize: totalSize,
		regions: []Region{
			{Offset: 0, Size: totalSize, Status: StatusFree, Owner: NoProcess},
		},
	}
}

// TotalSize retrieves the size in bytes that the block map was created with
func (m *BlockMap) TotalSize() int { return m.totalSize }

// RegionCount returns the number of regions currently partitioning the span.
func (m *BlockMap) RegionCount() int { return len(m.regions) }

// IsEmpty will return true if this block map has no allocated regions
func (m *BlockMap) IsEmpty() bool {
	return len(m.regions) == 1 && m.regions[0].IsFree()
}

// SumFreeSize returns the number of free bytes of memory in the block map.
func (m *BlockMap) SumFreeSize() int {
	var sum int
	for _, r := range m.regions {
		if r.IsFree() {
			sum += r.Size
		}
	}
	return sum
}

// FreeRegionsCount returns the number of free regions in the block map. Adjacent free
// regions are always merged, so this is also the number of maximal free runs.
func (m *BlockMap) FreeRegionsCount() int {
	var count int
	for _, r := range m.regions {
		if r.IsFree() {
			count++
		}
	}
	return count
}

// Regions returns a copy of the current partition in ascending offset order.
func (m *BlockMap) Regions() []Region {
	out := make([]Region, len(m.regions))
	copy(out, m.regions)
	return out
}

// VisitRegions will call the provided callback once for each region in ascending offset
// order, stopping at the first error.
func (m *BlockMap) VisitRegions(handleRegion func(index int, r Region) error) error {
	for i, r := range m.regions {
		err := handleRegion(i, r)
		if err != nil {
			return err
		}
	}

	return nil
}

// Clone returns a deep copy of the block map. The segment allocator places a whole
// segment list against a clone and swaps it in only if every segment fit.
func (m *BlockMap) Clone() *BlockMap {
	regions := make([]Region, len(m.regions))
	copy(regions, m.regions)

	return &BlockMap{
		totalSize: m.totalSize,
		regions:   regions,
	}
}

// Candidate pairs a free region with its index in the partition at the time of the search.
type Candidate struct {
	Index  int
	Region Region
}

// FindCandidates returns every free region of at least minSize bytes, in ascending offset
// order. That order is the tie-break basis for all fit strategies: the first minimum (or
// maximum) encountered is the one with the lowest offset.
func (m *BlockMap) FindCandidates(minSize int) []Candidate {
	var candidates []Candidate
	for i, r := range m.regions {
		if r.IsFree() && r.Size >= minSize {
			candidates = append(candidates, Candidate{Index: i, Region: r})
		}
	}
	return candidates
}

// SplitAndAllocate carves takeSize bytes for owner out of the front of the free region at
// index. The remainder, if any, stays behind as a new free region immediately after. The
// start offset of the new allocation is returned.
func (m *BlockMap) SplitAndAllocate(index int, takeSize int, owner ProcessID) (int, error) {
	if index < 0 || index >= len(m.regions) {
		return 0, errors.Errorf("region index %d is out of range for a block map with %d regions", index, len(m.regions))
	}

	target := m.regions[index]
	if !target.IsFree() {
		return 0, errors.Errorf("region at index %d is not free", index)
	}
	if takeSize > target.Size {
		return 0, errors.Errorf("cannot take %d bytes from a region of %d bytes", takeSize, target.Size)
	}

	allocated := Region{
		Offset: target.Offset,
		Size:   takeSize,
		Status: StatusAllocated,
		Owner:  owner,
	}

	remainder := target.Size - takeSize
	if remainder > 0 {
		free := Region{
			Offset: target.Offset + takeSize,
			Size:   remainder,
			Status: StatusFree,
			Owner:  NoProcess,
		}
		m.regions = append(m.regions, Region{})
		copy(m.regions[index+2:], m.regions[index+1:])
		m.regions[index] = allocated
		m.regions[index+1] = free
	} else {
		m.regions[index] = allocated
	}

	memutils.DebugValidate(m)
	return allocated.Offset, nil
}

// FreeByOwner frees the allocated region owned by the provided process, then coalesces.
// It reports whether a region was found; freeing an unknown owner is a no-op.
func (m *BlockMap) FreeByOwner(owner ProcessID) bool {
	return m.free(func(r Region) bool {
		return !r.IsFree() && r.Owner == owner
	})
}

// FreeRange frees the allocated region at exactly the provided offset and size, then
// coalesces. Segment regions are identified this way because regions belonging to
// different processes interleave and each must be released individually and precisely.
func (m *BlockMap) FreeRange(offset int, size int) bool {
	return m.free(func(r Region) bool {
		return !r.IsFree() && r.Offset == offset && r.Size == size
	})
}

func (m *BlockMap) free(match func(Region) bool) bool {
	for i, r := range m.regions {
		if match(r) {
			m.regions[i].Status = StatusFree
			m.regions[i].Owner = NoProcess
			m.coalesce()

			memutils.DebugValidate(m)
			return true
		}
	}

	return false
}

// coalesce makes a single left-to-right pass, merging every run of adjacent free regions
// into one region with the summed size.
func (m *BlockMap) coalesce() {
	if len(m.regions) == 0 {
		return
	}

	merged := m.regions[:1]
	for _, next := range m.regions[1:] {
		last := &merged[len(merged)-1]
		if last.IsFree() && next.IsFree() {
			last.Size += next.Size
		} else {
			merged = append(merged, next)
		}
	}
	m.regions = merged
}

// Validate performs internal consistency checks on the partition. When the block map is
// functioning correctly it should not be possible for this method to return an error, but
// it may assist in diagnosing issues with the implementation.
func (m *BlockMap) Validate() error {
	if len(m.regions) == 0 {
		return errors.New("the block map has no regions, it must always be fully covered")
	}

	var expectedOffset int
	prevFree := false
	for i, r := range m.regions {
		if r.Size < 1 {
			return errors.Errorf("region at index %d has non-positive size %d", i, r.Size)
		}

		if r.Offset != expectedOffset {
			return errors.Errorf("region at index %d has offset %d, but the previous region ends at %d", i, r.Offset, expectedOffset)
		}

		if r.IsFree() && r.Owner != NoProcess {
			return errors.Errorf("free region at index %d is owned by process %d", i, r.Owner)
		}

		if r.IsFree() && prevFree {
			return errors.Errorf("regions at indices %d and %d are both free, they should have been coalesced", i-1, i)
		}

		prevFree = r.IsFree()
		expectedOffset = r.End()
	}

	if expectedOffset != m.totalSize {
		return errors.Errorf("the regions cover %d bytes, but the block map was created with %d", expectedOffset, m.totalSize)
	}

	return nil
}

// AddDetailedStatistics sums this block map's usage into the provided accumulator.
func (m *BlockMap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.TotalBytes += m.totalSize

	for _, r := range m.regions {
		if r.IsFree() {
			stats.AddFreeRegion(r.Size)
		} else {
			stats.AddAllocation(r.Size)
		}
	}
}

// RegionsJson populates a json array with one object per region, in ascending offset
// order.
func (m *BlockMap) RegionsJson(arr *jwriter.ArrayState) {
	for _, r := range m.regions {
		obj := arr.Object()
		obj.Name("start").Int(r.Offset)
		obj.Name("size").Int(r.Size)
		obj.Name("status").String(r.Status.String())
		if !r.IsFree() {
			obj.Name("processId").Int(int(r.Owner))
		}
		obj.End()
	}
}
