package frame

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memlab/memsim/memutils"
	"github.com/memlab/memsim/memutils/region"
)

// Frame is one fixed-size physical allocation unit. A free frame has Owner ==
// region.NoProcess; an allocated frame records the process it belongs to and which
// logical page of that process it holds.
type Frame struct {
	Owner region.ProcessID
	Page  int
}

func (f Frame) IsFree() bool {
	return f.Owner == region.NoProcess
}

// Table is a fixed-length array of frames carved from a span of simulated memory. The
// frame size is fixed at creation; bytes past the last whole frame are unaddressable and
// produce no frame. Frames are atomic units: they are claimed and released individually
// and never merge.
type Table struct {
	totalSize int
	frameSize int
	frames    []Frame
}

// NewTable creates an all-free table of totalSize/frameSize frames (floor division). A
// non-positive frame size produces a valid zero-frame table.
func NewTable(totalSize int, frameSize int) *Table {
	var count int
	if frameSize > 0 {
		count = totalSize / frameSize
	}

	frames := make([]Frame, count)
	for i := range frames {
		frames[i].Owner = region.NoProcess
	}

	return &Table{
		totalSize: totalSize,
		frameSize: frameSize,
		frames:    frames,
	}
}

// TotalSize retrieves the size in bytes that the table was created with
func (t *Table) TotalSize() int { return t.totalSize }

// FrameSize retrieves the frame size in bytes that the table was created with
func (t *Table) FrameSize() int { return t.frameSize }

// Len returns the number of frames in the table.
func (t *Table) Len() int { return len(t.frames) }

// FreeCount returns the number of free frames.
func (t *Table) FreeCount() int {
	var count int
	for _, f := range t.frames {
		if f.IsFree() {
			count++
		}
	}
	return count
}

// IsEmpty will return true if no frame in the table is allocated
func (t *Table) IsEmpty() bool {
	return t.FreeCount() == len(t.frames)
}

// FreeIndices returns the indices of every free frame in ascending order. Paging always
// fills the lowest-indexed free frames first; there is no fit strategy to pick because
// every frame is the same size.
func (t *Table) FreeIndices() []int {
	var indices []int
	for i, f := range t.frames {
		if f.IsFree() {
			indices = append(indices, i)
		}
	}
	return indices
}

// Frames returns a copy of the table's frames in index order.
func (t *Table) Frames() []Frame {
	out := make([]Frame, len(t.frames))
	copy(out, t.frames)
	return out
}

// VisitFrames will call the provided callback once per frame in index order, stopping at
// the first error.
func (t *Table) VisitFrames(handleFrame func(index int, f Frame) error) error {
	for i, f := range t.frames {
		err := handleFrame(i, f)
		if err != nil {
			return err
		}
	}

	return nil
}

// Claim marks the frame at index as holding the provided logical page of the provided
// process.
func (t *Table) Claim(index int, owner region.ProcessID, page int) error {
	if index < 0 || index >= len(t.frames) {
		return errors.Errorf("frame index %d is out of range for a table of %d frames", index, len(t.frames))
	}
	if !t.frames[index].IsFree() {
		return errors.Errorf("frame %d is already owned by process %d", index, t.frames[index].Owner)
	}

	t.frames[index] = Frame{Owner: owner, Page: page}

	memutils.DebugValidate(t)
	return nil
}

// Release marks the frame at index free again. Releasing a frame that is already free is
// a no-op.
func (t *Table) Release(index int) error {
	if index < 0 || index >= len(t.frames) {
		return errors.Errorf("frame index %d is out of range for a table of %d frames", index, len(t.frames))
	}

	t.frames[index] = Frame{Owner: region.NoProcess}

	memutils.DebugValidate(t)
	return nil
}

// Validate performs internal consistency checks on the table.
func (t *Table) Validate() error {
	if t.frameSize > 0 && len(t.frames) != t.totalSize/t.frameSize {
		return errors.Errorf("the table holds %d frames, but %d bytes at %d bytes per frame should produce %d", len(t.frames), t.totalSize, t.frameSize, t.totalSize/t.frameSize)
	}
	if t.frameSize < 1 && len(t.frames) != 0 {
		return errors.Errorf("the table holds %d frames despite a non-positive frame size", len(t.frames))
	}

	for i, f := range t.frames {
		if f.IsFree() && f.Page != 0 {
			return errors.Errorf("free frame %d still records page %d", i, f.Page)
		}
		if !f.IsFree() && f.Page < 0 {
			return errors.Errorf("frame %d is owned by process %d but records negative page %d", i, f.Owner, f.Page)
		}
	}

	return nil
}

// AddDetailedStatistics sums this table's usage into the provided accumulator. Each
// frame counts as one allocation or one free region of FrameSize bytes.
func (t *Table) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.TotalBytes += len(t.frames) * t.frameSize

	for _, f := range t.frames {
		if f.IsFree() {
			stats.AddFreeRegion(t.frameSize)
		} else {
			stats.AddAllocation(t.frameSize)
		}
	}
}

// FramesJson populates a json array with one object per frame, in index order.
func (t *Table) FramesJson(arr *jwriter.ArrayState) {
	for _, f := range t.frames {
		obj := arr.Object()
		if f.IsFree() {
			obj.Name("status").String("free")
		} else {
			obj.Name("status").String("allocated")
			obj.Name("processId").Int(int(f.Owner))
			obj.Name("pageNum").Int(f.Page)
		}
		obj.End()
	}
}
