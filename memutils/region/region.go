package region

// ProcessID identifies a simulated process within a single scheme. IDs are handed out by
// the allocators from a monotonic counter and are never reused.
type ProcessID int

// NoProcess is the owner of every free region.
const NoProcess ProcessID = -1

type Status uint32

const (
	StatusFree Status = iota
	StatusAllocated
)

var statusMapping = map[Status]string{
	StatusFree:      "free",
	StatusAllocated: "allocated",
}

func (s Status) String() string {
	return statusMapping[s]
}

// Region is one contiguous run of bytes within a BlockMap, either free or owned by a
// single process.
type Region struct {
	Offset int
	Size   int
	Status Status
	Owner  ProcessID
}

func (r Region) IsFree() bool {
	return r.Status == StatusFree
}

// End returns the first offset past the region.
func (r Region) End() int {
	return r.Offset + r.Size
}
