package sim

// CreateFlags indicate specific simulation behaviors to activate or deactivate
type CreateFlags int32

const (
	// SimExternallySynchronized ensures that the simulation state and the allocators
	// created from it will not be synchronized internally. The consumer must guarantee
	// they are used from only one goroutine at a time or are synchronized by some other
	// mechanism, but performance may improve because internal mutexes are not used.
	SimExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	SimExternallySynchronized: "SimExternallySynchronized",
}

func (f CreateFlags) String() string {
	return createFlagsMapping[f]
}
