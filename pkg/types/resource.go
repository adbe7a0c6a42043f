package types

// ResourceProfile is the semantic resource descriptor carried by slots and
// slot requests (spec.md §3). CPUCores is kept as a float64 "rational"
// rather than an integer so that fractional-core profiles (e.g. 0.5) match
// the source's intent without introducing a big.Rat dependency nowhere else
// in this repo needs.
type ResourceProfile struct {
	CPUCores            float64
	TaskHeapBytes        int64
	ManagedMemoryBytes   int64
	NetworkMemoryBytes   int64
	ExtendedResources    map[string]float64
}

// NewResourceProfile builds a profile with an initialized extended-resource
// map, so callers can always index into ExtendedResources without a nil check.
func NewResourceProfile(cpuCores float64, taskHeapBytes, managedMemoryBytes, networkMemoryBytes int64) ResourceProfile {
	return ResourceProfile{
		CPUCores:           cpuCores,
		TaskHeapBytes:      taskHeapBytes,
		ManagedMemoryBytes: managedMemoryBytes,
		NetworkMemoryBytes: networkMemoryBytes,
		ExtendedResources:  make(map[string]float64),
	}
}

// Matches reports whether p can satisfy a request for other: every
// dimension of p must be >= the corresponding dimension of other (spec.md
// §3's partial order). A profile with no entry for an extended resource
// that other requires never matches.
func (p ResourceProfile) Matches(other ResourceProfile) bool {
	if p.CPUCores < other.CPUCores {
		return false
	}
	if p.TaskHeapBytes < other.TaskHeapBytes {
		return false
	}
	if p.ManagedMemoryBytes < other.ManagedMemoryBytes {
		return false
	}
	if p.NetworkMemoryBytes < other.NetworkMemoryBytes {
		return false
	}
	for name, want := range other.ExtendedResources {
		have, ok := p.ExtendedResources[name]
		if !ok || have < want {
			return false
		}
	}
	return true
}

// Equals reports whether p and other describe the exact same profile,
// used by the Resource Manager's matching policy to prefer exact matches
// over partial-order matches (spec.md §4.3).
func (p ResourceProfile) Equals(other ResourceProfile) bool {
	if p.CPUCores != other.CPUCores ||
		p.TaskHeapBytes != other.TaskHeapBytes ||
		p.ManagedMemoryBytes != other.ManagedMemoryBytes ||
		p.NetworkMemoryBytes != other.NetworkMemoryBytes {
		return false
	}
	if len(p.ExtendedResources) != len(other.ExtendedResources) {
		return false
	}
	for name, v := range p.ExtendedResources {
		if ov, ok := other.ExtendedResources[name]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Add returns the element-wise sum of p and other, used to accumulate the
// reserved profile of all non-FREE slots on a Task Executor.
func (p ResourceProfile) Add(other ResourceProfile) ResourceProfile {
	sum := ResourceProfile{
		CPUCores:           p.CPUCores + other.CPUCores,
		TaskHeapBytes:      p.TaskHeapBytes + other.TaskHeapBytes,
		ManagedMemoryBytes: p.ManagedMemoryBytes + other.ManagedMemoryBytes,
		NetworkMemoryBytes: p.NetworkMemoryBytes + other.NetworkMemoryBytes,
		ExtendedResources:  make(map[string]float64, len(p.ExtendedResources)+len(other.ExtendedResources)),
	}
	for name, v := range p.ExtendedResources {
		sum.ExtendedResources[name] += v
	}
	for name, v := range other.ExtendedResources {
		sum.ExtendedResources[name] += v
	}
	return sum
}
