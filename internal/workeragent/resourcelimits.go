package workeragent

const (
	minCPUs      = 1.0
	minMemoryMB  = 1024
	memHeadroom  = 0.10 // fraction of host memory reserved for the OS
)

// ClampResources caps requested cpu/memory to what the host can actually
// provide, reserving a fixed headroom off host memory and never going
// below the spec's floor of 1 CPU / 1 GiB. The effective values are always
// logged by the caller so clamping is visible, not silent.
func ClampResources(requestedCPUs float64, requestedMemoryMB int64, hostCPUs float64, hostMemoryMB int64) (cpus float64, memoryMB int64) {
	cpus = requestedCPUs
	if cpus <= 0 || cpus > hostCPUs {
		cpus = hostCPUs
	}
	if cpus < minCPUs {
		cpus = minCPUs
	}

	maxMemoryMB := int64(float64(hostMemoryMB) * (1 - memHeadroom))
	memoryMB = requestedMemoryMB
	if memoryMB <= 0 || memoryMB > maxMemoryMB {
		memoryMB = maxMemoryMB
	}
	if memoryMB < minMemoryMB {
		memoryMB = minMemoryMB
	}
	return cpus, memoryMB
}
