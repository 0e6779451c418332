package workeragent

import "testing"

func TestClampResourcesWithinHost(t *testing.T) {
	cpus, mem := ClampResources(2, 4096, 8, 16384)
	if cpus != 2 {
		t.Errorf("expected requested cpus honored, got %v", cpus)
	}
	if mem != 4096 {
		t.Errorf("expected requested memory honored, got %v", mem)
	}
}

func TestClampResourcesExceedsHost(t *testing.T) {
	cpus, mem := ClampResources(32, 64000, 8, 16384)
	if cpus != 8 {
		t.Errorf("expected cpus clamped to host capability 8, got %v", cpus)
	}
	hostMem := int64(16384)
	wantMax := int64(float64(hostMem) * 0.9)
	if mem != wantMax {
		t.Errorf("expected memory clamped to %v (10%% headroom), got %v", wantMax, mem)
	}
}

func TestClampResourcesEnforcesFloor(t *testing.T) {
	cpus, mem := ClampResources(0, 0, 0.5, 512)
	if cpus != minCPUs {
		t.Errorf("expected cpus floor %v, got %v", minCPUs, cpus)
	}
	if mem != minMemoryMB {
		t.Errorf("expected memory floor %v, got %v", minMemoryMB, mem)
	}
}

func TestClampResourcesUnspecifiedDefaultsToHostCapability(t *testing.T) {
	cpus, mem := ClampResources(0, 0, 4, 8192)
	if cpus != 4 {
		t.Errorf("expected unspecified cpus to default to host capability, got %v", cpus)
	}
	hostMem := int64(8192)
	if mem != int64(float64(hostMem)*0.9) {
		t.Errorf("expected unspecified memory to default to host capability minus headroom, got %v", mem)
	}
}
