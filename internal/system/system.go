package system

import (
	"math"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// MaxSessions acts as an upper bound in case 80% of cores is high.
const MaxSessions = 10

// SessionCount returns how many model sessions to create: 80% of the physical
// cores, at least 1 and at most MaxSessions.
func SessionCount() int {
	cores, err := cpu.Counts(false)
	if err != nil || cores < 1 {
		cores = runtime.NumCPU()
	}
	n := int(math.Round(float64(cores) * 0.8))
	if n < 1 {
		n = 1
	}
	if n > MaxSessions {
		n = MaxSessions
	}
	return n
}

// MemoryUsedPercent reports host memory usage.
func MemoryUsedPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}
