package cache

import (
	"math"
	"runtime/debug"
)

// fallbackWorkingMemory is assumed when neither a Go memory limit nor the
// physical memory size is known.
const fallbackWorkingMemory = 512 << 20

// DefaultMemoryCapacityKB returns one eighth of the process's maximum working
// memory, in KB.
func DefaultMemoryCapacityKB() int64 {
	return maxWorkingMemory() / 1024 / 8
}

func maxWorkingMemory() int64 {
	// A negative input only reads the current limit.
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		return limit
	}
	if total := totalSystemMemory(); total > 0 {
		return total
	}
	return fallbackWorkingMemory
}
