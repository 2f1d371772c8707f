//go:build !linux

package cache

func totalSystemMemory() int64 {
	return 0
}
