//go:build !linux

package shm

import (
	"sync/atomic"
	"time"
)

const futexPollInterval = 100 * time.Microsecond

// futexWait polls where no futex syscall is available.
func futexWait(addr *uint32, val uint32, timeout time.Duration) bool {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for atomic.LoadUint32(addr) == val {
		if timeout >= 0 && !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(futexPollInterval)
	}
	return true
}

func futexWake(*uint32, int) {}
