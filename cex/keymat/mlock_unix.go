//go:build linux || darwin

package keymat

import "golang.org/x/sys/unix"

// Locking is best effort: RLIMIT_MEMLOCK is often small and a failure to
// pin pages is not a reason to refuse the key.
func lockBuffer(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Mlock(b)
}

func unlockBuffer(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Munlock(b)
}
