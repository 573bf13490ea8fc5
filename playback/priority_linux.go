//go:build linux

package playback

import "golang.org/x/sys/unix"

// raiseThreadPriority bumps the calling thread's scheduling priority.
// The caller must be pinned with runtime.LockOSThread so the niceness
// lands on the consumer thread. Needs CAP_SYS_NICE or a permissive
// RLIMIT_NICE; failure is reported, not fatal.
func raiseThreadPriority() error {
	return unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), -16)
}
