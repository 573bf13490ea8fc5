//go:build !linux

package playback

import "errors"

// raiseThreadPriority is unavailable off Linux; the consumer runs at
// normal priority.
func raiseThreadPriority() error {
	return errors.New("thread priority control not supported on this platform")
}
