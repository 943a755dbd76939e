//go:build !linux && !darwin && !freebsd && !windows

package heartbeat

import (
	"errors"
	"time"
)

var errUnsupported = errors.New("not supported on this platform")

func diskFree(string) (uint64, error) {
	return 0, errUnsupported
}

func processCPUTime() (time.Duration, error) {
	return 0, errUnsupported
}
