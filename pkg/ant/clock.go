package ant

import "time"

var clockEpoch = time.Now()

// CurrentMilliseconds returns a monotonic millisecond counter anchored at
// process start.  Device profiles use it to age out stale measurements.
func CurrentMilliseconds() uint32 {
	return uint32(time.Since(clockEpoch).Milliseconds())
}
