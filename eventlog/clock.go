package eventlog

import (
	"sync/atomic"
	"time"
)

var lastTimestamp int64

// nextTimestamp returns the current unix time in milliseconds, bumped by one
// when two appends land on the same millisecond so event timestamps stay
// usable as a replay tiebreaker.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixMilli()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}
