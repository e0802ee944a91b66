package rtskb

import "sync/atomic"

// Debug controls whether invariant violations panic (the behavior a
// kernel build would get from rtskb_over_panic/_under_panic) or are
// merely counted. Tests run with Debug true; a production build may
// set it false so a buggy protocol handler drops a packet instead of
// taking the whole process down.
var Debug = true

// AssertionFailures counts invariant violations that were survived
// (i.e. Debug was false) rather than panicking.
var AssertionFailures int64

func assertf(ok bool, err error) {
	if ok {
		return
	}
	if Debug {
		panic(err)
	}
	atomic.AddInt64(&AssertionFailures, 1)
}
