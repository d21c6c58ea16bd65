package accounting

import (
	"sync/atomic"
	"time"
)

// clock issues update timestamps in unix milliseconds. Every value is strictly
// greater than any value issued or observed before it, across all shards.
type clock struct {
	last atomic.Int64
}

func (c *clock) next() int64 {
	for {
		cur := c.last.Load()
		n := time.Now().UnixMilli()
		if n <= cur {
			n = cur + 1
		}
		if c.last.CompareAndSwap(cur, n) {
			return n
		}
	}
}

// observe raises the floor so that values loaded from storage are never reissued.
func (c *clock) observe(ts int64) {
	for {
		cur := c.last.Load()
		if ts <= cur || c.last.CompareAndSwap(cur, ts) {
			return
		}
	}
}
