package discord

import (
	"context"
	"sync"
)

const (
	dispatchShards    = 8
	dispatchQueueSize = 64
)

// dispatcher runs event handlers on a fixed set of workers. Events with the
// same key always land on the same worker, so one account's events run one at
// a time in arrival order while different accounts proceed in parallel.
type dispatcher struct {
	shards []chan func(context.Context)
	wg     sync.WaitGroup
}

func newDispatcher(ctx context.Context, n int) *dispatcher {
	d := &dispatcher{shards: make([]chan func(context.Context), n)}
	for i := range d.shards {
		ch := make(chan func(context.Context), dispatchQueueSize)
		d.shards[i] = ch
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for fn := range ch {
				fn(ctx)
			}
		}()
	}
	return d
}

// submit queues fn behind earlier work for the same key. It never blocks:
// when that worker's queue is full fn is discarded and submit reports false.
func (d *dispatcher) submit(key uint64, fn func(context.Context)) bool {
	select {
	case d.shards[key%uint64(len(d.shards))] <- fn:
		return true
	default:
		return false
	}
}

// close stops accepting work and waits for queued handlers to finish.
func (d *dispatcher) close() {
	for _, ch := range d.shards {
		close(ch)
	}
	d.wg.Wait()
}
