package nativeio

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/lakesoul-io/nativeio/ioerr"
)

// operation runs while the executor's guard is held. The returned function,
// if any, runs after the guard is released, so callbacks of one operation
// overlap with the next operation.
type operation func() (then func())

// executor runs operations on a fixed pool of goroutines. Operations are
// serialized by a guard and start in submission order. Their callbacks run
// in the same order on a separate goroutine, so a callback may submit to or
// close the executor.
type executor struct {
	guard *semaphore.Weighted
	wg    sync.WaitGroup

	mtx       sync.Mutex
	cond      *sync.Cond
	queue     []operation
	running   int
	callbacks []func()
	closed    bool
}

func newExecutor(threads int) *executor {
	e := &executor{guard: semaphore.NewWeighted(1)}
	e.cond = sync.NewCond(&e.mtx)
	e.wg.Add(threads)
	for i := 0; i < threads; i++ {
		go e.work()
	}
	go e.dispatch()
	return e
}

func (e *executor) work() {
	defer e.wg.Done()
	for {
		e.mtx.Lock()
		// The guard is taken while holding mtx, so operations leave the
		// queue in order and one at a time.
		for len(e.queue) == 0 || !e.guard.TryAcquire(1) {
			if len(e.queue) == 0 && e.closed {
				e.mtx.Unlock()
				return
			}
			e.cond.Wait()
		}
		op := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.running++
		e.mtx.Unlock()

		then := op()

		// Queued before the guard is released to keep callbacks in
		// operation order.
		e.mtx.Lock()
		if then != nil {
			e.callbacks = append(e.callbacks, then)
		}
		e.running--
		e.guard.Release(1)
		e.cond.Broadcast()
		e.mtx.Unlock()
	}
}

// dispatch runs callbacks until the executor is closed and nothing is left
// that could queue another one.
func (e *executor) dispatch() {
	for {
		e.mtx.Lock()
		for len(e.callbacks) == 0 {
			if e.closed && len(e.queue) == 0 && e.running == 0 {
				e.mtx.Unlock()
				return
			}
			e.cond.Wait()
		}
		then := e.callbacks[0]
		e.callbacks[0] = nil
		e.callbacks = e.callbacks[1:]
		e.mtx.Unlock()

		then()
	}
}

// submit queues op behind every operation submitted before it.
func (e *executor) submit(op operation) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.closed {
		return ioerr.Invariantf("executor is closed")
	}
	e.queue = append(e.queue, op)
	e.cond.Broadcast()
	return nil
}

// do runs fn as an operation and waits for its result.
func (e *executor) do(fn func() error) error {
	errc := make(chan error, 1)
	if err := e.submit(func() func() {
		errc <- fn()
		return nil
	}); err != nil {
		return err
	}
	return <-errc
}

// stop rejects new operations. Queued operations still run.
func (e *executor) stop() {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.closed = true
	e.cond.Broadcast()
}

// close stops the executor and waits for the queued operations. Callbacks
// of those operations may still be running when it returns, which lets a
// callback close its own executor.
func (e *executor) close() {
	e.stop()
	e.wg.Wait()
}
