package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"dlqueued/internal/queue"
	"dlqueued/internal/storage"
)

// LivenessState is a worker's current liveness, per spec.md §4.8.
type LivenessState struct {
	Status string // "idle", "busy", "error"
	ItemID string // set when Status == "busy"
	Reason string // set when Status == "error"
}

// ConditionsFunc supplies the current match-filter conditions (disabled ones
// are skipped by preset.ApplyConditions); the
// pool re-fetches it for every claimed item so edits apply without a restart.
type ConditionsFunc func() []storage.Condition

// worker is one fixed slot in the Pool, running its own claim-run-release
// loop on a dedicated goroutine. cancel, when non-nil, cancels whichever
// context the worker is currently blocked or working on — the pool-wide
// shutdown context while idle in Claim, or the in-flight item's context
// while busy.
type worker struct {
	id   int
	pool *Pool

	mu     sync.Mutex
	cancel context.CancelFunc
	state  LivenessState
}

// Pool is the fixed-size Worker Pool of spec.md §4.8: each slot repeatedly
// claims one item from Queue, runs it through Driver, and returns to idle.
// Every worker's wait-for-work and in-flight contexts are children of the
// pool's own context, so Shutdown's single cancel reaches idle and busy
// workers alike.
type Pool struct {
	Driver     *Driver
	Queue      *queue.Manager
	Logger     *slog.Logger
	Conditions ConditionsFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[int]*worker
	nextID  int
	wg      sync.WaitGroup
}

// New builds a pool of size fixed worker slots and starts them immediately.
func New(driver *Driver, qm *queue.Manager, logger *slog.Logger, conditions ConditionsFunc, size int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		Driver:     driver,
		Queue:      qm,
		Logger:     logger,
		Conditions: conditions,
		ctx:        ctx,
		cancel:     cancel,
		workers:    make(map[int]*worker),
	}
	for i := 0; i < size; i++ {
		p.spawn()
	}
	return p
}

func (p *Pool) spawn() *worker {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	w := &worker{id: id, pool: p, state: LivenessState{Status: "idle"}}
	p.workers[id] = w
	p.mu.Unlock()

	p.wg.Add(1)
	go w.loop()
	return w
}

// Shutdown cancels the pool context — unblocking every worker idle in Claim
// and every item mid-download alike — and waits for all worker goroutines
// to exit.
func (p *Pool) Shutdown() {
	p.cancel()
	p.wg.Wait()
}

// Restart discards a worker's error state (if any), cancels anything it is
// still doing, and relaunches it as a fresh idle slot under the same pool
// context, per spec.md §4.8's "individually restartable via the admin
// interface, discarding error state".
func (p *Pool) Restart(id int) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("worker: no such worker %d", id)
	}
	delete(p.workers, id)
	p.mu.Unlock()

	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	if p.ctx.Err() != nil {
		return fmt.Errorf("worker: pool is shut down")
	}
	p.spawn()
	return nil
}

// CancelItem cancels whichever worker slot currently has id busy, letting
// the subprocess escalation in runSubprocess tear the download down. It
// reports false if no slot is currently running id (already finished, or
// still waiting and better cancelled via Queue.Cancel instead).
func (p *Pool) CancelItem(id string) bool {
	p.mu.Lock()
	var target *worker
	for _, w := range p.workers {
		w.mu.Lock()
		busy := w.state.Status == "busy" && w.state.ItemID == id
		w.mu.Unlock()
		if busy {
			target = w
			break
		}
	}
	p.mu.Unlock()
	if target == nil {
		return false
	}
	target.mu.Lock()
	if target.cancel != nil {
		target.cancel()
	}
	target.mu.Unlock()
	return true
}

// Snapshot reports the liveness state of every worker slot, keyed by ID.
func (p *Pool) Snapshot() map[int]LivenessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]LivenessState, len(p.workers))
	for id, w := range p.workers {
		w.mu.Lock()
		out[id] = w.state
		w.mu.Unlock()
	}
	return out
}

func (w *worker) setState(s LivenessState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// loop is the claim -> run -> release cycle. It returns once the pool
// context is cancelled and no item is currently being claimed or run.
func (w *worker) loop() {
	defer w.pool.wg.Done()

	for {
		claimCtx, cancel := context.WithCancel(w.pool.ctx)
		w.mu.Lock()
		w.cancel = cancel
		w.mu.Unlock()

		item, err := w.pool.Queue.Claim(claimCtx)
		if err != nil {
			cancel()
			return
		}

		itemCtx, itemCancel := context.WithCancel(w.pool.ctx)
		w.mu.Lock()
		w.cancel = itemCancel
		w.mu.Unlock()
		cancel() // the claim-context's cancel is no longer needed once claimed

		w.setState(LivenessState{Status: "busy", ItemID: item.ID})
		w.runOne(itemCtx, item)
		itemCancel()

		w.mu.Lock()
		w.cancel = nil
		wentError := w.state.Status == "error"
		w.mu.Unlock()
		if wentError {
			// Stop claiming further work until an operator calls Restart,
			// which discards this error state by spawning a fresh slot.
			return
		}
		w.setState(LivenessState{Status: "idle"})
	}
}

// runOne invokes the Driver for item, recovering from any panic so a single
// bad item cannot take the slot down: on panic the item is forced into the
// error terminal state and the slot reports error{reason} until restarted.
func (w *worker) runOne(ctx context.Context, item *queue.Item) {
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("panic: %v", r)
			w.pool.Logger.Error("worker: recovered from panic", "worker", w.id, "item", item.ID, "panic", r)
			w.pool.Driver.Recover(item, reason)
			w.setState(LivenessState{Status: "error", Reason: reason})
		}
	}()

	var conditions []storage.Condition
	if w.pool.Conditions != nil {
		conditions = w.pool.Conditions()
	}
	w.pool.Driver.Run(ctx, item, conditions)
}
