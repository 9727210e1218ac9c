package worker

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher
	Manager  *Manager

	mu        sync.Mutex
	queues    map[int64]*userQueue // job queue for each user
	ready     *list.List           // users with a dispatchable job, round-robin order
	positions map[int64]*list.Element

	pending  atomic.Int64
	maxQueue int64
	wake     chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, manager *Manager, idleTimeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	pool := newJobChannelPool(minWorkers, maxWorkers, idleTimeout, manager)

	d := &Dispatcher{
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		pool:      pool,
		JobQueue:  make(chan Job, queueSize),
		Manager:   manager,
		maxQueue:  int64(queueSize),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}

	// Warm up workers
	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues job without blocking. It fails with ErrDispatcherBusy once
// the number of accepted but not yet started jobs reaches the queue size.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.quit:
		return ErrManagerClosed
	default:
	}
	if d.pending.Add(1) > d.maxQueue {
		d.pending.Add(-1)
		return ErrDispatcherBusy
	}
	select {
	case d.JobQueue <- job:
		return nil
	default:
		d.pending.Add(-1)
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the user at the front of the ready list
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue: // nothing runnable, block for input
				d.enqueueJob(job)
			case <-d.wake:
			case <-d.quit:
				return
			}
			continue
		}
		// if we have a new job, enqueue it and its caller user
		select {
		case job := <-d.JobQueue: // non-congestion
			d.enqueueJob(job)
		case <-d.quit:
			return
		default:
		}
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// CancelUser drops the user's queued jobs. A job that already started runs to
// completion.
func (d *Dispatcher) CancelUser(userID int64) int {
	d.mu.Lock()
	q := d.queues[userID]
	var dropped []Job
	if q != nil {
		dropped = q.drain()
		d.unreadyLocked(userID, q)
		if q.idle() {
			delete(d.queues, userID)
		}
	}
	d.mu.Unlock()

	for _, job := range dropped {
		d.pending.Add(-1)
		job.finish(nil, ErrJobCancelled)
	}
	if len(dropped) > 0 {
		debugLog("[dispatcher] cancelled %d queued jobs for user %d", len(dropped), userID)
	}
	return len(dropped)
}

func (d *Dispatcher) enqueueJob(job Job) {
	userID := job.userID()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.push(job)
	if q.enqueued || q.running {
		// already waiting for a turn or busy; done() will requeue it
		return
	}
	d.readyLocked(userID, q)
}

func (d *Dispatcher) readyLocked(userID int64, q *userQueue) {
	q.enqueued = true
	d.positions[userID] = d.ready.PushBack(userID)
}

func (d *Dispatcher) unreadyLocked(userID int64, q *userQueue) {
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
	q.enqueued = false
}

// dispatchOne hands the next job of the first ready user to an idle worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(int64)
	q := d.queues[userID]
	d.unreadyLocked(userID, q)
	job, ok := q.pop()
	if !ok {
		d.mu.Unlock()
		return true
	}
	q.running = true
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	workerID := d.pool.workerID(workerChan)
	debugLog("[dispatcher] assign job for user %d to worker-%d", userID, workerID)
	workerChan <- job
	d.pending.Add(-1)
	return true
}

// done is called by a worker once the user's running job has finished.
func (d *Dispatcher) done(userID int64) {
	d.mu.Lock()
	q := d.queues[userID]
	if q != nil {
		q.running = false
		switch {
		case len(q.jobs) > 0 && !q.enqueued:
			// back of the line so other users get their turn first
			d.readyLocked(userID, q)
		case q.idle():
			delete(d.queues, userID)
		}
	}
	d.mu.Unlock()
	d.signal()
}

// Pending reports accepted jobs that have not started yet.
func (d *Dispatcher) Pending() int {
	return int(d.pending.Load())
}

func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.pool.close()
	})
}
