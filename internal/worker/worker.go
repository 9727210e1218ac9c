package worker

type Worker struct {
	id         int
	manager    *Manager
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		id:         id,
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

// Start registers the worker as idle and serves jobs until told to stop.
func (w *Worker) Start() {
	go func() {
		for {
			if !w.pool.Release(w.jobChannel) {
				w.pool.retire(w.jobChannel)
				return
			}
			job := <-w.jobChannel
			switch job.Type {
			case Stop:
				w.pool.retire(w.jobChannel)
				debugLog("[worker-%d] stopped", w.id)
				return
			case Send:
				w.manager.handleSend(job)
			}
		}
	}()
}
