package worker

import (
	"context"
	"errors"

	"companionchat/internal/service/broker"
)

var (
	// ErrDispatcherBusy is returned when the pending-job budget is exhausted.
	ErrDispatcherBusy = errors.New("dispatcher queue full")
	// ErrJobCancelled is delivered to jobs dropped before they started.
	ErrJobCancelled = errors.New("job cancelled")

	ErrManagerClosed = errors.New("worker manager closed")
)

type JobType int

const (
	Send JobType = iota
	Stop
)

// SendRequest asks for one chat turn on behalf of UserID.
type SendRequest struct {
	Context   context.Context
	UserID    int64
	Content   string
	StyleHint string
}

type sendResult struct {
	reply *broker.ReplyResult
	err   error
}

type sendTask struct {
	req      SendRequest
	resultCh chan sendResult
}

type Job struct {
	Type     JobType
	SendTask *sendTask
}

func (job Job) userID() int64 {
	if job.Type == Send && job.SendTask != nil {
		return job.SendTask.req.UserID
	}
	return 0
}

// finish delivers the outcome without blocking; resultCh is buffered.
func (job Job) finish(reply *broker.ReplyResult, err error) {
	if job.SendTask == nil || job.SendTask.resultCh == nil {
		return
	}
	select {
	case job.SendTask.resultCh <- sendResult{reply: reply, err: err}:
	default:
	}
}

// userQueue is the FIFO of one user's pending jobs. running is set while one
// of them is executing so the user never has two jobs in flight.
type userQueue struct {
	jobs     []Job
	enqueued bool
	running  bool
}

func (q *userQueue) push(job Job) {
	q.jobs = append(q.jobs, job)
}

func (q *userQueue) pop() (Job, bool) {
	if len(q.jobs) == 0 {
		return Job{}, false
	}
	job := q.jobs[0]
	q.jobs[0] = Job{}
	q.jobs = q.jobs[1:]
	return job, true
}

// drain removes every pending job and returns them.
func (q *userQueue) drain() []Job {
	jobs := q.jobs
	q.jobs = nil
	return jobs
}

func (q *userQueue) idle() bool {
	return !q.running && len(q.jobs) == 0
}
