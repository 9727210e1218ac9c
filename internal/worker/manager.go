package worker

import (
	"context"
	"time"

	"companionchat/internal/config"
	"companionchat/internal/redis"
	"companionchat/internal/service/broker"
)

// ChatBroker runs one paid chat turn.
type ChatBroker interface {
	Handle(ctx context.Context, userID int64, text string, opts ...broker.SendOption) (*broker.ReplyResult, error)
}

type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

// DispatcherConfigFrom maps the worker section of the app config.
func DispatcherConfigFrom(cfg config.WorkerConfig) DispatcherConfig {
	return DispatcherConfig{
		MinWorkers:  cfg.MinWorkers,
		MaxWorkers:  cfg.MaxWorkers,
		QueueSize:   cfg.QueueSize,
		IdleTimeout: time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
	}
}

// Manager routes chat sends through the dispatcher so each user has at most
// one turn in flight and users are served round-robin.
type Manager struct {
	broker     ChatBroker
	dispatcher *Dispatcher
	bus        *cancelBus
}

// NewManager starts the dispatcher. rdb may be nil; cancellations then stay
// local to this process.
func NewManager(b ChatBroker, cfg DispatcherConfig, rdb *redis.Client) *Manager {
	m := &Manager{broker: b}
	m.dispatcher = NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, m, cfg.IdleTimeout)
	m.bus = newCancelBus(rdb)
	if err := m.bus.startListener(func(msg cancelMessage) {
		m.dispatcher.CancelUser(msg.UserID)
	}); err != nil {
		log.WithError(err).Warn("cancel listener unavailable, cancellations stay local")
		m.bus = nil
	}
	return m
}

// Send queues a chat turn and waits for its result. Waiting stops early if ctx
// ends; a job that already started still commits.
func (m *Manager) Send(ctx context.Context, req SendRequest) (*broker.ReplyResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req.Context = ctx
	resultCh := make(chan sendResult, 1)
	job := Job{Type: Send, SendTask: &sendTask{req: req, resultCh: resultCh}}
	if err := m.dispatcher.Submit(job); err != nil {
		return nil, err
	}
	select {
	case ret := <-resultCh:
		return ret.reply, ret.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelUser drops queued sends for userID here and on every other instance.
func (m *Manager) CancelUser(userID int64, reason string) int {
	n := m.dispatcher.CancelUser(userID)
	m.bus.publish(userID, reason)
	return n
}

func (m *Manager) Close() {
	m.bus.close()
	m.dispatcher.Stop()
}

func (m *Manager) handleSend(job Job) {
	task := job.SendTask
	if task == nil {
		return
	}
	req := task.req
	defer m.dispatcher.done(req.UserID)

	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}
	// the caller gave up before the turn started
	if err := ctx.Err(); err != nil {
		job.finish(nil, err)
		return
	}
	// once started, a turn is not cancelled by the caller going away
	reply, err := m.broker.Handle(context.WithoutCancel(ctx), req.UserID, req.Content, broker.WithStyleHint(req.StyleHint))
	job.finish(reply, err)
}
