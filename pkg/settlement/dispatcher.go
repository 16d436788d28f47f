package settlement

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/darkpool/pkg/app/darkpool"
	"github.com/uhyunpark/darkpool/pkg/util"
)

const DefaultQueueSize = 1024

type job struct {
	passID  string
	orderID string
}

type Stats struct {
	Submitted uint64
	Failed    uint64
	Dropped   uint64
}

// Dispatcher submits every order that traded in a pass to the ledger on a
// background worker. Enqueueing never blocks the matching path; when the
// queue is full the request is dropped and counted.
type Dispatcher struct {
	ledger  Ledger
	queue   chan job
	timeout time.Duration
	log     *zap.SugaredLogger

	submitted atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

func NewDispatcher(l Ledger, queueSize int, timeout time.Duration, log *zap.SugaredLogger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		ledger:  l,
		queue:   make(chan job, queueSize),
		timeout: timeout,
		log:     util.Sugar(log),
	}
}

// HandlePass queues settlement for every order in the report that traded.
// It has the signature of a venue pass hook.
func (d *Dispatcher) HandlePass(r *darkpool.PassReport) {
	for _, id := range r.FilledOrders() {
		select {
		case d.queue <- job{passID: r.ID, orderID: id}:
		default:
			d.dropped.Add(1)
			d.log.Warnw("settlement_dropped", "pass", r.ID, "order", id, "reason", "queue_full")
		}
	}
}

// Run drains the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.submit(ctx, j)
		}
	}
}

func (d *Dispatcher) submit(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	rcpt, err := d.ledger.Submit(ctx, j.orderID)
	if err != nil {
		d.failed.Add(1)
		d.log.Errorw("settlement_failed", "pass", j.passID, "order", j.orderID, "err", err)
		return
	}
	d.submitted.Add(1)
	d.log.Infow("settlement_submitted", "pass", j.passID, "order", j.orderID, "ref", rcpt.Ref)
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted: d.submitted.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}
