package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Executor runs a single command. *Agent implements it.
type Executor interface {
	Execute(ctx context.Context, cmd Command) error
}

// Dispatcher executes queued commands one at a time
type Dispatcher struct {
	queue   *Queue
	exec    Executor
	metrics *metrics.Metrics
	logger  *logrus.Entry
}

// NewDispatcher creates a dispatcher consuming q. m may be nil.
func NewDispatcher(q *Queue, exec Executor, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		queue:   q,
		exec:    exec,
		metrics: m,
		logger:  logrus.WithField("component", "dispatcher"),
	}
}

// Run executes commands until ctx is cancelled. Command failures are logged
// and dropped.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("Dispatcher started")
	for {
		cmd, err := d.queue.Pop(ctx)
		if err != nil {
			d.logger.Info("Dispatcher stopped")
			return
		}
		if d.metrics != nil {
			d.metrics.QueueDepth.Set(float64(d.queue.Len()))
		}

		start := time.Now()
		err = d.execute(ctx, cmd)
		d.observe(cmd, err, time.Since(start))

		if err != nil {
			d.logger.WithError(err).Errorf("Command %s failed", cmd)
		} else {
			d.logger.Debugf("Command %s done", cmd)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.exec.Execute(ctx, cmd)
}

func (d *Dispatcher) observe(cmd Command, err error, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultFailure
	}
	d.metrics.CommandsTotal.WithLabelValues(cmd.Kind.String(), result).Inc()
	d.metrics.CommandDuration.WithLabelValues(cmd.Kind.String()).Observe(elapsed.Seconds())
}
