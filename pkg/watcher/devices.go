package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/agent"
	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/metrics"
	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"k8s.io/apimachinery/pkg/util/sets"
)

// linkChanBufferSize bounds the netlink events held while the watcher is busy
const linkChanBufferSize = 100

// Device actions
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
)

// Enqueuer accepts commands for the dispatcher. *agent.Queue implements it.
type Enqueuer interface {
	Push(cmd agent.Command)
}

// DeviceWatcher turns the appearance and disappearance of access bridges and
// devices into commands.
type DeviceWatcher struct {
	queue   Enqueuer
	metrics *metrics.Metrics
	backoff time.Duration
	logger  *logrus.Entry

	// names of tracked links currently present
	seen sets.Set[string]

	subscribe func(ch chan<- netlink.LinkUpdate, done <-chan struct{}) error
	listLinks func() ([]netlink.Link, error)
}

// NewDeviceWatcher creates a watcher feeding q. m may be nil.
func NewDeviceWatcher(q Enqueuer, backoff time.Duration, m *metrics.Metrics) *DeviceWatcher {
	w := &DeviceWatcher{
		queue:     q,
		metrics:   m,
		backoff:   backoff,
		logger:    logrus.WithField("component", "device-watcher"),
		seen:      sets.New[string](),
		listLinks: netlink.LinkList,
	}
	w.subscribe = func(ch chan<- netlink.LinkUpdate, done <-chan struct{}) error {
		return netlink.LinkSubscribeWithOptions(ch, done, netlink.LinkSubscribeOptions{
			ErrorCallback: func(err error) {
				w.logger.WithError(err).Error("Netlink subscribe error")
			},
		})
	}
	return w
}

// classify maps a link event to a command. Links that are neither access
// bridges nor devices are ignored.
func classify(action, name string) (agent.Command, bool) {
	if netID, ok := types.ParseAccessBridge(name); ok {
		if action == ActionAdd {
			return agent.AddTunnelBridge(netID), true
		}
		return agent.DelTunnelBridge(netID), true
	}
	if types.IsDevice(name) {
		if action == ActionAdd {
			return agent.SetMacLocation(name), true
		}
		return agent.DelMacLocation(name), true
	}
	return agent.Command{}, false
}

func tracked(name string) bool {
	_, ok := classify(ActionAdd, name)
	return ok
}

// Run watches link events until ctx is done. Links present at start are
// taken as known: startup reconciliation has already handled them.
func (w *DeviceWatcher) Run(ctx context.Context) error {
	if _, err := w.scan(false); err != nil {
		return err
	}

	linkChan, err := w.open(ctx)
	if err != nil {
		return err
	}
	w.logger.Info("Watching network devices")

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-linkChan:
			if !ok {
				linkChan = w.resubscribe(ctx)
				if linkChan == nil {
					return nil
				}
				continue
			}
			w.handle(update)
		}
	}
}

func (w *DeviceWatcher) open(ctx context.Context) (chan netlink.LinkUpdate, error) {
	ch := make(chan netlink.LinkUpdate, linkChanBufferSize)
	if err := w.subscribe(ch, ctx.Done()); err != nil {
		return nil, fmt.Errorf("failed to subscribe to link updates: %w", err)
	}
	return ch, nil
}

// resubscribe reopens the link subscription after it closed, then catches up
// on what changed meanwhile. It returns nil once ctx is done.
func (w *DeviceWatcher) resubscribe(ctx context.Context) chan netlink.LinkUpdate {
	w.logger.Warn("Netlink channel closed, resubscribing")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.backoff):
		}
		if w.metrics != nil {
			w.metrics.DeviceResubscribes.Inc()
		}

		ch, err := w.open(ctx)
		if err != nil {
			w.logger.WithError(err).Error("Resubscribe failed")
			continue
		}
		n, err := w.scan(true)
		if err != nil {
			w.logger.WithError(err).Error("Failed to list links after resubscribe")
		} else if n > 0 {
			w.logger.Infof("Caught up on %d missed device events", n)
		}
		return ch
	}
}

// scan lists the current links and diffs them against the seen set. With
// emit it also enqueues the resulting commands.
func (w *DeviceWatcher) scan(emit bool) (int, error) {
	links, err := w.listLinks()
	if err != nil {
		return 0, fmt.Errorf("failed to list links: %w", err)
	}

	current := sets.New[string]()
	for _, link := range links {
		if name := link.Attrs().Name; tracked(name) {
			current.Insert(name)
		}
	}

	n := 0
	if emit {
		for _, name := range sets.List(current.Difference(w.seen)) {
			w.emit(ActionAdd, name)
			n++
		}
		for _, name := range sets.List(w.seen.Difference(current)) {
			w.emit(ActionRemove, name)
			n++
		}
	}
	w.seen = current
	return n, nil
}

// handle turns a single link update into at most one command. The kernel
// sends RTM_NEWLINK for every attribute change, so only the first one for a
// name counts as an addition.
func (w *DeviceWatcher) handle(update netlink.LinkUpdate) {
	if update.Link == nil || update.Attrs() == nil {
		return
	}
	name := update.Attrs().Name
	if !tracked(name) {
		return
	}

	switch update.Header.Type {
	case unix.RTM_NEWLINK:
		if w.seen.Has(name) {
			return
		}
		w.seen.Insert(name)
		w.emit(ActionAdd, name)
	case unix.RTM_DELLINK:
		if !w.seen.Has(name) {
			return
		}
		w.seen.Delete(name)
		w.emit(ActionRemove, name)
	}
}

func (w *DeviceWatcher) emit(action, name string) {
	cmd, ok := classify(action, name)
	if !ok {
		return
	}
	w.logger.WithField("device", name).Debugf("Device %s, queueing %s", action, cmd)
	if w.metrics != nil {
		w.metrics.DeviceEvents.WithLabelValues(action).Inc()
	}
	w.queue.Push(cmd)
}
