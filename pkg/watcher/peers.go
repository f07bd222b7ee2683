package watcher

import (
	"context"
	"time"

	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/agent"
	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/metrics"
	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Subscriber opens pub/sub subscriptions. *store.Store implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) *redis.PubSub
}

// PeerSubscriber listens on this node's channel and queues a SyncTunnels for
// every network a peer announces a membership change in.
type PeerSubscriber struct {
	store   Subscriber
	queue   Enqueuer
	channel string
	backoff time.Duration
	metrics *metrics.Metrics
	logger  *logrus.Entry
}

// NewPeerSubscriber creates a subscriber for the channel of nodeIP. m may be
// nil.
func NewPeerSubscriber(s Subscriber, q Enqueuer, nodeIP string, backoff time.Duration, m *metrics.Metrics) *PeerSubscriber {
	channel := types.NodeChannel(nodeIP)
	return &PeerSubscriber{
		store:   s,
		queue:   q,
		channel: channel,
		backoff: backoff,
		metrics: m,
		logger:  logrus.WithFields(logrus.Fields{"component": "peer-subscriber", "channel": channel}),
	}
}

// Run receives notifications until ctx is done. Subscription and receive
// failures are retried forever after the backoff interval.
func (p *PeerSubscriber) Run(ctx context.Context) {
	for {
		err := p.listen(ctx)
		if ctx.Err() != nil {
			p.logger.Info("Peer subscriber stopped")
			return
		}
		p.logger.WithError(err).Warnf("Subscription lost, retrying in %s", p.backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.backoff):
		}
		if p.metrics != nil {
			p.metrics.PeerResubscribes.Inc()
		}
	}
}

func (p *PeerSubscriber) listen(ctx context.Context) error {
	ps := p.store.Subscribe(ctx, p.channel)
	defer ps.Close()

	// Receive returns once the server has confirmed the subscription.
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	p.logger.Info("Subscribed to peer notifications")

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		p.handle(msg.Payload)
	}
}

func (p *PeerSubscriber) handle(payload string) {
	if !types.IsNetID(payload) {
		p.logger.Warnf("Dropping malformed notification %q", payload)
		return
	}
	if p.metrics != nil {
		p.metrics.PeerNotifications.Inc()
	}
	p.logger.WithField("net_id", payload).Debug("Peer notification received")
	p.queue.Push(agent.SyncTunnels(payload))
}
