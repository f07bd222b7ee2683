package agent

import (
	"context"
	"fmt"

	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/types"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Reconcile repairs the drift accumulated while the agent was not running.
// It must complete before the dispatcher and the event sources start; the
// first failing command aborts it.
func (a *Agent) Reconcile(ctx context.Context) error {
	a.logger.Info("Starting reconciliation")

	bridges, err := a.ovs.ListBridges()
	if err != nil {
		return fmt.Errorf("failed to list bridges: %w", err)
	}

	access := sets.New[string]()
	tunnel := sets.New[string]()
	for _, br := range bridges {
		if netID, ok := types.ParseAccessBridge(br); ok {
			access.Insert(netID)
		} else if netID, ok := types.ParseTunnelBridge(br); ok {
			tunnel.Insert(netID)
		}
	}

	var cmds []Command
	for _, netID := range sets.List(tunnel.Difference(access)) {
		cmds = append(cmds, DelTunnelBridge(netID))
	}
	for _, netID := range sets.List(access.Difference(tunnel)) {
		cmds = append(cmds, AddTunnelBridge(netID), SyncTunnels(netID))
	}
	for _, netID := range sets.List(access.Intersection(tunnel)) {
		cmds = append(cmds, SyncTunnels(netID))
	}

	current := sets.New[string]()
	for _, netID := range sets.List(access) {
		ports, err := a.ovs.ListPorts(types.AccessBridgeName(netID))
		if err != nil {
			return fmt.Errorf("failed to list ports of %s: %w", types.AccessBridgeName(netID), err)
		}
		for _, port := range ports {
			if types.IsDevice(port) {
				current.Insert(port)
			}
		}
	}
	recorded, err := a.db.NodeDevs(ctx, a.localIP)
	if err != nil {
		return fmt.Errorf("failed to read device records: %w", err)
	}
	known := sets.New(recorded...)

	for _, dev := range sets.List(current.Difference(known)) {
		cmds = append(cmds, SetMacLocation(dev))
	}
	for _, dev := range sets.List(known.Difference(current)) {
		cmds = append(cmds, DelMacLocation(dev))
	}

	for _, cmd := range cmds {
		a.logger.Debugf("Reconciling with %s", cmd)
		if err := a.execute(ctx, cmd); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
	}

	a.logger.Infof("Reconciliation done, %d commands executed", len(cmds))
	return nil
}
