package agent

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/store"
	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/types"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"
)

// addTunnelBridge creates the tunnel bridge of a network, patches it to the
// access bridge and points it at the controller. The node is registered as a
// participant and peers are notified only once the bridge is usable.
func (a *Agent) addTunnelBridge(ctx context.Context, netID string) error {
	br := types.TunnelBridgeName(netID)
	accBr := types.AccessBridgeName(netID)
	patch := types.PatchAccName(netID)
	peer := types.PatchTunName(netID)
	log := a.logger.WithFields(logrus.Fields{"net_id": netID, "bridge": br})

	if err := a.ovs.AddBridge(br); err != nil {
		return err
	}
	// A full mesh must never fall back to a flooding L2 learner.
	if err := a.ovs.SetFailMode(br, "secure"); err != nil {
		return err
	}

	if err := a.ovs.AddPatchPort(br, patch, peer); err != nil {
		return err
	}
	if err := a.ovs.AddPatchPort(accBr, peer, patch); err != nil {
		return err
	}

	patchNum, err := a.ovs.OFPort(patch)
	if err != nil {
		return err
	}
	brKey, err := a.datapathKey(br)
	if err != nil {
		return err
	}
	// The controller identifies the access side of the bridge by this port.
	if err := a.db.SetPatch(ctx, brKey, patchNum); err != nil {
		return err
	}

	if err := a.ovs.SetController(br, a.controller); err != nil {
		return err
	}

	a.copyNetUUID(log, netID, accBr, br)

	if err := a.db.AddNetNodeIP(ctx, netID, a.localIP); err != nil {
		return err
	}
	// The local node is a participant too, so it syncs its own tunnels.
	if err := a.notifyParticipants(ctx, netID); err != nil {
		return err
	}

	log.WithField("datapath", brKey).Info("Created tunnel bridge")
	return nil
}

// copyNetUUID tags the tunnel bridge with the network UUID recorded on the
// access bridge. Failures only cost the tag, so they are logged.
func (a *Agent) copyNetUUID(log *logrus.Entry, netID, accBr, br string) {
	netUUID, err := a.ovs.BridgeExternalID(accBr, types.NetUUIDExternalID)
	if err != nil {
		log.WithError(err).Warn("Failed to read network uuid of access bridge")
		return
	}
	if netUUID == "" {
		return
	}

	derived, err := types.NetIDFromUUID(netUUID)
	if err != nil || derived != netID {
		log.Warnf("Access bridge %s carries network uuid %q that does not match net %s", accBr, netUUID, netID)
		return
	}
	if err := a.ovs.SetBridgeExternalID(br, types.NetUUIDExternalID, netUUID); err != nil {
		log.WithError(err).Warn("Failed to tag tunnel bridge with network uuid")
	}
}

// delTunnelBridge removes the tunnel bridge of a network and its directory
// records, deregisters the node and tells the remaining participants.
func (a *Agent) delTunnelBridge(ctx context.Context, netID string) error {
	br := types.TunnelBridgeName(netID)
	log := a.logger.WithFields(logrus.Fields{"net_id": netID, "bridge": br})

	exists, err := a.ovs.BridgeExists(br)
	if err != nil {
		return err
	}

	if exists {
		// The datapath key is only readable while the bridge exists, so the
		// records keyed by it go first.
		brKey, err := a.datapathKey(br)
		if err != nil {
			return err
		}
		if err := a.db.RemovePatch(ctx, brKey); err != nil {
			return err
		}
		if err := a.db.DelGREPorts(ctx, brKey); err != nil {
			return err
		}
		if err := a.ovs.DeleteBridge(br); err != nil {
			return err
		}
		log = log.WithField("datapath", brKey)
	} else {
		log.Warn("Tunnel bridge already gone, skipping dataplane cleanup")
	}

	if err := a.db.RemoveNetNodeIP(ctx, netID, a.localIP); err != nil {
		return err
	}
	if err := a.notifyParticipants(ctx, netID); err != nil {
		return err
	}

	log.Info("Removed tunnel bridge")
	return nil
}

// notifyParticipants publishes netID on the channel of every participant.
// Delivery is best effort: a missed notification is repaired by the peer's
// next trigger or restart.
func (a *Agent) notifyParticipants(ctx context.Context, netID string) error {
	ips, err := a.db.NetNodeIPs(ctx, netID)
	if err != nil {
		return err
	}
	for _, ip := range sets.List(sets.New(ips...)) {
		if err := a.db.Publish(ctx, types.NodeChannel(ip), netID); err != nil {
			return err
		}
	}
	return nil
}

// syncTunnels converges the GRE ports of a tunnel bridge with the set of
// remote participants and keeps the port records the controller forwards by.
func (a *Agent) syncTunnels(ctx context.Context, netID string) error {
	br := types.TunnelBridgeName(netID)
	key := types.GREKey(netID)
	log := a.logger.WithFields(logrus.Fields{"net_id": netID, "bridge": br})

	exists, err := a.ovs.BridgeExists(br)
	if err != nil {
		return err
	}
	if !exists {
		// Raced with local teardown, or not a local network.
		log.Debug("No tunnel bridge, nothing to synchronise")
		return nil
	}

	endpoints, err := a.ovs.GREEndpoints(key)
	if err != nil {
		return err
	}
	requiredIPs, err := a.db.NetNodeIPs(ctx, netID)
	if err != nil {
		return err
	}
	// Ports are addressed by the name found on the bridge, which may
	// predate the current naming.
	ports := make(map[string]string, len(endpoints))
	current := sets.New[string]()
	for _, ep := range endpoints {
		ports[ep.RemoteIP] = ep.Port
		current.Insert(ep.RemoteIP)
	}
	required := sets.New(requiredIPs...)
	required.Delete(a.localIP)

	brKey, err := a.datapathKey(br)
	if err != nil {
		return err
	}
	records, err := a.db.GREPorts(ctx, brKey)
	if err != nil {
		return err
	}

	if current.Equal(required) && recordsMatch(records, required) {
		log.Debug("GRE tunnels already up-to-date")
		return nil
	}

	for _, oldIP := range sets.List(current.Difference(required)) {
		log.Debugf("Removing GRE endpoint to %s", oldIP)
		if err := a.ovs.DeletePort(br, ports[oldIP]); err != nil {
			return err
		}
		if err := a.db.DelGREPort(ctx, brKey, oldIP); err != nil {
			return err
		}
	}

	for _, newIP := range sets.List(required.Difference(current)) {
		log.Debugf("Adding GRE endpoint to %s", newIP)
		port := types.GREPortName(netID, newIP)
		if err := a.ovs.AddGREPort(br, port, newIP, key); err != nil {
			return err
		}
		if err := a.recordGREPort(ctx, brKey, port, newIP); err != nil {
			return err
		}
	}

	// Repair records left behind by an earlier partial failure.
	for _, ip := range sets.List(current.Intersection(required)) {
		if records[ip] > 0 {
			continue
		}
		if err := a.recordGREPort(ctx, brKey, ports[ip], ip); err != nil {
			return err
		}
	}
	for ip := range records {
		if !required.Has(ip) && !current.Has(ip) {
			if err := a.db.DelGREPort(ctx, brKey, ip); err != nil {
				return err
			}
		}
	}

	log.Info("Synchronised tunnels")
	return nil
}

func (a *Agent) recordGREPort(ctx context.Context, brKey, port, remoteIP string) error {
	portNum, err := a.ovs.OFPort(port)
	if err != nil {
		return err
	}
	return a.db.AddGREPort(ctx, brKey, remoteIP, portNum)
}

// recordsMatch reports whether there is exactly one valid record per
// required endpoint
func recordsMatch(records map[string]int, required sets.Set[string]) bool {
	if len(records) != required.Len() {
		return false
	}
	for ip, port := range records {
		if port <= 0 || !required.Has(ip) {
			return false
		}
	}
	return true
}

// setMacLocation records that the MAC attached to a local device lives on
// this node, and remembers the device's MAC for its removal.
func (a *Agent) setMacLocation(ctx context.Context, device string) error {
	raw, err := a.ovs.AttachedMAC(device)
	if err != nil {
		return err
	}
	if raw == "" {
		return fmt.Errorf("device %s has no attached-mac", device)
	}
	hw, err := net.ParseMAC(raw)
	if err != nil {
		return fmt.Errorf("device %s has invalid attached-mac %q: %w", device, raw, err)
	}
	mac := hw.String()

	if err := a.db.SetVMACNodeIP(ctx, mac, a.localIP); err != nil {
		return err
	}
	if err := a.db.SetDevMAC(ctx, a.localIP, device, mac); err != nil {
		return err
	}

	a.logger.WithFields(logrus.Fields{"device": device, "mac": mac}).Info("Set MAC location")
	return nil
}

// delMacLocation withdraws the location of a removed device. Removal events
// carry only the name, so the MAC comes from the device record.
func (a *Agent) delMacLocation(ctx context.Context, device string) error {
	log := a.logger.WithField("device", device)

	mac, err := a.db.GetDevMAC(ctx, a.localIP, device)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("Device not registered, nothing to remove")
		return nil
	}
	if err != nil {
		return err
	}
	log = log.WithField("mac", mac)

	owner, err := a.db.GetVMACNodeIP(ctx, mac)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	case owner != a.localIP:
		// The MAC moved to another node, which now owns the entry.
		log.Infof("MAC now located on %s, keeping its location", owner)
	default:
		if err := a.db.DelVMAC(ctx, mac); err != nil {
			return err
		}
	}

	if err := a.db.DelDev(ctx, a.localIP, device); err != nil {
		return err
	}

	log.Info("Removed MAC location")
	return nil
}
