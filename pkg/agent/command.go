package agent

import "fmt"

// Kind identifies one of the reconciliation commands
type Kind int

const (
	KindAddTunnelBridge Kind = iota + 1
	KindDelTunnelBridge
	KindSyncTunnels
	KindSetMacLocation
	KindDelMacLocation
)

func (k Kind) String() string {
	switch k {
	case KindAddTunnelBridge:
		return "AddTunnelBridge"
	case KindDelTunnelBridge:
		return "DelTunnelBridge"
	case KindSyncTunnels:
		return "SyncTunnels"
	case KindSetMacLocation:
		return "SetMacLocation"
	case KindDelMacLocation:
		return "DelMacLocation"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Command is a unit of work for the dispatcher. Tunnel commands carry a
// NetID, MAC location commands a Device. Build commands with the
// constructors below.
type Command struct {
	Kind   Kind
	NetID  string
	Device string
}

// AddTunnelBridge creates and wires the tunnel bridge of a network
func AddTunnelBridge(netID string) Command {
	return Command{Kind: KindAddTunnelBridge, NetID: netID}
}

// DelTunnelBridge removes the tunnel bridge of a network
func DelTunnelBridge(netID string) Command {
	return Command{Kind: KindDelTunnelBridge, NetID: netID}
}

// SyncTunnels converges the GRE endpoints of a network with its participants
func SyncTunnels(netID string) Command {
	return Command{Kind: KindSyncTunnels, NetID: netID}
}

// SetMacLocation publishes the location of a local device's MAC
func SetMacLocation(device string) Command {
	return Command{Kind: KindSetMacLocation, Device: device}
}

// DelMacLocation withdraws the location of a removed local device's MAC
func DelMacLocation(device string) Command {
	return Command{Kind: KindDelMacLocation, Device: device}
}

func (c Command) String() string {
	switch c.Kind {
	case KindSetMacLocation, KindDelMacLocation:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Device)
	default:
		return fmt.Sprintf("%s(%s)", c.Kind, c.NetID)
	}
}
