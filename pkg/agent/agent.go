package agent

import (
	"context"
	"fmt"

	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/config"
	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/types"
	"github.com/sirupsen/logrus"
)

// Dataplane is the subset of the virtual switch used by the commands.
// *ovs.Client implements it.
type Dataplane interface {
	ListBridges() ([]string, error)
	BridgeExists(bridge string) (bool, error)
	AddBridge(bridge string) error
	DeleteBridge(bridge string) error
	ListPorts(bridge string) ([]string, error)
	AddPatchPort(bridge, port, peer string) error
	AddGREPort(bridge, port, remoteIP, key string) error
	DeletePort(bridge, port string) error
	DatapathID(bridge string) (string, error)
	OFPort(iface string) (int, error)
	SetFailMode(bridge, mode string) error
	SetController(bridge, target string) error
	BridgeExternalID(bridge, key string) (string, error)
	SetBridgeExternalID(bridge, key, value string) error
	GREEndpoints(key string) ([]types.GREEndpoint, error)
	AttachedMAC(iface string) (string, error)
}

// Directory is the shared store schema used by the commands.
// *store.Store implements it.
type Directory interface {
	SetPatch(ctx context.Context, brKey string, port int) error
	RemovePatch(ctx context.Context, brKey string) error
	AddNetNodeIP(ctx context.Context, netID, nodeIP string) error
	RemoveNetNodeIP(ctx context.Context, netID, nodeIP string) error
	NetNodeIPs(ctx context.Context, netID string) ([]string, error)
	AddGREPort(ctx context.Context, brKey, remoteIP string, port int) error
	DelGREPort(ctx context.Context, brKey, remoteIP string) error
	DelGREPorts(ctx context.Context, brKey string) error
	GREPorts(ctx context.Context, brKey string) (map[string]int, error)
	SetVMACNodeIP(ctx context.Context, mac, nodeIP string) error
	GetVMACNodeIP(ctx context.Context, mac string) (string, error)
	DelVMAC(ctx context.Context, mac string) error
	SetDevMAC(ctx context.Context, nodeIP, dev, mac string) error
	GetDevMAC(ctx context.Context, nodeIP, dev string) (string, error)
	DelDev(ctx context.Context, nodeIP, dev string) error
	NodeDevs(ctx context.Context, nodeIP string) ([]string, error)
	Publish(ctx context.Context, channel, message string) error
}

// Agent executes commands against the local dataplane and the shared
// directory. It holds no locks: commands must only be executed from one
// goroutine at a time (the dispatcher, or startup reconciliation before the
// dispatcher starts).
type Agent struct {
	localIP    string
	controller string
	ovs        Dataplane
	db         Directory
	logger     *logrus.Entry

	// execute runs commands issued by Reconcile
	execute func(ctx context.Context, cmd Command) error
}

// New creates an agent for this node
func New(cfg config.Config, ovs Dataplane, db Directory) *Agent {
	a := &Agent{
		localIP:    cfg.Local.IPAddr,
		controller: cfg.OpenFlow.Connection,
		ovs:        ovs,
		db:         db,
		logger:     logrus.WithField("component", "agent"),
	}
	a.execute = a.Execute
	return a
}

// Execute runs one command to completion
func (a *Agent) Execute(ctx context.Context, cmd Command) error {
	switch cmd.Kind {
	case KindAddTunnelBridge:
		return a.addTunnelBridge(ctx, cmd.NetID)
	case KindDelTunnelBridge:
		return a.delTunnelBridge(ctx, cmd.NetID)
	case KindSyncTunnels:
		return a.syncTunnels(ctx, cmd.NetID)
	case KindSetMacLocation:
		return a.setMacLocation(ctx, cmd.Device)
	case KindDelMacLocation:
		return a.delMacLocation(ctx, cmd.Device)
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
}

// datapathKey returns the directory key of a bridge
func (a *Agent) datapathKey(bridge string) (string, error) {
	dpid, err := a.ovs.DatapathID(bridge)
	if err != nil {
		return "", err
	}
	key, err := types.DatapathKey(dpid)
	if err != nil {
		return "", fmt.Errorf("bridge %s: %w", bridge, err)
	}
	return key, nil
}
