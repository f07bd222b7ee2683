package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/config"
	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/store"
	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/types"
	"github.com/stretchr/testify/require"
)

const (
	localIP    = "10.0.0.1"
	controller = "tcp:10.0.0.100:6633"
)

type fakePort struct {
	ofport   int
	kind     string
	peer     string
	remoteIP string
	key      string
	mac      string
}

type fakeBridge struct {
	dpid        string
	failMode    string
	controller  string
	externalIDs map[string]string
	ports       map[string]*fakePort
}

// fakeDataplane is an in-memory virtual switch
type fakeDataplane struct {
	mu       sync.Mutex
	bridges  map[string]*fakeBridge
	nextPort int
	nextDP   int
	fail     map[string]error
	calls    []string
}

func newFakeDataplane() *fakeDataplane {
	return &fakeDataplane{
		bridges: make(map[string]*fakeBridge),
		fail:    make(map[string]error),
	}
}

func (f *fakeDataplane) record(op string) error {
	f.calls = append(f.calls, op)
	return f.fail[op]
}

func (f *fakeDataplane) addBridge(name string) *fakeBridge {
	f.nextDP++
	br := &fakeBridge{
		dpid:        fmt.Sprintf("0000%012x", 0xaabbcc000000+f.nextDP),
		externalIDs: make(map[string]string),
		ports:       make(map[string]*fakePort),
	}
	f.bridges[name] = br
	return br
}

// addDevice plugs a device with an attached MAC into a bridge
func (f *fakeDataplane) addDevice(bridge, name, mac string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	br, ok := f.bridges[bridge]
	if !ok {
		br = f.addBridge(bridge)
	}
	f.nextPort++
	br.ports[name] = &fakePort{ofport: f.nextPort, kind: "system", mac: mac}
}

// addGREPort plugs a GRE port with an arbitrary name into a bridge
func (f *fakeDataplane) addGREPort(bridge, name, remoteIP, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPort++
	f.bridges[bridge].ports[name] = &fakePort{ofport: f.nextPort, kind: "gre", remoteIP: remoteIP, key: key}
}

func (f *fakeDataplane) findPort(name string) *fakePort {
	for _, br := range f.bridges {
		if p, ok := br.ports[name]; ok {
			return p
		}
	}
	return nil
}

func (f *fakeDataplane) ListBridges() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListBridges"); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(f.bridges))
	for name := range f.bridges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeDataplane) BridgeExists(bridge string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("BridgeExists"); err != nil {
		return false, err
	}
	_, ok := f.bridges[bridge]
	return ok, nil
}

func (f *fakeDataplane) AddBridge(bridge string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddBridge"); err != nil {
		return err
	}
	if _, ok := f.bridges[bridge]; !ok {
		f.addBridge(bridge)
	}
	return nil
}

func (f *fakeDataplane) DeleteBridge(bridge string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteBridge"); err != nil {
		return err
	}
	delete(f.bridges, bridge)
	return nil
}

func (f *fakeDataplane) ListPorts(bridge string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListPorts"); err != nil {
		return nil, err
	}
	br, ok := f.bridges[bridge]
	if !ok {
		return nil, fmt.Errorf("no bridge named %s", bridge)
	}
	names := make([]string, 0, len(br.ports))
	for name := range br.ports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeDataplane) AddPatchPort(bridge, port, peer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddPatchPort"); err != nil {
		return err
	}
	br, ok := f.bridges[bridge]
	if !ok {
		return fmt.Errorf("no bridge named %s", bridge)
	}
	if _, ok := br.ports[port]; !ok {
		f.nextPort++
		br.ports[port] = &fakePort{ofport: f.nextPort, kind: "patch", peer: peer}
	}
	return nil
}

func (f *fakeDataplane) AddGREPort(bridge, port, remoteIP, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddGREPort"); err != nil {
		return err
	}
	br, ok := f.bridges[bridge]
	if !ok {
		return fmt.Errorf("no bridge named %s", bridge)
	}
	if _, ok := br.ports[port]; ok {
		return fmt.Errorf("port %s already exists", port)
	}
	f.nextPort++
	br.ports[port] = &fakePort{ofport: f.nextPort, kind: "gre", remoteIP: remoteIP, key: key}
	return nil
}

func (f *fakeDataplane) DeletePort(bridge, port string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeletePort"); err != nil {
		return err
	}
	if br, ok := f.bridges[bridge]; ok {
		delete(br.ports, port)
	}
	return nil
}

func (f *fakeDataplane) DatapathID(bridge string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DatapathID"); err != nil {
		return "", err
	}
	br, ok := f.bridges[bridge]
	if !ok {
		return "", fmt.Errorf("no bridge named %s", bridge)
	}
	return br.dpid, nil
}

func (f *fakeDataplane) OFPort(iface string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("OFPort"); err != nil {
		return 0, err
	}
	p := f.findPort(iface)
	if p == nil {
		return 0, fmt.Errorf("no interface named %s", iface)
	}
	return p.ofport, nil
}

func (f *fakeDataplane) SetFailMode(bridge, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetFailMode"); err != nil {
		return err
	}
	f.bridges[bridge].failMode = mode
	return nil
}

func (f *fakeDataplane) SetController(bridge, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetController"); err != nil {
		return err
	}
	f.bridges[bridge].controller = target
	return nil
}

func (f *fakeDataplane) BridgeExternalID(bridge, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("BridgeExternalID"); err != nil {
		return "", err
	}
	br, ok := f.bridges[bridge]
	if !ok {
		return "", fmt.Errorf("no bridge named %s", bridge)
	}
	return br.externalIDs[key], nil
}

func (f *fakeDataplane) SetBridgeExternalID(bridge, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetBridgeExternalID"); err != nil {
		return err
	}
	f.bridges[bridge].externalIDs[key] = value
	return nil
}

func (f *fakeDataplane) GREEndpoints(key string) ([]types.GREEndpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GREEndpoints"); err != nil {
		return nil, err
	}
	var endpoints []types.GREEndpoint
	for _, br := range f.bridges {
		for name, p := range br.ports {
			if p.kind == "gre" && p.key == key {
				endpoints = append(endpoints, types.GREEndpoint{Port: name, RemoteIP: p.remoteIP})
			}
		}
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].RemoteIP < endpoints[j].RemoteIP })
	return endpoints, nil
}

func (f *fakeDataplane) AttachedMAC(iface string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AttachedMAC"); err != nil {
		return "", err
	}
	p := f.findPort(iface)
	if p == nil {
		return "", fmt.Errorf("timed out waiting for interface %s", iface)
	}
	return p.mac, nil
}

// greRemotes returns the remote IPs of the GRE ports on a bridge
func (f *fakeDataplane) greRemotes(bridge string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ips []string
	br, ok := f.bridges[bridge]
	if !ok {
		return nil
	}
	for _, p := range br.ports {
		if p.kind == "gre" {
			ips = append(ips, p.remoteIP)
		}
	}
	sort.Strings(ips)
	return ips
}

func (f *fakeDataplane) hasBridge(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.bridges[name]
	return ok
}

type testEnv struct {
	agent *Agent
	ovs   *fakeDataplane
	db    *store.Store
	mr    *miniredis.Miniredis
	ctx   context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	db := store.NewStore(store.Options{Addr: mr.Addr()})
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Database.Host = "127.0.0.1"
	cfg.Local.IPAddr = localIP
	cfg.OpenFlow.Connection = controller

	dp := newFakeDataplane()
	env := &testEnv{
		agent: New(cfg, dp, db),
		ovs:   dp,
		db:    db,
		mr:    mr,
		ctx:   context.Background(),
	}
	require.NoError(t, db.Ping(env.ctx))
	return env
}

// brKey returns the directory key of an existing bridge
func (e *testEnv) brKey(t *testing.T, bridge string) string {
	t.Helper()
	key, err := e.agent.datapathKey(bridge)
	require.NoError(t, err)
	return key
}
