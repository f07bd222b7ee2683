package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Directory schema shared with the forwarding controller
const (
	PatchKey       = "bridge_patches"
	NetNodesPrefix = "net_nodes"
	GREPortsPrefix = "gre_ports"
	VMACsKey       = "vmac_nodes"
	DevsPrefix     = "node_devs"
)

// ErrNotFound is returned when a hash field does not exist
var ErrNotFound = errors.New("not found")

// Options configures the connection to the shared store
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store is a typed accessor over the shared Redis directory. It does not
// retry; callers own the retry policy.
type Store struct {
	rdb    *redis.Client
	logger *logrus.Entry
}

// NewStore creates a store client. No connection is made until first use.
func NewStore(opts Options) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:       opts.Addr,
		Password:   opts.Password,
		DB:         opts.DB,
		MaxRetries: -1,
	})
	return &Store{
		rdb:    rdb,
		logger: logrus.WithField("component", "store"),
	}
}

// Ping verifies that the store is reachable
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis at %s: %w", s.rdb.Options().Addr, err)
	}
	return nil
}

// Close releases the connection pool
func (s *Store) Close() error {
	return s.rdb.Close()
}

func netNodesKey(netID string) string {
	return NetNodesPrefix + "::" + netID
}

func greHashKey(brKey string) string {
	return GREPortsPrefix + "::" + brKey
}

func devsKey(nodeIP string) string {
	return DevsPrefix + "::" + nodeIP
}

// SetPatch records the patch port number of a tunnel bridge
func (s *Store) SetPatch(ctx context.Context, brKey string, port int) error {
	s.logger.Debugf("redis: HSET %s %s %d", PatchKey, brKey, port)
	if err := s.rdb.HSet(ctx, PatchKey, brKey, port).Err(); err != nil {
		return fmt.Errorf("failed to set patch for %s: %w", brKey, err)
	}
	return nil
}

// RemovePatch deletes the patch mapping of a tunnel bridge
func (s *Store) RemovePatch(ctx context.Context, brKey string) error {
	s.logger.Debugf("redis: HDEL %s %s", PatchKey, brKey)
	if err := s.rdb.HDel(ctx, PatchKey, brKey).Err(); err != nil {
		return fmt.Errorf("failed to remove patch for %s: %w", brKey, err)
	}
	return nil
}

// GetPatch returns the patch port number of a tunnel bridge
func (s *Store) GetPatch(ctx context.Context, brKey string) (int, error) {
	port, err := s.rdb.HGet(ctx, PatchKey, brKey).Int()
	s.logger.Debugf("redis: HGET %s %s ==> %d", PatchKey, brKey, port)
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("patch for %s: %w", brKey, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get patch for %s: %w", brKey, err)
	}
	return port, nil
}

// AddNetNodeIP registers a node as a participant of a network
func (s *Store) AddNetNodeIP(ctx context.Context, netID, nodeIP string) error {
	key := netNodesKey(netID)
	s.logger.Debugf("redis: SADD %s %s", key, nodeIP)
	if err := s.rdb.SAdd(ctx, key, nodeIP).Err(); err != nil {
		return fmt.Errorf("failed to add %s to net %s: %w", nodeIP, netID, err)
	}
	return nil
}

// RemoveNetNodeIP deregisters a node from a network
func (s *Store) RemoveNetNodeIP(ctx context.Context, netID, nodeIP string) error {
	key := netNodesKey(netID)
	s.logger.Debugf("redis: SREM %s %s", key, nodeIP)
	if err := s.rdb.SRem(ctx, key, nodeIP).Err(); err != nil {
		return fmt.Errorf("failed to remove %s from net %s: %w", nodeIP, netID, err)
	}
	return nil
}

// NetNodeIPs returns the participant node IPs of a network
func (s *Store) NetNodeIPs(ctx context.Context, netID string) ([]string, error) {
	key := netNodesKey(netID)
	ips, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get nodes of net %s: %w", netID, err)
	}
	s.logger.Debugf("redis: SMEMBERS %s ==> %v", key, ips)
	return ips, nil
}

// AddGREPort records the port number of a GRE endpoint on a tunnel bridge
func (s *Store) AddGREPort(ctx context.Context, brKey, remoteIP string, port int) error {
	key := greHashKey(brKey)
	s.logger.Debugf("redis: HSET %s %s %d", key, remoteIP, port)
	if err := s.rdb.HSet(ctx, key, remoteIP, port).Err(); err != nil {
		return fmt.Errorf("failed to add gre port to %s for %s: %w", remoteIP, brKey, err)
	}
	return nil
}

// DelGREPort removes a GRE endpoint record
func (s *Store) DelGREPort(ctx context.Context, brKey, remoteIP string) error {
	key := greHashKey(brKey)
	s.logger.Debugf("redis: HDEL %s %s", key, remoteIP)
	if err := s.rdb.HDel(ctx, key, remoteIP).Err(); err != nil {
		return fmt.Errorf("failed to delete gre port to %s for %s: %w", remoteIP, brKey, err)
	}
	return nil
}

// DelGREPorts removes every GRE endpoint record of a tunnel bridge
func (s *Store) DelGREPorts(ctx context.Context, brKey string) error {
	key := greHashKey(brKey)
	s.logger.Debugf("redis: DEL %s", key)
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete gre ports for %s: %w", brKey, err)
	}
	return nil
}

// GetGREPort returns the port number of the GRE endpoint to remoteIP
func (s *Store) GetGREPort(ctx context.Context, brKey, remoteIP string) (int, error) {
	key := greHashKey(brKey)
	port, err := s.rdb.HGet(ctx, key, remoteIP).Int()
	s.logger.Debugf("redis: HGET %s %s ==> %d", key, remoteIP, port)
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("gre port to %s for %s: %w", remoteIP, brKey, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get gre port to %s for %s: %w", remoteIP, brKey, err)
	}
	return port, nil
}

// GREPorts returns all GRE endpoint records of a tunnel bridge
func (s *Store) GREPorts(ctx context.Context, brKey string) (map[string]int, error) {
	key := greHashKey(brKey)
	raw, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get gre ports for %s: %w", brKey, err)
	}
	s.logger.Debugf("redis: HGETALL %s ==> %v", key, raw)

	ports := make(map[string]int, len(raw))
	for ip, v := range raw {
		port, err := strconv.Atoi(v)
		if err != nil {
			// Treated as a stale record; SyncTunnels rewrites it.
			port = 0
		}
		ports[ip] = port
	}
	return ports, nil
}

// SetVMACNodeIP records which node a virtual MAC lives on
func (s *Store) SetVMACNodeIP(ctx context.Context, mac, nodeIP string) error {
	s.logger.Debugf("redis: HSET %s %s %s", VMACsKey, mac, nodeIP)
	if err := s.rdb.HSet(ctx, VMACsKey, mac, nodeIP).Err(); err != nil {
		return fmt.Errorf("failed to set location of %s: %w", mac, err)
	}
	return nil
}

// GetVMACNodeIP returns the node a virtual MAC lives on
func (s *Store) GetVMACNodeIP(ctx context.Context, mac string) (string, error) {
	ip, err := s.rdb.HGet(ctx, VMACsKey, mac).Result()
	s.logger.Debugf("redis: HGET %s %s ==> %s", VMACsKey, mac, ip)
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("location of %s: %w", mac, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get location of %s: %w", mac, err)
	}
	return ip, nil
}

// DelVMAC removes a virtual MAC location
func (s *Store) DelVMAC(ctx context.Context, mac string) error {
	s.logger.Debugf("redis: HDEL %s %s", VMACsKey, mac)
	if err := s.rdb.HDel(ctx, VMACsKey, mac).Err(); err != nil {
		return fmt.Errorf("failed to delete location of %s: %w", mac, err)
	}
	return nil
}

// SetDevMAC records the MAC of a device on a node
func (s *Store) SetDevMAC(ctx context.Context, nodeIP, dev, mac string) error {
	key := devsKey(nodeIP)
	s.logger.Debugf("redis: HSET %s %s %s", key, dev, mac)
	if err := s.rdb.HSet(ctx, key, dev, mac).Err(); err != nil {
		return fmt.Errorf("failed to record device %s: %w", dev, err)
	}
	return nil
}

// GetDevMAC returns the MAC recorded for a device on a node
func (s *Store) GetDevMAC(ctx context.Context, nodeIP, dev string) (string, error) {
	key := devsKey(nodeIP)
	mac, err := s.rdb.HGet(ctx, key, dev).Result()
	s.logger.Debugf("redis: HGET %s %s ==> %s", key, dev, mac)
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("device %s on %s: %w", dev, nodeIP, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get device %s: %w", dev, err)
	}
	return mac, nil
}

// DelDev removes a device record
func (s *Store) DelDev(ctx context.Context, nodeIP, dev string) error {
	key := devsKey(nodeIP)
	s.logger.Debugf("redis: HDEL %s %s", key, dev)
	if err := s.rdb.HDel(ctx, key, dev).Err(); err != nil {
		return fmt.Errorf("failed to delete device %s: %w", dev, err)
	}
	return nil
}

// NodeDevs returns the names of the devices recorded for a node
func (s *Store) NodeDevs(ctx context.Context, nodeIP string) ([]string, error) {
	key := devsKey(nodeIP)
	devs, err := s.rdb.HKeys(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices of %s: %w", nodeIP, err)
	}
	s.logger.Debugf("redis: HKEYS %s ==> %v", key, devs)
	return devs, nil
}

// Publish sends a message on a pub/sub channel
func (s *Store) Publish(ctx context.Context, channel, message string) error {
	s.logger.Debugf("redis: PUBLISH %s %s", channel, message)
	if err := s.rdb.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription to a channel. The subscription is not
// confirmed until the first Receive on the returned PubSub.
func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	s.logger.Debugf("redis: SUBSCRIBE %s", channel)
	return s.rdb.Subscribe(ctx, channel)
}
