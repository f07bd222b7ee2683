package ovs

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	vsctl = "ovs-vsctl"

	// defaultTimeout bounds every ovs-vsctl call, in seconds
	defaultTimeout = 2
	// waitTimeout bounds wait-until calls for interfaces still being plugged
	waitTimeout = 10

	// exitNotFound is the br-exists exit status for a missing bridge
	exitNotFound = 2
)

// Runner executes a command line and returns its standard output. A non-zero
// exit status is returned as an error wrapping *exec.ExitError.
type Runner func(argv []string) (string, error)

func execRunner(argv []string) (string, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%w (output: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Client provides an interface to Open vSwitch
type Client struct {
	logger     *logrus.Entry
	rootHelper []string
	run        Runner
}

// NewClient creates a new OVS client. rootHelper is prepended to every
// command line, e.g. []string{"sudo"}.
func NewClient(rootHelper []string) (*Client, error) {
	return &Client{
		logger:     logrus.WithField("component", "ovs"),
		rootHelper: rootHelper,
		run:        execRunner,
	}, nil
}

// vsctl runs ovs-vsctl with the given timeout in seconds
func (c *Client) vsctl(timeout int, args ...string) (string, error) {
	argv := make([]string, 0, len(c.rootHelper)+2+len(args))
	argv = append(argv, c.rootHelper...)
	argv = append(argv, vsctl, fmt.Sprintf("--timeout=%d", timeout))
	argv = append(argv, args...)

	c.logger.Debugf("Running command: %s", strings.Join(argv, " "))
	output, err := c.run(argv)
	if err != nil {
		return "", fmt.Errorf("ovs-vsctl %s failed: %w", strings.Join(args, " "), err)
	}
	return output, nil
}

// Ping verifies that OVS is accessible
func (c *Client) Ping() error {
	output, err := c.vsctl(defaultTimeout, "--version")
	if err != nil {
		return fmt.Errorf("ovs-vsctl not accessible: %w", err)
	}
	c.logger.Debugf("OVS version: %s", firstLine(output))
	return nil
}

// ListBridges returns a list of all OVS bridges
func (c *Client) ListBridges() ([]string, error) {
	output, err := c.vsctl(defaultTimeout, "list-br")
	if err != nil {
		return nil, fmt.Errorf("failed to list bridges: %w", err)
	}
	return splitLines(output), nil
}

// BridgeExists reports whether a bridge exists
func (c *Client) BridgeExists(bridge string) (bool, error) {
	_, err := c.vsctl(defaultTimeout, "br-exists", bridge)
	if err == nil {
		return true, nil
	}

	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) && exitErr.ExitCode() == exitNotFound {
		return false, nil
	}
	return false, fmt.Errorf("failed to check bridge %s: %w", bridge, err)
}

// AddBridge creates a bridge, succeeding if it already exists
func (c *Client) AddBridge(bridge string) error {
	if _, err := c.vsctl(defaultTimeout, "--may-exist", "add-br", bridge); err != nil {
		return fmt.Errorf("failed to create bridge %s: %w", bridge, err)
	}
	c.logger.Infof("Created OVS bridge %s", bridge)
	return nil
}

// DeleteBridge removes a bridge, succeeding if it does not exist
func (c *Client) DeleteBridge(bridge string) error {
	if _, err := c.vsctl(defaultTimeout, "--if-exists", "del-br", bridge); err != nil {
		return fmt.Errorf("failed to delete bridge %s: %w", bridge, err)
	}
	c.logger.Infof("Deleted OVS bridge %s", bridge)
	return nil
}

// ListPorts returns the ports of a bridge
func (c *Client) ListPorts(bridge string) ([]string, error) {
	output, err := c.vsctl(defaultTimeout, "list-ports", bridge)
	if err != nil {
		return nil, fmt.Errorf("failed to list ports of %s: %w", bridge, err)
	}
	return splitLines(output), nil
}

// AddPatchPort adds one end of a patch pair to a bridge
func (c *Client) AddPatchPort(bridge, port, peer string) error {
	_, err := c.vsctl(defaultTimeout,
		"--may-exist", "add-port", bridge, port,
		"--", "set", "Interface", port, "type=patch", "options:peer="+peer)
	if err != nil {
		return fmt.Errorf("failed to add patch port %s to bridge %s: %w", port, bridge, err)
	}
	c.logger.Infof("Added patch port %s (peer %s) to bridge %s", port, peer, bridge)
	return nil
}

// AddGREPort adds a GRE tunnel port to a bridge
func (c *Client) AddGREPort(bridge, port, remoteIP, key string) error {
	_, err := c.vsctl(defaultTimeout,
		"--may-exist", "add-port", bridge, port,
		"--", "set", "Interface", port, "type=gre",
		"options:remote_ip="+remoteIP, "options:key="+key)
	if err != nil {
		return fmt.Errorf("failed to add gre port %s to bridge %s: %w", port, bridge, err)
	}
	c.logger.Infof("Added gre port %s to %s on bridge %s", port, remoteIP, bridge)
	return nil
}

// DeletePort removes a port from an OVS bridge
func (c *Client) DeletePort(bridge, port string) error {
	if _, err := c.vsctl(defaultTimeout, "--if-exists", "del-port", bridge, port); err != nil {
		return fmt.Errorf("failed to delete port %s from bridge %s: %w", port, bridge, err)
	}
	c.logger.Infof("Deleted port %s from bridge %s", port, bridge)
	return nil
}

// DatapathID returns the datapath_id of a bridge
func (c *Client) DatapathID(bridge string) (string, error) {
	output, err := c.vsctl(defaultTimeout, "get", "Bridge", bridge, "datapath_id")
	if err != nil {
		return "", fmt.Errorf("failed to get datapath id of %s: %w", bridge, err)
	}
	return unquote(output), nil
}

// OFPort returns the OpenFlow port number of an interface
func (c *Client) OFPort(iface string) (int, error) {
	output, err := c.vsctl(defaultTimeout, "get", "Interface", iface, "ofport")
	if err != nil {
		return 0, fmt.Errorf("failed to get ofport of %s: %w", iface, err)
	}

	// "[]" before assignment, -1 on failure
	port, err := strconv.Atoi(strings.TrimSpace(output))
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("interface %s has no ofport (got %q)", iface, strings.TrimSpace(output))
	}
	return port, nil
}

// SetFailMode sets the bridge fail mode ("secure" or "standalone")
func (c *Client) SetFailMode(bridge, mode string) error {
	if _, err := c.vsctl(defaultTimeout, "set-fail-mode", bridge, mode); err != nil {
		return fmt.Errorf("failed to set bridge %s to %s mode: %w", bridge, mode, err)
	}
	return nil
}

// SetController points a bridge at an OpenFlow controller
func (c *Client) SetController(bridge, target string) error {
	if _, err := c.vsctl(defaultTimeout, "set-controller", bridge, target); err != nil {
		return fmt.Errorf("failed to set controller %s on bridge %s: %w", target, bridge, err)
	}
	c.logger.Infof("Set controller %s on bridge %s", target, bridge)
	return nil
}

// BridgeExternalID returns a bridge external ID, or "" if unset
func (c *Client) BridgeExternalID(bridge, key string) (string, error) {
	output, err := c.vsctl(defaultTimeout, "get", "Bridge", bridge, "external_ids")
	if err != nil {
		return "", fmt.Errorf("failed to get external ids of bridge %s: %w", bridge, err)
	}
	return parseExternalIDs(output)[key], nil
}

// SetBridgeExternalID sets a bridge external ID
func (c *Client) SetBridgeExternalID(bridge, key, value string) error {
	if _, err := c.vsctl(defaultTimeout, "br-set-external-id", bridge, key, value); err != nil {
		return fmt.Errorf("failed to set external id %s on bridge %s: %w", key, bridge, err)
	}
	return nil
}

// GREEndpoints returns the name and remote IP of every GRE interface using key
func (c *Client) GREEndpoints(key string) ([]types.GREEndpoint, error) {
	output, err := c.vsctl(defaultTimeout,
		"--bare", "--columns=name", "find", "Interface", "type=gre", "options:key="+key)
	if err != nil {
		return nil, fmt.Errorf("failed to find gre interfaces with key %s: %w", key, err)
	}

	endpoints := []types.GREEndpoint{}
	for _, port := range strings.Fields(output) {
		out, err := c.vsctl(defaultTimeout, "get", "Interface", port, "options:remote_ip")
		if err != nil {
			return nil, fmt.Errorf("failed to get remote ip of %s: %w", port, err)
		}
		endpoints = append(endpoints, types.GREEndpoint{Port: port, RemoteIP: unquote(out)})
	}
	return endpoints, nil
}

// InterfaceExternalIDs returns the external_ids column of an interface
func (c *Client) InterfaceExternalIDs(iface string) (map[string]string, error) {
	output, err := c.vsctl(defaultTimeout, "get", "Interface", iface, "external_ids")
	if err != nil {
		return nil, fmt.Errorf("failed to get external ids of %s: %w", iface, err)
	}
	return parseExternalIDs(output), nil
}

// AttachedMAC waits until OVS knows the interface and returns the MAC
// recorded by the hypervisor in external_ids:attached-mac, or "" if unset.
func (c *Client) AttachedMAC(iface string) (string, error) {
	if _, err := c.vsctl(waitTimeout, "wait-until", "Interface", iface); err != nil {
		return "", fmt.Errorf("interface %s not recognized by OVS: %w", iface, err)
	}

	ids, err := c.InterfaceExternalIDs(iface)
	if err != nil {
		return "", err
	}
	return ids["attached-mac"], nil
}

// parseExternalIDs parses an OVSDB map (format: {key1=value1, key2="value2"})
func parseExternalIDs(output string) map[string]string {
	ids := make(map[string]string)

	externalIDs := strings.TrimSpace(output)
	externalIDs = strings.Trim(externalIDs, "{}")
	if externalIDs == "" {
		return ids
	}

	for _, pair := range strings.Split(externalIDs, ", ") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			key := strings.Trim(kv[0], "\"")
			value := strings.Trim(kv[1], "\"")
			ids[key] = value
		}
	}
	return ids
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), "\"")
}

func splitLines(output string) []string {
	lines := []string{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
