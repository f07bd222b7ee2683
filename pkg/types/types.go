package types

import (
	"fmt"
	"hash/crc32"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Bridge and port name prefixes shared with the hypervisor glue that creates
// access bridges.
const (
	AccessBridgePrefix = "bracc-"
	TunnelBridgePrefix = "brtun-"
	PatchAccPrefix     = "p-acc-" // patch port on the tunnel bridge
	PatchTunPrefix     = "p-tun-" // patch port on the access bridge
	GREPortPrefix      = "gre-"

	// NetIDLen is the number of hex characters of the network UUID used as
	// the short network identifier.
	NetIDLen = 8

	// NetUUIDExternalID is the bridge external ID holding the full network UUID.
	NetUUIDExternalID = "net-uuid"
)

var (
	accessBridgePattern = regexp.MustCompile(`^bracc-[0-9a-f]{8}$`)
	tunnelBridgePattern = regexp.MustCompile(`^brtun-[0-9a-f]{8}$`)
	devicePattern       = regexp.MustCompile(`^gw-[0-9a-f]{8}-[0-9a-f]{2}$|^tap[0-9a-f]{8}-[0-9a-f]{2}$`)
	netIDPattern        = regexp.MustCompile(`^[0-9a-f]{8}$`)
)

// AccessBridgeName returns the access bridge name for a network
func AccessBridgeName(netID string) string {
	return AccessBridgePrefix + netID
}

// TunnelBridgeName returns the tunnel bridge name for a network
func TunnelBridgeName(netID string) string {
	return TunnelBridgePrefix + netID
}

// PatchAccName is the tunnel bridge end of the patch pair
func PatchAccName(netID string) string {
	return PatchAccPrefix + netID
}

// PatchTunName is the access bridge end of the patch pair
func PatchTunName(netID string) string {
	return PatchTunPrefix + netID
}

// GREEndpoint is a GRE port found on a tunnel bridge
type GREEndpoint struct {
	Port     string
	RemoteIP string
}

// GREPortName returns a deterministic GRE port name for a remote endpoint.
// Interface names are limited to 15 characters, so the network and remote IP
// are hashed: "gre-" plus at most 8 hex digits of the absolute value of the
// CRC-32 read as a signed 32 bit integer.
func GREPortName(netID, remoteIP string) string {
	sum := int64(int32(crc32.ChecksumIEEE([]byte(netID + remoteIP))))
	if sum < 0 {
		sum = -sum
	}
	return fmt.Sprintf("%s%x", GREPortPrefix, sum)
}

// GREKey returns the GRE key option value used for a network
func GREKey(netID string) string {
	return "0x" + netID
}

// ParseAccessBridge returns the network ID of an access bridge name
func ParseAccessBridge(name string) (string, bool) {
	if !accessBridgePattern.MatchString(name) {
		return "", false
	}
	return name[len(AccessBridgePrefix):], true
}

// ParseTunnelBridge returns the network ID of a tunnel bridge name
func ParseTunnelBridge(name string) (string, bool) {
	if !tunnelBridgePattern.MatchString(name) {
		return "", false
	}
	return name[len(TunnelBridgePrefix):], true
}

// IsDevice reports whether name is a VM tap or gateway device
func IsDevice(name string) bool {
	return devicePattern.MatchString(name)
}

// IsNetID reports whether s is a well formed short network identifier
func IsNetID(s string) bool {
	return netIDPattern.MatchString(s)
}

// NetIDFromUUID derives the short network identifier from a network UUID.
func NetIDFromUUID(netUUID string) (string, error) {
	id, err := uuid.Parse(netUUID)
	if err != nil {
		return "", fmt.Errorf("invalid network uuid %q: %w", netUUID, err)
	}
	return id.String()[:NetIDLen], nil
}

// DatapathKey converts an OVS datapath_id (16 hex digits) into the key used
// for the bridge in the shared directory: the low 48 bits as dash separated
// octets, e.g. "0000aabbccddeeff" -> "aa-bb-cc-dd-ee-ff".
func DatapathKey(dpid string) (string, error) {
	dpid = strings.ToLower(strings.Trim(strings.TrimSpace(dpid), `"`))
	if len(dpid) != 16 {
		return "", fmt.Errorf("invalid datapath id %q", dpid)
	}
	for _, r := range dpid {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return "", fmt.Errorf("invalid datapath id %q", dpid)
		}
	}
	octets := make([]string, 0, 6)
	for i := 4; i < 16; i += 2 {
		octets = append(octets, dpid[i:i+2])
	}
	return strings.Join(octets, "-"), nil
}

// NodeChannel returns the pub/sub channel a node listens on
func NodeChannel(nodeIP string) string {
	return "node-" + nodeIP
}
