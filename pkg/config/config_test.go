package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

const minimalConfig = `
[database]
host = "192.168.0.10"
port = 6379

[local]
ipaddr = "192.168.0.11"

[openflow]
ofc_connection = "tcp:192.168.0.10:6633"
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "192.168.0.10", cfg.Database.Host)
	assert.Equal(t, 6379, cfg.Database.Port)
	assert.Equal(t, "192.168.0.10:6379", cfg.Database.Addr())
	assert.Equal(t, "192.168.0.11", cfg.Local.IPAddr)
	assert.Equal(t, "tcp:192.168.0.10:6633", cfg.OpenFlow.Connection)

	// Defaults
	assert.Equal(t, 5*time.Second, cfg.Agent.ResubscribeInterval)
	assert.Equal(t, filepath.Join(os.TempDir(), ".ovs-tunnel-agent.lock"), cfg.Agent.LockFile)
	assert.Empty(t, cfg.Agent.RootHelper)
	assert.Empty(t, cfg.Agent.MetricsAddress)
}

func TestLoadAgentSection(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
[agent]
lock_file = "/run/agent.lock"
root_helper = "sudo -n"
resubscribe_interval = "250ms"
metrics_address = ":9477"
`))
	require.NoError(t, err)

	assert.Equal(t, "/run/agent.lock", cfg.Agent.LockFile)
	assert.Equal(t, []string{"sudo", "-n"}, cfg.Agent.RootHelper)
	assert.Equal(t, 250*time.Millisecond, cfg.Agent.ResubscribeInterval)
	assert.Equal(t, ":9477", cfg.Agent.MetricsAddress)
}

func TestLoadInvalid(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{
			name: "blank host",
			body: `
[database]
host = ""
port = 6379
[local]
ipaddr = "10.0.0.1"
[openflow]
ofc_connection = "tcp:10.0.0.2:6633"
`,
		},
		{
			name: "missing port",
			body: `
[database]
host = "10.0.0.2"
[local]
ipaddr = "10.0.0.1"
[openflow]
ofc_connection = "tcp:10.0.0.2:6633"
`,
		},
		{
			name: "bad local ip",
			body: `
[database]
host = "10.0.0.2"
port = 6379
[local]
ipaddr = "node-1"
[openflow]
ofc_connection = "tcp:10.0.0.2:6633"
`,
		},
		{
			name: "missing controller",
			body: `
[database]
host = "10.0.0.2"
port = 6379
[local]
ipaddr = "10.0.0.1"
`,
		},
		{
			name: "unknown key",
			body: minimalConfig + `
[agent]
lockfile = "/tmp/x"
`,
		},
		{
			name: "bad interval",
			body: minimalConfig + `
[agent]
resubscribe_interval = "soon"
`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadUnreadable(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "[database\nhost="))
	assert.Error(t, err)
}

func TestLoadExample(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "etc", "agent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.10:6379", cfg.Database.Addr())
	assert.Equal(t, []string{"sudo"}, cfg.Agent.RootHelper)
	assert.Equal(t, ":9477", cfg.Agent.MetricsAddress)
}
