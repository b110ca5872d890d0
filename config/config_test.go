package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devlink/network"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const sampleConfig = `
server:
  id: node-a
nats:
  url: nats://10.0.0.1:4222
registry:
  check_interval: 15s
  transport_limits:
    tcp_server: 5000
networks:
  - id: fleet-tcp
    type: tcp_server
    enabled: true
    auto_reload: true
    configuration:
      host: 0.0.0.0
      port: 7020
      framing: delimited
      delimiter: "\n"
gateways:
  - id: fleet-gw
    network_type: tcp_server
    network_id: fleet-tcp
    protocol: jsonline
    message_rate: 100
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Server.ID)
	assert.Equal(t, "nats://10.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout, "default applied")
	assert.Equal(t, "devlink_ownership", cfg.NATS.OwnershipBucket)
	assert.Equal(t, 15*time.Second, cfg.Registry.CheckInterval)
	assert.Equal(t, int64(5000), cfg.Registry.TransportLimits["tcp_server"])

	require.Len(t, cfg.Networks, 1)
	props, err := cfg.Networks[0].Properties()
	require.NoError(t, err)
	assert.Equal(t, network.TypeTCPServer, props.Type)
	assert.True(t, props.AutoReload)
	assert.JSONEq(t,
		`{"host":"0.0.0.0","port":7020,"framing":"delimited","delimiter":"\n"}`,
		string(props.Configuration))

	require.Len(t, cfg.Gateways, 1)
	assert.Equal(t, "fleet-tcp", cfg.Gateways[0].NetworkID)
	assert.Equal(t, float64(100), cfg.Gateways[0].MessageRate)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsDuplicates(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  id: node-a
networks:
  - id: n1
    type: tcp_server
  - id: n1
    type: tcp_server
`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `
server:
  id: node-a
gateways:
  - id: g1
    network_type: tcp_server
    network_id: n1
    protocol: jsonline
  - id: g1
    network_type: tcp_server
    network_id: n1
    protocol: jsonline
`))
	assert.Error(t, err)
}

func TestValidateRejectsIncompleteGateway(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  id: node-a
gateways:
  - id: g1
    protocol: jsonline
`))
	assert.Error(t, err)
}
