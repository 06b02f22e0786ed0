package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalYAML = `
modbus:
  tcp:
    host: inverter.local
    port: 502
mqtt:
  broker_url: tcp://broker.local:1883
`

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfigFile(t, minimalYAML)

	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.HTTPPort)
	assert.Equal(t, uint8(1), cfg.Modbus.SlaveID)
	assert.Equal(t, 2*time.Second, cfg.Modbus.ResponseTimeout)
	assert.Equal(t, 10*time.Second, cfg.Modbus.UpdateInterval)
	assert.False(t, cfg.Modbus.RefetchIdentity)
	assert.Equal(t, time.Second, cfg.Modbus.ReconnectDelayMin)
	assert.Equal(t, 60*time.Second, cfg.Modbus.ReconnectDelayMax)
	assert.True(t, cfg.Modbus.ReconnectExponential)
	assert.Equal(t, "fronius", cfg.MQTT.Topic)
	assert.Equal(t, "fronius-bridge", cfg.MQTT.ClientIDPrefix)
	assert.Equal(t, 100, cfg.MQTT.QueueSize)
	assert.Equal(t, 5*time.Second, cfg.MQTT.PublishTimeout)

	require.NotNil(t, cfg.Modbus.TCP)
	assert.Equal(t, "inverter.local", cfg.Modbus.TCP.Host)
	assert.Equal(t, 502, cfg.Modbus.TCP.Port)
	assert.Nil(t, cfg.Modbus.RTU)
	assert.Equal(t, "tcp://broker.local:1883", cfg.MQTT.BrokerURL)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
log_level: debug
modbus:
  tcp:
    host: 192.168.1.50
    port: 1502
  slave_id: 2
  update_interval: 5s
  refetch_identity: true
mqtt:
  broker_url: tls://broker.local:8883
  topic: pv/south-roof
  queue_size: 25
`)

	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, uint8(2), cfg.Modbus.SlaveID)
	assert.Equal(t, 5*time.Second, cfg.Modbus.UpdateInterval)
	assert.True(t, cfg.Modbus.RefetchIdentity)
	assert.Equal(t, "pv/south-roof", cfg.MQTT.Topic)
	assert.Equal(t, 25, cfg.MQTT.QueueSize)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfigFile(t, minimalYAML)
	t.Setenv("FRONIUS_MQTT_TOPIC", "pv/from-env")
	t.Setenv("FRONIUS_LOG_LEVEL", "warn")

	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)

	assert.Equal(t, "pv/from-env", cfg.MQTT.Topic)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoad_EnvProvidesNonDefaultedKeys(t *testing.T) {
	// Keys without defaults must still be reachable through the
	// environment alone.
	path := writeConfigFile(t, `
modbus:
  tcp:
    host: inverter.local
    port: 502
`)
	t.Setenv("FRONIUS_MQTT_BROKER_URL", "tcp://broker.from-env:1883")
	t.Setenv("FRONIUS_MQTT_USERNAME", "pvuser")
	t.Setenv("FRONIUS_MQTT_PASSWORD", "secret")

	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)

	assert.Equal(t, "tcp://broker.from-env:1883", cfg.MQTT.BrokerURL)
	assert.Equal(t, "pvuser", cfg.MQTT.Username)
	assert.Equal(t, "secret", cfg.MQTT.Password)
}

func TestLoad_EnvOnlyConfiguration(t *testing.T) {
	t.Setenv("FRONIUS_MODBUS_TCP_HOST", "192.168.1.60")
	t.Setenv("FRONIUS_MODBUS_TCP_PORT", "1502")
	t.Setenv("FRONIUS_MQTT_BROKER_URL", "tcp://broker.from-env:1883")

	cfg, err := Load(nil)
	require.NoError(t, err)

	require.NotNil(t, cfg.Modbus.TCP)
	assert.Equal(t, "192.168.1.60", cfg.Modbus.TCP.Host)
	assert.Equal(t, 1502, cfg.Modbus.TCP.Port)
	assert.Nil(t, cfg.Modbus.RTU)
	assert.Equal(t, "tcp://broker.from-env:1883", cfg.MQTT.BrokerURL)
}

func TestLoad_FlagsOverrideEnvironment(t *testing.T) {
	path := writeConfigFile(t, minimalYAML)
	t.Setenv("FRONIUS_MQTT_TOPIC", "pv/from-env")

	cfg, err := Load([]string{
		"--config", path,
		"--topic", "pv/from-flag",
		"--log-level", "error",
		"--broker-url", "tcp://other:1883",
	})
	require.NoError(t, err)

	assert.Equal(t, "pv/from-flag", cfg.MQTT.Topic)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, "tcp://other:1883", cfg.MQTT.BrokerURL)
}

func TestLoad_RTUTransport(t *testing.T) {
	path := writeConfigFile(t, `
modbus:
  rtu:
    device: /dev/ttyUSB0
    baud: 9600
mqtt:
  broker_url: tcp://broker.local:1883
`)

	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)

	require.NotNil(t, cfg.Modbus.RTU)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Modbus.RTU.Device)
	assert.Equal(t, 9600, cfg.Modbus.RTU.Baud)
	assert.Nil(t, cfg.Modbus.TCP)
}

func TestLoad_MissingConfigFileFails(t *testing.T) {
	_, err := Load([]string{"--config", "/does/not/exist.yaml"})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		var c Config
		c.Modbus.TCP = &TCPConfig{Host: "inverter", Port: 502}
		c.Modbus.UpdateInterval = 10 * time.Second
		c.MQTT.BrokerURL = "tcp://broker:1883"
		c.MQTT.QueueSize = 100
		return &c
	}

	assert.NoError(t, base().Validate())

	c := base()
	c.Modbus.TCP = nil
	assert.Error(t, c.Validate(), "no transport selected")

	c = base()
	c.Modbus.RTU = &RTUConfig{Device: "/dev/ttyUSB0"}
	assert.Error(t, c.Validate(), "both transports selected")

	c = base()
	c.Modbus.UpdateInterval = 0
	assert.Error(t, c.Validate())

	c = base()
	c.MQTT.BrokerURL = ""
	assert.Error(t, c.Validate())

	c = base()
	c.MQTT.QueueSize = 0
	assert.Error(t, c.Validate())
}
