// Package config loads the bridge configuration from defaults, a YAML
// config file, FRONIUS_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// TCPConfig selects Modbus TCP.
type TCPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// RTUConfig selects Modbus RTU.
type RTUConfig struct {
	Device string `mapstructure:"device"`
	Baud   int    `mapstructure:"baud"`
}

// Config holds all configuration for the bridge.
type Config struct {
	// LogLevel for the application-wide logger (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level"`

	// HTTPPort is the listen address of the health check server.
	HTTPPort string `mapstructure:"http_port"`

	// Modbus holds the device polling settings.
	Modbus struct {
		TCP             *TCPConfig    `mapstructure:"tcp"`
		RTU             *RTUConfig    `mapstructure:"rtu"`
		SlaveID         uint8         `mapstructure:"slave_id"`
		ResponseTimeout time.Duration `mapstructure:"response_timeout"`
		UpdateInterval  time.Duration `mapstructure:"update_interval"`

		// RefetchIdentity re-reads the device identity after every
		// reconnect instead of once per process lifetime.
		RefetchIdentity bool `mapstructure:"refetch_identity"`

		ReconnectDelayMin    time.Duration `mapstructure:"reconnect_delay_min"`
		ReconnectDelayMax    time.Duration `mapstructure:"reconnect_delay_max"`
		ReconnectExponential bool          `mapstructure:"reconnect_exponential"`
	} `mapstructure:"modbus"`

	// MQTT holds the broker settings.
	MQTT struct {
		BrokerURL      string `mapstructure:"broker_url"`
		Topic          string `mapstructure:"topic"`
		ClientIDPrefix string `mapstructure:"client_id_prefix"`
		Username       string `mapstructure:"username"`
		Password       string `mapstructure:"password"`

		QueueSize int `mapstructure:"queue_size"`

		KeepAlive        time.Duration `mapstructure:"keep_alive"`
		ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
		ReconnectWaitMax time.Duration `mapstructure:"reconnect_wait_max"`
		PublishTimeout   time.Duration `mapstructure:"publish_timeout"`

		CACertFile         string `mapstructure:"ca_cert_file"`
		ClientCertFile     string `mapstructure:"client_cert_file"`
		ClientKeyFile      string `mapstructure:"client_key_file"`
		InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	} `mapstructure:"mqtt"`
}

// Load initializes and loads the bridge configuration. args are the
// command-line arguments without the program name.
func Load(args []string) (*Config, error) {
	v := viper.New()

	// --- 1. Defaults ---
	v.SetDefault("log_level", "info")
	v.SetDefault("http_port", ":8080")
	v.SetDefault("modbus.slave_id", 1)
	v.SetDefault("modbus.response_timeout", 2*time.Second)
	v.SetDefault("modbus.update_interval", 10*time.Second)
	v.SetDefault("modbus.refetch_identity", false)
	v.SetDefault("modbus.reconnect_delay_min", 1*time.Second)
	v.SetDefault("modbus.reconnect_delay_max", 60*time.Second)
	v.SetDefault("modbus.reconnect_exponential", true)
	v.SetDefault("mqtt.topic", "fronius")
	v.SetDefault("mqtt.client_id_prefix", "fronius-bridge")
	v.SetDefault("mqtt.queue_size", 100)
	v.SetDefault("mqtt.keep_alive", 60*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_wait_max", 120*time.Second)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)

	// --- 2. Command-line overrides ---
	flags := pflag.NewFlagSet("fronius-bridge", pflag.ContinueOnError)
	flags.StringP("config", "c", "", "Path to config file")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("broker-url", "", "MQTT broker URL")
	flags.String("topic", "", "MQTT topic root")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	// --- 3. Config file ---
	if configFile, _ := flags.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	// --- 4. Environment variables, e.g. FRONIUS_MQTT_BROKER_URL ---
	v.SetEnvPrefix("FRONIUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about; keys
	// without a default must be bound explicitly or they are invisible to
	// env-only configuration.
	for _, key := range []string{
		"mqtt.broker_url",
		"mqtt.username",
		"mqtt.password",
		"mqtt.ca_cert_file",
		"mqtt.client_cert_file",
		"mqtt.client_key_file",
		"mqtt.insecure_skip_verify",
		"modbus.tcp.host",
		"modbus.tcp.port",
		"modbus.rtu.device",
		"modbus.rtu.baud",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	// --- 5. Map flags onto config keys where set ---
	if s, _ := flags.GetString("log-level"); s != "" {
		v.Set("log_level", s)
	}
	if s, _ := flags.GetString("broker-url"); s != "" {
		v.Set("mqtt.broker_url", s)
	}
	if s, _ := flags.GetString("topic"); s != "" {
		v.Set("mqtt.topic", s)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded configuration for consistency.
func (c *Config) Validate() error {
	if (c.Modbus.TCP == nil) == (c.Modbus.RTU == nil) {
		return errors.New("config: exactly one of modbus.tcp or modbus.rtu must be set")
	}
	if c.Modbus.UpdateInterval <= 0 {
		return errors.New("config: modbus.update_interval must be positive")
	}
	if c.MQTT.BrokerURL == "" {
		return errors.New("config: mqtt.broker_url is required")
	}
	if c.MQTT.QueueSize < 1 {
		return errors.New("config: mqtt.queue_size must be at least 1")
	}
	return nil
}
