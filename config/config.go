package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/viper"
)

type Config struct {
	Devices   []DeviceConfig  `mapstructure:"devices"`
	Collector CollectorConfig `mapstructure:"collector"`
	Detection DetectionConfig `mapstructure:"detection"`
	API       APIConfig       `mapstructure:"api"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
}

type DeviceConfig struct {
	Name    string        `mapstructure:"name"`
	IP      string        `mapstructure:"ip"`
	Port    int           `mapstructure:"port"`
	UnitID  uint8         `mapstructure:"unit_id"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CollectorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Enabled  bool          `mapstructure:"enabled"`
	// RefreshSchedule is a cron spec for forced re-detection.
	RefreshSchedule string `mapstructure:"refresh_schedule"`
}

type DetectionConfig struct {
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	// Parameters overrides the register of optional parameters by name.
	Parameters map[string]uint16 `mapstructure:"parameters"`
}

type APIConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
	// Retention bounds how long detection history is kept.
	Retention time.Duration `mapstructure:"retention"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

const (
	defaultDevicePort    = 502
	defaultDeviceUnitID  = 1
	defaultDeviceTimeout = 5 * time.Second
)

func Load(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/eg4-monitor")
	}

	v.SetEnvPrefix("EG4")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("collector.interval", "60s")
	v.SetDefault("collector.enabled", true)
	v.SetDefault("collector.refresh_schedule", "0 3 * * *")
	v.SetDefault("detection.probe_timeout", "10s")
	v.SetDefault("api.port", 8045)
	v.SetDefault("api.enabled", true)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic_prefix", "eg4")
	v.SetDefault("mqtt.client_id", "eg4-monitor")
	v.SetDefault("database.path", "./eg4.db")
	v.SetDefault("database.retention", "720h")
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Port == 0 {
			d.Port = defaultDevicePort
		}
		if d.UnitID == 0 {
			d.UnitID = defaultDeviceUnitID
		}
		if d.Timeout == 0 {
			d.Timeout = defaultDeviceTimeout
		}
		if d.Name == "" {
			d.Name = fmt.Sprintf("%s:%d", d.IP, d.Port)
		}
	}

	// viper lower-cases map keys; parameter names are upper case
	if c.Detection.Parameters != nil {
		c.Detection.Parameters = lo.MapKeys(c.Detection.Parameters, func(_ uint16, name string) string {
			return strings.ToUpper(name)
		})
	}
}

func (c *Config) Validate() error {
	var errs []error
	for i, d := range c.Devices {
		if d.IP == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: ip is required", i))
		}
		if d.Port <= 0 || d.Port > 65535 {
			errs = append(errs, fmt.Errorf("devices[%d]: invalid port %d", i, d.Port))
		}
	}
	names := lo.Map(c.Devices, func(d DeviceConfig, _ int) string { return d.Name })
	for _, dup := range lo.FindDuplicates(names) {
		errs = append(errs, fmt.Errorf("duplicate device name %q", dup))
	}
	if c.Collector.Enabled && c.Collector.Interval <= 0 {
		errs = append(errs, fmt.Errorf("collector.interval must be positive"))
	}
	return errors.Join(errs...)
}

// Device returns the device with the given name.
func (c *Config) Device(name string) (DeviceConfig, bool) {
	return lo.Find(c.Devices, func(d DeviceConfig) bool { return d.Name == name })
}
