package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the agent process. It is built once
// at startup and passed by reference to the services that need it — no
// module-level mutable singleton.
type Config struct {
	MachineID  string           `mapstructure:"machine_id"`
	PLC        PLCConfig        `mapstructure:"plc"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Diagnostic DiagnosticConfig `mapstructure:"diagnostic"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Tunnel     TunnelConfig     `mapstructure:"tunnel"`
	GPIO       GPIOConfig       `mapstructure:"gpio"`
}

// PLCConfig configures the Modbus-TCP transport (§4.B).
type PLCConfig struct {
	IP               string        `mapstructure:"ip"`
	Port             int           `mapstructure:"port"`
	Hostname         string        `mapstructure:"hostname"`
	AutoDiscover     bool          `mapstructure:"auto_discover"`
	SlaveID          byte          `mapstructure:"slave_id"`
	ByteOrder        string        `mapstructure:"byte_order"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	Retries          int           `mapstructure:"retries"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// DatabaseConfig configures the Postgres persistence adapter (§4.H).
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	NotifyChannel   string        `mapstructure:"notify_channel"`
	EnableListener  bool          `mapstructure:"enable_listener"`
}

// SyncConfig configures the parameter synchronization loop (§4.E).
type SyncConfig struct {
	HZ float64 `mapstructure:"hz"`
}

// DispatcherConfig configures the command dispatcher (§4.F).
type DispatcherConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval_ms"`
}

// LoggerConfig configures structured logging.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	LogDir     string `mapstructure:"log_dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DiagnosticConfig configures the local diagnostics HTTP/WebSocket surface (§4.I).
type DiagnosticConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	JWTPublicKey  string `mapstructure:"jwt_public_key_path"`
}

// TelemetryConfig configures the InfluxDB and Redis telemetry sinks (§4.J).
type TelemetryConfig struct {
	InfluxURL    string `mapstructure:"influx_url"`
	InfluxToken  string `mapstructure:"influx_token"`
	InfluxOrg    string `mapstructure:"influx_org"`
	InfluxBucket string `mapstructure:"influx_bucket"`
	RedisAddr    string `mapstructure:"redis_addr"`
	RedisDB      int    `mapstructure:"redis_db"`
}

// ArchiveConfig configures the audit archive backend (§4.L).
type ArchiveConfig struct {
	Backend      string `mapstructure:"backend"` // "s3", "ftp", "none"
	AuditDBPath  string `mapstructure:"audit_db_path"`
	AuditMaxRows int    `mapstructure:"audit_max_rows"`

	S3Bucket string `mapstructure:"s3_bucket"`
	S3Region string `mapstructure:"s3_region"`
	S3Prefix string `mapstructure:"s3_prefix"`

	FTPHost     string `mapstructure:"ftp_host"`
	FTPUser     string `mapstructure:"ftp_user"`
	FTPPassword string `mapstructure:"ftp_password"`
	FTPDir      string `mapstructure:"ftp_dir"`
}

// MQTTConfig configures the optional SCADA bridge (§4.M).
type MQTTConfig struct {
	BrokerURL string `mapstructure:"broker_url"`
	ClientID  string `mapstructure:"client_id"`
}

// TunnelConfig configures the cloud command tunnel (§4.K).
type TunnelConfig struct {
	URL            string `mapstructure:"url"`
	DeviceTokenPath string `mapstructure:"device_token_path"`
}

// GPIOConfig configures the host heartbeat/e-stop lines (§4.N).
type GPIOConfig struct {
	HeartbeatPin int `mapstructure:"heartbeat_pin"`
	EstopPin     int `mapstructure:"estop_pin"`
}

// Load reads configuration from a file (if provided or discoverable) and
// overlays environment variables prefixed ALD_. Nested keys use
// "_" as the path separator (e.g. ALD_PLC_BYTE_ORDER -> plc.byte_order).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("ALD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the minimal set of settings the core subsystems cannot
// run without. A configuration error here is fatal at startup (exit code 1
// per the agent's exit-code contract).
func (c *Config) Validate() error {
	if c.MachineID == "" {
		return fmt.Errorf("configuration: machine_id is required")
	}
	if c.Database.Host == "" || c.Database.Name == "" {
		return fmt.Errorf("configuration: database.host and database.name are required")
	}
	if c.PLC.IP == "" && c.PLC.Hostname == "" && !c.PLC.AutoDiscover {
		return fmt.Errorf("configuration: at least one of plc.ip, plc.hostname, plc.auto_discover must be set")
	}
	if c.Sync.HZ <= 0 {
		return fmt.Errorf("configuration: sync.hz must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("plc.port", 502)
	v.SetDefault("plc.slave_id", 1)
	v.SetDefault("plc.byte_order", "badc")
	v.SetDefault("plc.connect_timeout", 10*time.Second)
	v.SetDefault("plc.retries", 3)
	v.SetDefault("plc.operation_timeout", 3*time.Second)

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.call_timeout", 10*time.Second)
	v.SetDefault("database.notify_channel", "ald_command_events")
	v.SetDefault("database.enable_listener", true)

	v.SetDefault("sync.hz", 1.0)
	v.SetDefault("dispatcher.poll_interval_ms", 500*time.Millisecond)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.log_dir", "./logs")
	v.SetDefault("logger.max_size_mb", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age_days", 7)
	v.SetDefault("logger.compress", true)

	v.SetDefault("diagnostic.enabled", true)
	v.SetDefault("diagnostic.addr", "127.0.0.1:9090")

	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.audit_db_path", "./data/audit.db")
	v.SetDefault("archive.audit_max_rows", 10000)
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".ald-control-agent")
}
