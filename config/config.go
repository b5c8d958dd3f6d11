package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"

	"github.com/angeloszaimis/node-gateway/internal/allowlist"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// EnvPrefix prefixes every environment override, e.g. GATEWAY_TIMEOUTS_CONNECT.
const EnvPrefix = "GATEWAY"

const minBufferSize = 512

type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// Enabled reports whether the listener terminates TLS.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != ""
}

type ListenerConfig struct {
	Address string    `mapstructure:"address"`
	TLS     TLSConfig `mapstructure:"tls"`
}

type ServerConfig struct {
	Environment   string           `mapstructure:"environment"`
	Listeners     []ListenerConfig `mapstructure:"listeners"`
	AdminAddress  string           `mapstructure:"admin_address"`
	WorkerCount   int              `mapstructure:"worker_count"`
	BufferSize    int              `mapstructure:"buffer_size"`
	ShutdownGrace time.Duration    `mapstructure:"shutdown_grace"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type AllowListConfig struct {
	File     string   `mapstructure:"file"`
	Prefixes []string `mapstructure:"prefixes"`
}

type ConnectionsConfig struct {
	MaxGlobal     int `mapstructure:"max_global"`
	MaxPerBackend int `mapstructure:"max_per_backend"`
}

type TimeoutsConfig struct {
	Connect time.Duration `mapstructure:"connect"`
	Client  time.Duration `mapstructure:"client"`
	Server  time.Duration `mapstructure:"server"`
}

type HealthCheckConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Path             string        `mapstructure:"path"`
}

type RuleConfig struct {
	Prefix string `mapstructure:"prefix"`
	Pool   string `mapstructure:"pool"`
}

type RoutingConfig struct {
	DefaultPool string       `mapstructure:"default_pool"`
	Rules       []RuleConfig `mapstructure:"rules"`
}

type PoolConfig struct {
	ID       string   `mapstructure:"id"`
	Backends []string `mapstructure:"backends"`
	// MaxConnectionsPerBackend overrides connections.max_per_backend when set.
	MaxConnectionsPerBackend int `mapstructure:"max_connections_per_backend"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	AllowList   AllowListConfig   `mapstructure:"allow_list"`
	Connections ConnectionsConfig `mapstructure:"connections"`
	Timeouts    TimeoutsConfig    `mapstructure:"timeouts"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Routing     RoutingConfig     `mapstructure:"routing"`
	Pools       []PoolConfig      `mapstructure:"pools"`
}

// BackendCeiling returns the per-backend connection ceiling for pool p.
func (c *Config) BackendCeiling(p PoolConfig) int {
	if p.MaxConnectionsPerBackend > 0 {
		return p.MaxConnectionsPerBackend
	}
	return c.Connections.MaxPerBackend
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.listeners", []map[string]interface{}{
		{"address": ":80"},
		{"address": ":443"},
	})
	v.SetDefault("server.admin_address", "")
	v.SetDefault("server.worker_count", 0)
	v.SetDefault("server.buffer_size", 16384)
	v.SetDefault("server.shutdown_grace", "10s")
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("allow_list.file", "")
	v.SetDefault("allow_list.prefixes", []string{})
	v.SetDefault("connections.max_global", 4096)
	v.SetDefault("connections.max_per_backend", 1024)
	v.SetDefault("timeouts.connect", "5s")
	v.SetDefault("timeouts.client", "50s")
	v.SetDefault("timeouts.server", "50s")
	v.SetDefault("health_check.interval", "2s")
	v.SetDefault("health_check.timeout", "1s")
	v.SetDefault("health_check.failure_threshold", 3)
	v.SetDefault("health_check.success_threshold", 2)
	v.SetDefault("health_check.path", "")
	v.SetDefault("routing.default_pool", "")
}

// Load reads path, or config.yaml from ./config or the working directory
// when path is empty, applies GATEWAY_* environment overrides and validates
// the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	poolIDs := make([]interface{}, 0, len(c.Pools))
	for _, p := range c.Pools {
		poolIDs = append(poolIDs, p.ID)
	}

	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Listeners,
						validation.Required,
						validation.Length(1, 0),
						validation.Each(validation.By(validateListenerConfig)),
					),
					validation.Field(&sc.AdminAddress,
						validation.By(validateHostPort),
					),
					validation.Field(&sc.WorkerCount,
						validation.Min(0),
					),
					validation.Field(&sc.BufferSize,
						validation.Required,
						validation.Min(minBufferSize),
					),
					validation.Field(&sc.ShutdownGrace,
						validation.By(validateNonNegativeDuration),
					),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.AllowList,
			validation.By(func(value interface{}) error {
				al, ok := value.(AllowListConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an AllowListConfig")
				}
				return validation.ValidateStruct(&al,
					validation.Field(&al.Prefixes,
						validation.Each(validation.By(validatePrefix)),
					),
				)
			}),
		),
		validation.Field(&c.Connections,
			validation.Required,
			validation.By(func(value interface{}) error {
				cc, ok := value.(ConnectionsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ConnectionsConfig")
				}
				return validation.ValidateStruct(&cc,
					validation.Field(&cc.MaxGlobal, validation.Required, validation.Min(1)),
					validation.Field(&cc.MaxPerBackend, validation.Required, validation.Min(1)),
				)
			}),
		),
		validation.Field(&c.Timeouts,
			validation.Required,
			validation.By(func(value interface{}) error {
				tc, ok := value.(TimeoutsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a TimeoutsConfig")
				}
				return validation.ValidateStruct(&tc,
					validation.Field(&tc.Connect, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&tc.Client, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&tc.Server, validation.Required, validation.By(validatePositiveDuration)),
				)
			}),
		),
		validation.Field(&c.HealthCheck,
			validation.Required,
			validation.By(func(value interface{}) error {
				hc, ok := value.(HealthCheckConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a HealthCheckConfig")
				}
				return validation.ValidateStruct(&hc,
					validation.Field(&hc.Interval,
						validation.Required,
						validation.By(validatePositiveDuration),
					),
					validation.Field(&hc.Timeout,
						validation.Required,
						validation.By(validatePositiveDuration),
						validation.By(func(value interface{}) error {
							if d, _ := value.(time.Duration); d > hc.Interval {
								return validation.NewError("validation_timeout_exceeds_interval", "must not exceed the interval")
							}
							return nil
						}),
					),
					validation.Field(&hc.FailureThreshold, validation.Required, validation.Min(1)),
					validation.Field(&hc.SuccessThreshold, validation.Required, validation.Min(1)),
					validation.Field(&hc.Path, validation.By(validatePath)),
				)
			}),
		),
		validation.Field(&c.Pools,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.By(validatePoolConfig)),
			validation.By(validateUniquePoolIDs),
		),
		validation.Field(&c.Routing,
			validation.Required,
			validation.By(func(value interface{}) error {
				rc, ok := value.(RoutingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a RoutingConfig")
				}
				return validation.ValidateStruct(&rc,
					validation.Field(&rc.DefaultPool,
						validation.Required,
						validation.In(poolIDs...).Error("must name a defined pool"),
					),
					validation.Field(&rc.Rules,
						validation.Each(validation.By(func(value interface{}) error {
							rule, ok := value.(RuleConfig)
							if !ok {
								return validation.NewError("validation_invalid_type", "must be a RuleConfig")
							}
							return validation.ValidateStruct(&rule,
								validation.Field(&rule.Prefix, validation.Required, validation.By(validatePath)),
								validation.Field(&rule.Pool,
									validation.Required,
									validation.In(poolIDs...).Error("must name a defined pool"),
								),
							)
						})),
					),
				)
			}),
		),
	)
}

func validateListenerConfig(value interface{}) error {
	lc, ok := value.(ListenerConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a ListenerConfig")
	}

	return validation.ValidateStruct(&lc,
		validation.Field(&lc.Address,
			validation.Required,
			validation.By(validateHostPort),
		),
		validation.Field(&lc.TLS,
			validation.By(func(value interface{}) error {
				tc, _ := value.(TLSConfig)
				if tc.Enabled() && (tc.CertFile == "" || tc.KeyFile == "") {
					return validation.NewError("validation_incomplete_tls", "cert_file and key_file must both be set")
				}
				return nil
			}),
		),
	)
}

func validatePoolConfig(value interface{}) error {
	pc, ok := value.(PoolConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a PoolConfig")
	}

	return validation.ValidateStruct(&pc,
		validation.Field(&pc.ID, validation.Required),
		validation.Field(&pc.Backends,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.By(validateBackendAddress)),
		),
		validation.Field(&pc.MaxConnectionsPerBackend, validation.Min(0)),
	)
}

func validateUniquePoolIDs(value interface{}) error {
	pools, ok := value.([]PoolConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of PoolConfig")
	}

	seen := make(map[string]struct{}, len(pools))
	for _, p := range pools {
		if _, dup := seen[p.ID]; dup {
			return validation.NewError("validation_duplicate_pool", fmt.Sprintf("pool id %q is defined more than once", p.ID))
		}
		seen[p.ID] = struct{}{}
	}

	return nil
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if addr == "" {
		return nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateBackendAddress(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return validation.NewError("validation_invalid_backend", "backend must be host:port")
	}

	return validateHostPort(addr)
}

func validatePrefix(value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if _, err := allowlist.ParsePrefix(s); err != nil {
		return validation.NewError("validation_invalid_prefix", "must be an IP address or CIDR prefix")
	}

	return nil
}

func validatePath(value interface{}) error {
	p, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if p != "" && !strings.HasPrefix(p, "/") {
		return validation.NewError("validation_invalid_path", "must start with /")
	}

	return nil
}

func validatePositiveDuration(value interface{}) error {
	d, ok := value.(time.Duration)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a duration")
	}

	if d <= 0 {
		return validation.NewError("validation_invalid_duration", "must be a positive duration (e.g., 2s, 5m, 1h)")
	}

	return nil
}

func validateNonNegativeDuration(value interface{}) error {
	d, ok := value.(time.Duration)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a duration")
	}

	if d < 0 {
		return validation.NewError("validation_invalid_duration", "must not be negative")
	}

	return nil
}
