// Package config loads the kdcd configuration from a YAML or TOML file and
// KDCD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/kardianos/gokdc/kdc"
	"github.com/kardianos/gokdc/kdclog"
	"github.com/kardianos/gokdc/krb5"
)

// EnvPrefix prefixes every environment override, e.g. KDCD_POLICY_MAX_CLOCK_SKEW.
const EnvPrefix = "KDCD"

type Config struct {
	// Realm served by the KDC. Taken from default_realm in Krb5Conf when
	// empty.
	Realm string `mapstructure:"realm" validate:"required" yaml:"realm"`

	// Krb5Conf is an optional krb5.conf path.
	Krb5Conf string `mapstructure:"krb5_conf" yaml:"krb5_conf,omitempty"`

	// Listen is the UDP and TCP address. Default: ":88"
	Listen string `mapstructure:"listen" validate:"required,hostname_port" yaml:"listen"`

	ReusePort bool `mapstructure:"reuse_port" yaml:"reuse_port"`

	// MaxConcurrent bounds the messages handled at once. Default: 256
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"gte=1" yaml:"max_concurrent"`

	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	Policy PolicyConfig `mapstructure:"policy" yaml:"policy"`

	Database DatabaseConfig `mapstructure:"database" yaml:"database"`

	Keytab KeytabConfig `mapstructure:"keytab" yaml:"keytab"`

	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

type LoggingConfig struct {
	// Verbosity is 0 (errors) to 3 (trace). Default: 1
	Verbosity int `mapstructure:"verbosity" validate:"gte=0,lte=3" yaml:"verbosity"`

	// Areas limits output to the named areas. Empty means all.
	Areas []string `mapstructure:"areas" validate:"dive,oneof=general dispatch as tgs keys transport db" yaml:"areas,omitempty"`

	// Output is "stderr", "stdout" or a file path. Default: stderr
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

type PolicyConfig struct {
	// TicketLifetime is the longest ticket issued. Default: 10h
	TicketLifetime time.Duration `mapstructure:"ticket_lifetime" validate:"gt=0" yaml:"ticket_lifetime"`

	// MaxClockSkew is the tolerated clock difference. Default: 5m
	MaxClockSkew time.Duration `mapstructure:"max_clock_skew" validate:"gt=0" yaml:"max_clock_skew"`

	// EncTypes are the permitted enctypes, most preferred first.
	EncTypes []string `mapstructure:"enctypes" validate:"min=1,dive,oneof=aes256-cts-hmac-sha1-96 aes128-cts-hmac-sha1-96" yaml:"enctypes"`
}

type DatabaseConfig struct {
	// Type is "memory" or "badger". Default: memory
	Type string `mapstructure:"type" validate:"required,oneof=memory badger" yaml:"type"`

	// Path is the Badger directory.
	Path string `mapstructure:"path" validate:"required_if=Type badger" yaml:"path,omitempty"`

	// Principals are created at startup when missing.
	Principals []PrincipalConfig `mapstructure:"principals" validate:"dive" yaml:"principals,omitempty"`
}

type PrincipalConfig struct {
	Name     string `mapstructure:"name" validate:"required" yaml:"name"`
	Password string `mapstructure:"password" validate:"required" yaml:"password"`

	// KVNO of the derived keys. Default: 1
	KVNO int `mapstructure:"kvno" validate:"gte=0,lte=255" yaml:"kvno,omitempty"`

	DisablePreauth bool          `mapstructure:"disable_preauth" yaml:"disable_preauth,omitempty"`
	MaxLife        time.Duration `mapstructure:"max_life" validate:"gte=0" yaml:"max_life,omitempty"`
}

// KeytabConfig names an optional keytab holding the krbtgt keys. Without
// one the keys come from the database.
type KeytabConfig struct {
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// Principal selects the keytab entry. Default: krbtgt/REALM@REALM
	Principal string `mapstructure:"principal" yaml:"principal,omitempty"`

	// PollInterval is how often the file is checked for changes. Default: 1m
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gte=0" yaml:"poll_interval,omitempty"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9188".
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port" yaml:"addr,omitempty"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Load reads configPath, applies KDCD_* environment overrides and
// defaults, and validates the result. An empty configPath loads the
// environment and defaults only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyKrb5Conf(&cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// keys lists every leaf key so AutomaticEnv can see it during Unmarshal.
var keys = []string{
	"realm", "krb5_conf", "listen", "reuse_port", "max_concurrent",
	"logging.verbosity", "logging.areas", "logging.output",
	"policy.ticket_lifetime", "policy.max_clock_skew", "policy.enctypes",
	"database.type", "database.path",
	"keytab.path", "keytab.principal", "keytab.poll_interval",
	"metrics.addr",
}

func setupViper(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		v.SetDefault(k, nil)
	}
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

// applyKrb5Conf fills an empty realm from krb5.conf.
func applyKrb5Conf(cfg *Config) error {
	if cfg.Krb5Conf == "" || cfg.Realm != "" {
		return nil
	}
	kc, err := krb5config.Load(cfg.Krb5Conf)
	if err != nil {
		return fmt.Errorf("failed to load krb5.conf: %w", err)
	}
	cfg.Realm = kc.LibDefaults.DefaultRealm
	return nil
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":88"
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 256
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.Logging.Verbosity == 0 {
		cfg.Logging.Verbosity = kdclog.LevelInfo
	}
	for i, a := range cfg.Logging.Areas {
		cfg.Logging.Areas[i] = strings.ToLower(a)
	}

	def := kdc.DefaultPolicy()
	if cfg.Policy.TicketLifetime == 0 {
		cfg.Policy.TicketLifetime = def.TicketLifetime
	}
	if cfg.Policy.MaxClockSkew == 0 {
		cfg.Policy.MaxClockSkew = def.MaxClockSkew
	}
	if len(cfg.Policy.EncTypes) == 0 {
		for _, et := range def.ETypes {
			cfg.Policy.EncTypes = append(cfg.Policy.EncTypes, krb5.ETypeName(et))
		}
	}

	if cfg.Database.Type == "" {
		cfg.Database.Type = "memory"
	}
	for i := range cfg.Database.Principals {
		if cfg.Database.Principals[i].KVNO == 0 {
			cfg.Database.Principals[i].KVNO = 1
		}
	}

	if cfg.Keytab.Path != "" && cfg.Keytab.PollInterval == 0 {
		cfg.Keytab.PollInterval = time.Minute
	}
}

// Validate checks struct tags and the values tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q check (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}
	for _, p := range cfg.Database.Principals {
		if _, err := krb5.ParsePrincipal(p.Name, cfg.Realm); err != nil {
			return fmt.Errorf("database.principals: %w", err)
		}
	}
	if cfg.Keytab.Principal != "" {
		if _, err := krb5.ParsePrincipal(cfg.Keytab.Principal, cfg.Realm); err != nil {
			return fmt.Errorf("keytab.principal: %w", err)
		}
	}
	return nil
}

// ETypes maps Policy.EncTypes to enctype numbers.
func (c *Config) ETypes() ([]int32, error) {
	out := make([]int32, 0, len(c.Policy.EncTypes))
	for _, name := range c.Policy.EncTypes {
		id, ok := krb5.ETypeByName(name)
		if !ok {
			return nil, fmt.Errorf("unsupported enctype %q", name)
		}
		out = append(out, id)
	}
	return out, nil
}

// KDCPolicy is the policy section in the form kdc.Options takes.
func (c *Config) KDCPolicy() (kdc.Policy, error) {
	ets, err := c.ETypes()
	if err != nil {
		return kdc.Policy{}, err
	}
	return kdc.Policy{
		TicketLifetime: c.Policy.TicketLifetime,
		MaxClockSkew:   c.Policy.MaxClockSkew,
		ETypes:         ets,
	}, nil
}

// KeytabPrincipal is the keytab entry to use: the configured principal or
// the realm's krbtgt.
func (c *Config) KeytabPrincipal() (krb5.Principal, error) {
	if c.Keytab.Principal == "" {
		return krb5.Principal{Name: krb5.TGSName(c.Realm), Realm: c.Realm}, nil
	}
	return krb5.ParsePrincipal(c.Keytab.Principal, c.Realm)
}

// NewLogger builds the logger the logging section describes. The returned
// closer releases a log file and is a no-op for stderr and stdout.
func (c *Config) NewLogger() (*kdclog.Logger, io.Closer, error) {
	var (
		w      io.Writer
		closer io.Closer = nopCloser{}
	)
	switch c.Logging.Output {
	case "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(c.Logging.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = f, f
	}
	l := kdclog.New(w)
	l.SetVerbosity(c.Logging.Verbosity)
	for _, name := range c.Logging.Areas {
		a, err := kdclog.ParseArea(name)
		if err != nil {
			return nil, nil, err
		}
		l.EnableArea(a)
	}
	return l, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Redacted returns a copy with principal passwords masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Database.Principals = make([]PrincipalConfig, len(c.Database.Principals))
	for i, p := range c.Database.Principals {
		p.Password = "********"
		out.Database.Principals[i] = p
	}
	return &out
}

// WriteYAML writes cfg as YAML.
func WriteYAML(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return enc.Close()
}
