// Package config holds runtime configuration for the softphone binary.
// Precedence: CLI flags > env vars > defaults.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server          string
	Port            int
	User            string
	Password        string
	BindIP          string
	BindPort        int
	Transport       string // UDP, TCP or TLS
	TLSCert         string
	TLSKey          string
	DefaultExpires  time.Duration
	RegisterTimeout time.Duration
	AllowBasicAuth  bool
	MetricsAddr     string
	LogLevel        string
	LogFormat       string // "console" or "json"
}

const (
	defaultBindIP   = "0.0.0.0"
	defaultBindPort = 5060
	defaultLogLevel = "info"
)

// envPrefix is the prefix for all govoip environment variables.
const envPrefix = "GOVOIP_"

// Load parses configuration from CLI flags and environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("softphone", flag.ContinueOnError)

	fs.StringVar(&cfg.Server, "server", "", "registrar/proxy host")
	fs.IntVar(&cfg.Port, "port", 5060, "registrar/proxy port")
	fs.StringVar(&cfg.User, "user", "", "SIP account user")
	fs.StringVar(&cfg.Password, "password", "", "SIP account password")
	fs.StringVar(&cfg.BindIP, "bind-ip", defaultBindIP, "local signaling bind address")
	fs.IntVar(&cfg.BindPort, "bind-port", defaultBindPort, "local signaling bind port")
	fs.StringVar(&cfg.Transport, "transport", "UDP", "signaling transport (UDP, TCP, TLS)")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS client certificate")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS client key")
	fs.DurationVar(&cfg.DefaultExpires, "expires", 120*time.Second, "registration lifetime")
	fs.DurationVar(&cfg.RegisterTimeout, "register-timeout", 30*time.Second, "100 Trying timeout")
	fs.BoolVar(&cfg.AllowBasicAuth, "allow-basic-auth", false, "permit basic authentication (sends the password in clear)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "prometheus listen address, empty disables metrics")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", "console", "log output format (console, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides sets any flag not given on the command line from its
// GOVOIP_ environment variable, keeping CLI precedence.
func applyEnvOverrides(fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		env := envPrefix + flagToEnv(f.Name)
		if v, ok := os.LookupEnv(env); ok {
			fs.Set(f.Name, v)
		}
	})
}

func flagToEnv(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '-':
			out[i] = '_'
		case 'a' <= c && c <= 'z':
			out[i] = c - 'a' + 'A'
		default:
			out[i] = c
		}
	}
	return string(out)
}

func (c *Config) validate() error {
	if c.Server == "" {
		return fmt.Errorf("server is required")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	switch c.Transport {
	case "UDP", "TCP", "TLS":
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Transport == "TLS" && (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must be given together")
	}
	if c.BindPort < 1 || c.BindPort > 65535 {
		return fmt.Errorf("bind-port out of range: %s", strconv.Itoa(c.BindPort))
	}
	return nil
}
