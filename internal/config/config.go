// Package config holds the connbridge configuration. Values come from
// defaults, an optional connbridge.yaml and CONNBRIDGE_* environment
// variables, in increasing precedence.
package config

import (
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration
type Config struct {
	NodeID  string        `mapstructure:"node_id"`
	Log     LogConfig     `mapstructure:"log"`
	API     APIConfig     `mapstructure:"api"`
	SIP     SIPConfig     `mapstructure:"sip"`
	Peer    PeerConfig    `mapstructure:"peer"`
	History HistoryConfig `mapstructure:"history"`
	Events  EventsConfig  `mapstructure:"events"`
}

// LogConfig controls logging
type LogConfig struct {
	Level string `mapstructure:"level"`
	// PII logs call addresses in clear instead of masking them.
	PII bool `mapstructure:"pii"`
}

// APIConfig controls the HTTP API and the authority WebSocket
type APIConfig struct {
	Addr string `mapstructure:"addr"`
	// AuthSecret is the HS256 key authorities sign their bearer token
	// with. Empty disables authentication.
	AuthSecret string `mapstructure:"auth_secret"`
}

// SIPConfig controls the SIP backend
type SIPConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Bind      string `mapstructure:"bind"`
	Port      int    `mapstructure:"port"`
	Advertise string `mapstructure:"advertise"`
	// PendingTTL is how long an unclaimed inbound INVITE is kept.
	PendingTTL time.Duration `mapstructure:"pending_ttl"`
}

// PeerConfig controls federation with other bridge nodes
type PeerConfig struct {
	// Addr is the gRPC listen address. Empty disables the peer server.
	Addr     string   `mapstructure:"addr"`
	Name     string   `mapstructure:"name"`
	Accounts []string `mapstructure:"accounts"`
	Schemes  []string `mapstructure:"schemes"`
	// Static lists peers known without asking the authority, as
	// "name=host:port,...".
	Static            string        `mapstructure:"static"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	KeepaliveTimeout  time.Duration `mapstructure:"keepalive_timeout"`
	MaxInFlight       int64         `mapstructure:"max_inflight"`
}

// HistoryConfig controls the call history store
type HistoryConfig struct {
	// Path is the sqlite file. Empty disables history.
	Path string `mapstructure:"path"`
}

// EventsConfig controls the bridge event stream
type EventsConfig struct {
	// NATSURL selects the NATS publisher. Empty logs events instead.
	NATSURL string `mapstructure:"nats_url"`
	Stream  string `mapstructure:"stream"`
}

// Default returns the default configuration
func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "connbridge"
	}
	return &Config{
		NodeID: hostname,
		Log: LogConfig{
			Level: "info",
		},
		API: APIConfig{
			Addr: ":8080",
		},
		SIP: SIPConfig{
			Enabled:    false,
			Bind:       "0.0.0.0",
			Port:       5060,
			PendingTTL: 32 * time.Second,
		},
		Peer: PeerConfig{
			Name:              hostname,
			Schemes:           []string{"tel", "sip"},
			ConnectTimeout:    10 * time.Second,
			KeepaliveInterval: 30 * time.Second,
			KeepaliveTimeout:  10 * time.Second,
			MaxInFlight:       16,
		},
		Events: EventsConfig{
			Stream: "CONNBRIDGE",
		},
	}
}

// SetDefaults registers the defaults with viper so they apply even
// without a config file.
func SetDefaults() {
	d := Default()

	viper.SetDefault("node_id", d.NodeID)

	viper.SetDefault("log.level", d.Log.Level)
	viper.SetDefault("log.pii", d.Log.PII)

	viper.SetDefault("api.addr", d.API.Addr)
	viper.SetDefault("api.auth_secret", d.API.AuthSecret)

	viper.SetDefault("sip.enabled", d.SIP.Enabled)
	viper.SetDefault("sip.bind", d.SIP.Bind)
	viper.SetDefault("sip.port", d.SIP.Port)
	viper.SetDefault("sip.advertise", d.SIP.Advertise)
	viper.SetDefault("sip.pending_ttl", d.SIP.PendingTTL)

	viper.SetDefault("peer.addr", d.Peer.Addr)
	viper.SetDefault("peer.name", d.Peer.Name)
	viper.SetDefault("peer.accounts", d.Peer.Accounts)
	viper.SetDefault("peer.schemes", d.Peer.Schemes)
	viper.SetDefault("peer.static", d.Peer.Static)
	viper.SetDefault("peer.connect_timeout", d.Peer.ConnectTimeout)
	viper.SetDefault("peer.keepalive_interval", d.Peer.KeepaliveInterval)
	viper.SetDefault("peer.keepalive_timeout", d.Peer.KeepaliveTimeout)
	viper.SetDefault("peer.max_inflight", d.Peer.MaxInFlight)

	viper.SetDefault("history.path", d.History.Path)

	viper.SetDefault("events.nats_url", d.Events.NATSURL)
	viper.SetDefault("events.stream", d.Events.Stream)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.SIP.Enabled && (cfg.SIP.Advertise == "" || !isValidAddress(cfg.SIP.Advertise)) {
		cfg.SIP.Advertise = getPrimaryInterfaceIP()
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// ParsePeers parses a comma-separated list of name=address pairs.
// Malformed items are skipped.
// Example: "east=10.0.0.5:9443,west=10.0.1.5:9443"
func ParsePeers(s string) map[string]string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	result := make(map[string]string)
	for _, p := range strings.Split(s, ",") {
		name, addr, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		addr = strings.TrimSpace(addr)
		if name != "" && addr != "" {
			result[name] = addr
		}
	}
	return result
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
