// Package config loads the daemon's TOML configuration file. It owns the
// file format and defaulting only; command-line flag parsing belongs to
// cmd/emrelayd, whose flags select the file to load and do not override
// any value in the loaded Config.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"blitiri.com.ar/go/log"
	toml "github.com/pelletier/go-toml/v2"
)

// ListenerMode names the port policy for one Listeners entry.
type ListenerMode string

const (
	ModeSMTP          ListenerMode = "smtp"
	ModeSubmission    ListenerMode = "submission"
	ModeSubmissionTLS ListenerMode = "submission-tls"
)

// ListenerConfig is one address to accept connections on. "systemd" as the
// address means take the listener from socket activation instead of
// binding it directly, matching the teacher's own convention.
type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
}

// TLSConfig points at the certificate/key pair and minimum version policy.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// MinTLSVersion returns the crypto/tls constant for MinVersion, defaulting
// to TLS 1.2.
func (t TLSConfig) MinTLSVersion() uint16 {
	switch t.MinVersion {
	case "1.0":
		return tls.VersionTLS10
	case "1.1":
		return tls.VersionTLS11
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

// LimitsConfig bounds per-message resource use.
type LimitsConfig struct {
	MaxDataSizeMB      int `toml:"max_data_size_mb"`
	MaxRecipients      int `toml:"max_recipients"`
	MaxReceivedHeaders int `toml:"max_received_headers"`
}

// MaxDataSize returns the configured message size limit in bytes.
func (l LimitsConfig) MaxDataSize() int64 { return int64(l.MaxDataSizeMB) * 1024 * 1024 }

// DeliveryConfig configures the local delivery agent the post-DATA hook
// ultimately hands accepted mail to.
type DeliveryConfig struct {
	AgentBin  string   `toml:"agent_bin"`
	AgentArgs []string `toml:"agent_args"`
}

// DovecotConfig configures authentication and address lookups delegated to
// a running Dovecot instance, for deployments that already run one.
type DovecotConfig struct {
	Enabled    bool   `toml:"enabled"`
	UserdbPath string `toml:"userdb_path"`
	ClientPath string `toml:"client_path"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Address string `toml:"address"`
}

// StoreConfig configures the on-disk envelope+content spool and its
// retry/giveup policy.
type StoreConfig struct {
	DataDir         string `toml:"data_dir"`
	MaxQueueItems   int    `toml:"max_queue_items"`
	GiveUpSendAfter string `toml:"give_up_send_after"`
}

// GiveUpSendAfterDuration parses GiveUpSendAfter; Load validates it at load
// time so the error here can be ignored.
func (s StoreConfig) GiveUpSendAfterDuration() time.Duration {
	d, _ := time.ParseDuration(s.GiveUpSendAfter)
	return d
}

// DNSBLConfig configures one DNS blocklist zone set, in the dual
// string-config format internal/dnsbl.ParseConfig understands.
type DNSBLConfig struct {
	Spec string `toml:"spec"`
}

// FiltersConfig enables optional post-acceptance processing stages.
type FiltersConfig struct {
	MXRouting     bool          `toml:"mx_routing"`
	SplitByDomain bool          `toml:"split_by_domain"`
	DNSBLs        []DNSBLConfig `toml:"dnsbl"`
}

// Config is the complete daemon configuration.
type Config struct {
	Hostname         string           `toml:"hostname"`
	MailLogPath      string           `toml:"mail_log_path"`
	SuffixSeparators string           `toml:"suffix_separators"`
	DropCharacters   string           `toml:"drop_characters"`
	LocalDomains     []string         `toml:"local_domains"`
	Listeners        []ListenerConfig `toml:"listeners"`
	HAProxyIncoming  bool             `toml:"haproxy_incoming"`
	TLS              TLSConfig        `toml:"tls"`
	Limits           LimitsConfig     `toml:"limits"`
	Timeouts         TimeoutsConfig   `toml:"timeouts"`
	Metrics          MetricsConfig    `toml:"metrics"`
	Store            StoreConfig      `toml:"store"`
	Delivery         DeliveryConfig   `toml:"delivery"`
	Dovecot          DovecotConfig    `toml:"dovecot"`
	Filters          FiltersConfig    `toml:"filters"`
	UserDBPath       string           `toml:"userdb_path"`
}

// TimeoutsConfig holds connection and command timeouts as duration
// strings. cmd/emrelayd does not read them; the SMTP server uses its own
// timeout defaults.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Command    string `toml:"command"`
}

// ConnectionTimeout returns Connection parsed as a duration, defaulting to
// 20 minutes.
func (t TimeoutsConfig) ConnectionTimeout() time.Duration { return parseOr(t.Connection, 20*time.Minute) }

// CommandTimeout returns Command parsed as a duration, defaulting to 1
// minute.
func (t TimeoutsConfig) CommandTimeout() time.Duration { return parseOr(t.Command, 1*time.Minute) }

func parseOr(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}

func defaultConfig() Config {
	return Config{
		Limits: LimitsConfig{
			MaxDataSizeMB:      50,
			MaxRecipients:      100,
			MaxReceivedHeaders: 100,
		},
		Listeners: []ListenerConfig{
			{Address: "systemd", Mode: ModeSMTP},
			{Address: "systemd", Mode: ModeSubmission},
			{Address: "systemd", Mode: ModeSubmissionTLS},
		},
		Delivery: DeliveryConfig{
			AgentBin:  "maildrop",
			AgentArgs: []string{"-f", "%from%", "-d", "%to_user%"},
		},
		Store: StoreConfig{
			DataDir:         "/var/lib/emrelay",
			MaxQueueItems:   200,
			GiveUpSendAfter: "20h",
		},
		MailLogPath:      "<syslog>",
		SuffixSeparators: "+",
		DropCharacters:   ".",
		TLS:              TLSConfig{MinVersion: "1.2"},
		Timeouts:         TimeoutsConfig{Connection: "20m", Command: "1m"},
	}
}

// Load reads and parses path as TOML on top of the package defaults. If
// the file does not exist this returns an error (unlike some of the other
// loaders in the corpus), since a daemon started without any configuration
// at all is very likely a deployment mistake rather than an intentional
// all-defaults run.
func Load(path string) (*Config, error) {
	c := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
	}

	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing config: %v", err)
	}

	if c.Hostname == "" {
		c.Hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
	}

	if _, err := time.ParseDuration(c.Store.GiveUpSendAfter); err != nil {
		return nil, fmt.Errorf(
			"invalid store.give_up_send_after value %q: %v", c.Store.GiveUpSendAfter, err)
	}

	return &c, nil
}

// LogConfig logs the given configuration, in a human-friendly way.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  Max data size (MB): %d", c.Limits.MaxDataSizeMB)
	log.Infof("  Listeners: %+v", c.Listeners)
	log.Infof("  Metrics address: %q", c.Metrics.Address)
	log.Infof("  MDA: %q %q", c.Delivery.AgentBin, c.Delivery.AgentArgs)
	log.Infof("  Data directory: %q", c.Store.DataDir)
	log.Infof("  Suffix separators: %q", c.SuffixSeparators)
	log.Infof("  Drop characters: %q", c.DropCharacters)
	log.Infof("  Mail log: %q", c.MailLogPath)
	log.Infof("  Dovecot auth: %v (%q, %q)",
		c.Dovecot.Enabled, c.Dovecot.UserdbPath, c.Dovecot.ClientPath)
	log.Infof("  HAProxy incoming: %v", c.HAProxyIncoming)
	log.Infof("  Max queue items: %d", c.Store.MaxQueueItems)
	log.Infof("  Give up send after: %s", c.Store.GiveUpSendAfterDuration())
}
