package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// Generation modes.
const (
	ModeRandom  = "rand"
	ModeMRTFile = "mrt_file"
	ModeLive    = "live"
)

// Update types for random generation.
const (
	UpdateTypeAnnounce = "announce"
	UpdateTypeWithdraw = "withdraw"
	UpdateTypeMixed    = "mixed"
)

// Sink types.
const (
	SinkConsole = "console"
	SinkExaBGP  = "exabgp"
	SinkYaBGP   = "yabgp"
	SinkGoBGP   = "gobgp"
	SinkKafka   = "kafka"
	SinkJournal = "journal"
)

const envPrefix = "BGPGEN_"

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Generator GeneratorConfig `koanf:"generator"`
	MRT       MRTConfig       `koanf:"mrt"`
	Peers     []string        `koanf:"peers"`
	Sink      SinkConfig      `koanf:"sink"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Retention RetentionConfig `koanf:"retention"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type GeneratorConfig struct {
	Mode string `koanf:"mode"`
	// UpdateType only applies to random generation; empty means mixed.
	UpdateType              string   `koanf:"update_type"`
	Count                   int      `koanf:"count"`
	Rate                    float64  `koanf:"rate"`
	MaxPrefix               int      `koanf:"max_prefix"`
	NextHop                 []string `koanf:"nexthop"`
	LocalAS                 uint32   `koanf:"local_as"`
	LocalIP                 string   `koanf:"local_ip"`
	PrefixPool              string   `koanf:"prefix_pool"`
	MinDelayMs              int      `koanf:"min_delay_ms"`
	StatusIntervalSeconds   int      `koanf:"status_interval_seconds"`
	PeerWaitIntervalSeconds int      `koanf:"peer_wait_interval_seconds"`
	PeerWaitTimeoutSeconds  int      `koanf:"peer_wait_timeout_seconds"`
	Seed                    uint64   `koanf:"seed"`
}

type MRTConfig struct {
	File string `koanf:"file"`
}

type SinkConfig struct {
	Type    string        `koanf:"type"`
	ExaBGP  ExaBGPConfig  `koanf:"exabgp"`
	YaBGP   YaBGPConfig   `koanf:"yabgp"`
	GoBGP   GoBGPConfig   `koanf:"gobgp"`
	Kafka   KafkaSink     `koanf:"kafka"`
	Journal JournalConfig `koanf:"journal"`
}

type ExaBGPConfig struct {
	// Socket is a unix socket path; empty writes to stdout for use as an
	// ExaBGP api process.
	Socket string `koanf:"socket"`
}

type YaBGPConfig struct {
	URL       string `koanf:"url"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
	TimeoutMs int    `koanf:"timeout_ms"`
}

type GoBGPConfig struct {
	RouterID   string `koanf:"router_id"`
	ListenPort int32  `koanf:"listen_port"`
}

type KafkaSink struct {
	Topic string `koanf:"topic"`
}

type JournalConfig struct {
	BatchSize       int `koanf:"batch_size"`
	FlushIntervalMs int `koanf:"flush_interval_ms"`
}

type KafkaConfig struct {
	Brokers       []string   `koanf:"brokers"`
	ClientID      string     `koanf:"client_id"`
	TLS           TLSConfig  `koanf:"tls"`
	SASL          SASLConfig `koanf:"sasl"`
	Live          LiveConfig `koanf:"live"`
	FetchMaxBytes int32      `koanf:"fetch_max_bytes"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type LiveConfig struct {
	GroupID         string   `koanf:"group_id"`
	Topics          []string `koanf:"topics"`
	MaxPayloadBytes int      `koanf:"max_payload_bytes"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type RetentionConfig struct {
	Days int `koanf:"days"`
}

// Peer is a parsed "ip:port/asn" peer spec.
type Peer struct {
	Addr netip.Addr
	Port uint16
	AS   uint32
}

func (p Peer) String() string {
	return fmt.Sprintf("%s/%d", netip.AddrPortFrom(p.Addr, p.Port), p.AS)
}

// ParsePeer parses "ip:port/asn", e.g. "127.0.0.1:179/65000".
func ParsePeer(s string) (Peer, error) {
	addrPort, asn, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Peer{}, fmt.Errorf("peer %q: expected ip:port/asn", s)
	}
	ap, err := netip.ParseAddrPort(addrPort)
	if err != nil {
		return Peer{}, fmt.Errorf("peer %q: %w", s, err)
	}
	as, err := strconv.ParseUint(asn, 10, 32)
	if err != nil {
		return Peer{}, fmt.Errorf("peer %q: asn: %w", s, err)
	}
	return Peer{Addr: ap.Addr(), Port: ap.Port(), AS: uint32(as)}, nil
}

// Defaults returns the configuration used before any file, environment or
// flag overlay.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "bgp-update-gen-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Generator: GeneratorConfig{
			Mode:                    ModeRandom,
			MaxPrefix:               1,
			LocalAS:                 65000,
			LocalIP:                 "127.0.0.1",
			PrefixPool:              "0.0.0.0/0",
			MinDelayMs:              10,
			StatusIntervalSeconds:   10,
			PeerWaitIntervalSeconds: 1,
			PeerWaitTimeoutSeconds:  120,
		},
		Peers: []string{"127.0.0.1:179/65000"},
		Sink: SinkConfig{
			Type: SinkConsole,
			YaBGP: YaBGPConfig{
				URL:       "http://127.0.0.1:8801",
				Username:  "admin",
				Password:  "admin",
				TimeoutMs: 5000,
			},
			GoBGP: GoBGPConfig{
				ListenPort: -1,
			},
			Journal: JournalConfig{
				BatchSize:       500,
				FlushIntervalMs: 200,
			},
		},
		Kafka: KafkaConfig{
			ClientID:      "bgp-update-gen",
			FetchMaxBytes: 52428800,
			Live: LiveConfig{
				GroupID:         "bgp-update-gen-live",
				MaxPayloadBytes: 16777216,
			},
		},
		Postgres: PostgresConfig{
			MaxConns: 4,
			MinConns: 1,
		},
		Retention: RetentionConfig{
			Days: 7,
		},
	}
}

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"log-level":   "service.log_level",
	"http-listen": "service.http_listen",
	"mode":        "generator.mode",
	"update-type": "generator.update_type",
	"count":       "generator.count",
	"rate":        "generator.rate",
	"max-prefix":  "generator.max_prefix",
	"nexthop":     "generator.nexthop",
	"local-as":    "generator.local_as",
	"local-ip":    "generator.local_ip",
	"prefix-pool": "generator.prefix_pool",
	"seed":        "generator.seed",
	"mrt":         "mrt.file",
	"peers":       "peers",
	"sink":        "sink.type",
}

// NewFlagSet returns the flags accepted by the run and dump commands. Only
// flags that are explicitly set override file and environment values.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to YAML config file")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("http-listen", "", "address for /healthz, /readyz and /metrics")
	fs.String("mode", "", "generation mode: rand, mrt_file or live")
	fs.StringP("update-type", "t", "", "random update type: announce, withdraw or mixed")
	fs.IntP("count", "c", 0, "number of updates to send, 0 for no limit")
	fs.Float64P("rate", "r", 0, "updates per second; 0 replays MRT timing (1/s for random)")
	fs.IntP("max-prefix", "m", 1, "max prefixes per random update")
	fs.StringSlice("nexthop", nil, "nexthop pool for announcements")
	fs.Uint32("local-as", 0, "local ASN")
	fs.String("local-ip", "", "local IP")
	fs.String("prefix-pool", "", "prefix random /24s are drawn from")
	fs.Uint64("seed", 0, "random seed, 0 for a random seed")
	fs.String("mrt", "", "MRT file to replay")
	fs.StringSliceP("peers", "p", nil, "peers as ip:port/asn")
	fs.StringP("sink", "a", "", "sink: console, exabgp, yabgp, gobgp, kafka or journal")
	return fs
}

// Load builds the configuration from defaults, the YAML file at path,
// BGPGEN_ environment variables and fs, in increasing precedence. fs may be
// nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: BGPGEN_KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	if fs != nil {
		if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(fs, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("loading flags: %w", err)
		}
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	cfg.Peers = splitList(cfg.Peers)
	cfg.Generator.NextHop = splitList(cfg.Generator.NextHop)
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.Kafka.Live.Topics = splitList(cfg.Kafka.Live.Topics)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func splitList(in []string) []string {
	if len(in) == 1 && strings.Contains(in[0], ",") {
		var out []string
		for _, s := range strings.Split(in[0], ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return in
}

func (c *Config) Validate() error {
	g := &c.Generator

	switch g.Mode {
	case ModeRandom:
	case ModeMRTFile:
		if c.MRT.File == "" {
			return fmt.Errorf("config: mrt.file is required in %s mode", ModeMRTFile)
		}
	case ModeLive:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("config: kafka.brokers is required in %s mode", ModeLive)
		}
		if len(c.Kafka.Live.Topics) == 0 {
			return fmt.Errorf("config: kafka.live.topics is required in %s mode", ModeLive)
		}
		if c.Kafka.Live.GroupID == "" {
			return fmt.Errorf("config: kafka.live.group_id is required in %s mode", ModeLive)
		}
		if c.Kafka.FetchMaxBytes <= 0 {
			return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
		}
	default:
		return fmt.Errorf("config: unknown generator.mode %q", g.Mode)
	}

	switch g.UpdateType {
	case "", UpdateTypeAnnounce, UpdateTypeWithdraw, UpdateTypeMixed:
	default:
		return fmt.Errorf("config: unknown generator.update_type %q", g.UpdateType)
	}
	if g.UpdateType != "" && g.Mode != ModeRandom {
		return fmt.Errorf("config: generator.update_type only applies to %s mode (mode is %s)", ModeRandom, g.Mode)
	}

	if g.Count < 0 {
		return fmt.Errorf("config: generator.count must be >= 0 (got %d)", g.Count)
	}
	if g.Rate < 0 {
		return fmt.Errorf("config: generator.rate must be >= 0 (got %g)", g.Rate)
	}
	if g.MaxPrefix < 1 {
		return fmt.Errorf("config: generator.max_prefix must be >= 1 (got %d)", g.MaxPrefix)
	}
	if g.MinDelayMs < 0 {
		return fmt.Errorf("config: generator.min_delay_ms must be >= 0 (got %d)", g.MinDelayMs)
	}
	if g.StatusIntervalSeconds <= 0 {
		return fmt.Errorf("config: generator.status_interval_seconds must be > 0 (got %d)", g.StatusIntervalSeconds)
	}
	if g.PeerWaitIntervalSeconds <= 0 {
		return fmt.Errorf("config: generator.peer_wait_interval_seconds must be > 0 (got %d)", g.PeerWaitIntervalSeconds)
	}
	if g.PeerWaitTimeoutSeconds < 0 {
		return fmt.Errorf("config: generator.peer_wait_timeout_seconds must be >= 0 (got %d)", g.PeerWaitTimeoutSeconds)
	}
	if _, err := netip.ParseAddr(g.LocalIP); err != nil {
		return fmt.Errorf("config: generator.local_ip is invalid: %w", err)
	}

	pool, err := netip.ParsePrefix(g.PrefixPool)
	if err != nil {
		return fmt.Errorf("config: generator.prefix_pool is invalid: %w", err)
	}
	if !pool.Addr().Is4() || pool.Bits() > 24 {
		return fmt.Errorf("config: generator.prefix_pool must be an IPv4 prefix of /24 or shorter (got %s)", pool)
	}

	for _, nh := range g.NextHop {
		addr, err := netip.ParseAddr(nh)
		if err != nil {
			return fmt.Errorf("config: generator.nexthop %q is invalid: %w", nh, err)
		}
		if !addr.Is4() {
			return fmt.Errorf("config: generator.nexthop %q must be IPv4", nh)
		}
	}

	for _, p := range c.Peers {
		if _, err := ParsePeer(p); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}

	switch c.Sink.Type {
	case SinkConsole, SinkExaBGP:
	case SinkYaBGP:
		if c.Sink.YaBGP.URL == "" {
			return fmt.Errorf("config: sink.yabgp.url is required")
		}
		if c.Sink.YaBGP.TimeoutMs <= 0 {
			return fmt.Errorf("config: sink.yabgp.timeout_ms must be > 0 (got %d)", c.Sink.YaBGP.TimeoutMs)
		}
	case SinkGoBGP:
		if len(c.Peers) == 0 {
			return fmt.Errorf("config: peers is required for the %s sink", SinkGoBGP)
		}
		if c.Sink.GoBGP.RouterID != "" {
			if _, err := netip.ParseAddr(c.Sink.GoBGP.RouterID); err != nil {
				return fmt.Errorf("config: sink.gobgp.router_id is invalid: %w", err)
			}
		}
	case SinkKafka:
		if c.Sink.Kafka.Topic == "" {
			return fmt.Errorf("config: sink.kafka.topic is required")
		}
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("config: kafka.brokers is required for the %s sink", SinkKafka)
		}
	case SinkJournal:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("config: postgres.dsn is required for the %s sink", SinkJournal)
		}
		if c.Sink.Journal.BatchSize <= 0 {
			return fmt.Errorf("config: sink.journal.batch_size must be > 0 (got %d)", c.Sink.Journal.BatchSize)
		}
		if c.Sink.Journal.FlushIntervalMs <= 0 {
			return fmt.Errorf("config: sink.journal.flush_interval_ms must be > 0 (got %d)", c.Sink.Journal.FlushIntervalMs)
		}
	default:
		return fmt.Errorf("config: unknown sink.type %q", c.Sink.Type)
	}

	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	return nil
}

// EffectiveUpdateType returns the random update type, defaulting to mixed.
func (g *GeneratorConfig) EffectiveUpdateType() string {
	if g.UpdateType == "" {
		return UpdateTypeMixed
	}
	return g.UpdateType
}

// NextHops returns the parsed nexthop pool. Call after Validate.
func (g *GeneratorConfig) NextHops() []netip.Addr {
	out := make([]netip.Addr, 0, len(g.NextHop))
	for _, nh := range g.NextHop {
		if addr, err := netip.ParseAddr(nh); err == nil {
			out = append(out, addr)
		}
	}
	return out
}

// Pool returns the parsed prefix pool. Call after Validate.
func (g *GeneratorConfig) Pool() netip.Prefix {
	p, _ := netip.ParsePrefix(g.PrefixPool)
	return p.Masked()
}

// MinDelay returns the replay pacing floor.
func (g *GeneratorConfig) MinDelay() time.Duration {
	return time.Duration(g.MinDelayMs) * time.Millisecond
}

// ParsedPeers returns the parsed peer list. Call after Validate.
func (c *Config) ParsedPeers() []Peer {
	out := make([]Peer, 0, len(c.Peers))
	for _, s := range c.Peers {
		if p, err := ParsePeer(s); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	case "SCRAM-SHA-256":
		return scram.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsSha256Mechanism()
	case "SCRAM-SHA-512":
		return scram.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsSha512Mechanism()
	default:
		return nil
	}
}
