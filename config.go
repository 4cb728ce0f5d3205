package dstc

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Environment variables read by LoadConfigFromEnv.
const (
	EnvNodeID           = "DSTC_NODE_ID"
	EnvListenAddr       = "DSTC_LISTEN_ADDR"
	EnvPeers            = "DSTC_PEERS"
	EnvMaxPacketSize    = "DSTC_MAX_PACKET_SIZE"
	EnvAnnounceInterval = "DSTC_ANNOUNCE_INTERVAL"
	EnvSendRate         = "DSTC_SEND_RATE"
	EnvSendBurst        = "DSTC_SEND_BURST"
	EnvLogLevel         = "DSTC_LOG_LEVEL"
	EnvLogFormat        = "DSTC_LOG_FORMAT"
)

const (
	DefaultAnnounceInterval = 500 * time.Millisecond
	minPacketSize           = frameHeaderSize + 16
	maxPacketSize           = 16 * 1024 * 1024
)

// Config holds the settings of one bus node.
type Config struct {
	NodeID           uint32
	ListenAddr       string   // PUB endpoint, a free localhost port when empty
	Peers            []string // PUB endpoints of the other nodes
	MaxPacketSize    int
	AnnounceInterval time.Duration
	SendRate         float64 // packets per second, 0 for unlimited
	SendBurst        int
	LogLevel         string
	LogFormat        string
}

// DefaultConfig returns a config with a random node ID and no peers.
func DefaultConfig() Config {
	return Config{
		NodeID:           newNodeID(),
		MaxPacketSize:    DefaultMaxPacketSize,
		AnnounceInterval: DefaultAnnounceInterval,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

func newNodeID() uint32 {
	for {
		if id := uuid.New().ID(); id != 0 {
			return id
		}
	}
}

// LoadConfigFromEnv returns DefaultConfig overridden by DSTC_* variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// hclConfigFile is the layout of an HCL config file.
type hclConfigFile struct {
	NodeID           *int64   `hcl:"node_id,optional"`
	ListenAddr       *string  `hcl:"listen_addr,optional"`
	Peers            []string `hcl:"peers,optional"`
	MaxPacketSize    *int     `hcl:"max_packet_size,optional"`
	AnnounceInterval *string  `hcl:"announce_interval,optional"`
	SendRate         *float64 `hcl:"send_rate,optional"`
	SendBurst        *int     `hcl:"send_burst,optional"`
	Log              *hclLog  `hcl:"log,block"`
}

type hclLog struct {
	Level  *string `hcl:"level,optional"`
	Format *string `hcl:"format,optional"`
}

// LoadConfigFile reads an HCL config file on top of DefaultConfig, then
// applies DSTC_* environment overrides. Expressions in the file can read
// the environment as env.NAME.
//
//	node_id     = 17
//	listen_addr = "tcp://127.0.0.1:7400"
//	peers       = ["tcp://127.0.0.1:7401", "tcp://${env.PEER_HOST}:7400"]
//
//	log {
//	  level = "debug"
//	}
func LoadConfigFile(path string) (Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, diags)
	}

	var parsed hclConfigFile
	diags = gohcl.DecodeBody(file.Body, envEvalContext(os.Environ()), &parsed)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to decode config file %s: %w", path, diags)
	}

	cfg := DefaultConfig()
	if err := cfg.applyFile(&parsed); err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envEvalContext exposes environ as the object "env".
func envEvalContext(environ []string) *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(environ))
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		vars[name] = cty.StringVal(value)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(vars),
		},
	}
}

func (c *Config) applyFile(f *hclConfigFile) error {
	if f.NodeID != nil {
		if *f.NodeID <= 0 || *f.NodeID > math.MaxUint32 {
			return fmt.Errorf("node_id %d out of range", *f.NodeID)
		}
		c.NodeID = uint32(*f.NodeID)
	}
	if f.ListenAddr != nil {
		c.ListenAddr = *f.ListenAddr
	}
	if f.Peers != nil {
		c.Peers = f.Peers
	}
	if f.MaxPacketSize != nil {
		c.MaxPacketSize = *f.MaxPacketSize
	}
	if f.AnnounceInterval != nil {
		d, err := time.ParseDuration(*f.AnnounceInterval)
		if err != nil {
			return fmt.Errorf("announce_interval: %w", err)
		}
		c.AnnounceInterval = d
	}
	if f.SendRate != nil {
		c.SendRate = *f.SendRate
	}
	if f.SendBurst != nil {
		c.SendBurst = *f.SendBurst
	}
	if f.Log != nil {
		if f.Log.Level != nil {
			c.LogLevel = *f.Log.Level
		}
		if f.Log.Format != nil {
			c.LogFormat = *f.Log.Format
		}
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvNodeID); ok && v != "" {
		id, err := strconv.ParseUint(v, 0, 32)
		if err != nil || id == 0 {
			return fmt.Errorf("invalid %s %q", EnvNodeID, v)
		}
		c.NodeID = uint32(id)
	}
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		c.ListenAddr = v
	}
	if v, ok := lookup(EnvPeers); ok && v != "" {
		c.Peers = nil
		for _, peer := range strings.Split(v, ",") {
			if peer = strings.TrimSpace(peer); peer != "" {
				c.Peers = append(c.Peers, peer)
			}
		}
	}
	if v, ok := lookup(EnvMaxPacketSize); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvMaxPacketSize, v, err)
		}
		c.MaxPacketSize = n
	}
	if v, ok := lookup(EnvAnnounceInterval); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvAnnounceInterval, v, err)
		}
		c.AnnounceInterval = d
	}
	if v, ok := lookup(EnvSendRate); ok && v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvSendRate, v, err)
		}
		c.SendRate = r
	}
	if v, ok := lookup(EnvSendBurst); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvSendBurst, v, err)
		}
		c.SendBurst = n
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		c.LogFormat = v
	}
	return nil
}

// Validate checks that every setting is in range.
func (c *Config) Validate() error {
	if c.NodeID == 0 {
		return fmt.Errorf("node id must not be 0")
	}
	if c.MaxPacketSize < minPacketSize || c.MaxPacketSize > maxPacketSize {
		return fmt.Errorf("max packet size %d out of range (%d-%d)", c.MaxPacketSize, minPacketSize, maxPacketSize)
	}
	if c.AnnounceInterval <= 0 {
		return fmt.Errorf("announce interval must be positive, got %v", c.AnnounceInterval)
	}
	if c.SendRate < 0 || math.IsNaN(c.SendRate) || math.IsInf(c.SendRate, 0) {
		return fmt.Errorf("send rate %v out of range", c.SendRate)
	}
	if c.SendBurst < 0 {
		return fmt.Errorf("send burst %d must not be negative", c.SendBurst)
	}
	if c.ListenAddr != "" && !strings.Contains(c.ListenAddr, "://") {
		return fmt.Errorf("listen address %q has no transport prefix", c.ListenAddr)
	}
	for _, peer := range c.Peers {
		if !strings.Contains(peer, "://") {
			return fmt.Errorf("peer address %q has no transport prefix", peer)
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// Logger builds the logger described by LogLevel and LogFormat.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	return NewLogger(c.LogLevel, c.LogFormat, w)
}
