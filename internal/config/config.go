package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"

	"github.com/BioHazard786/ZoneVoice/internal/protocol"
	"github.com/BioHazard786/ZoneVoice/internal/zone"
)

// Default configuration values
const (
	DefaultServerURL          = "ws://localhost:8080/ws"
	DefaultListenAddr         = ":8080"
	DefaultZoneSize           = zone.DefaultSize
	DefaultStartX             = 50.0
	DefaultStartY             = 50.0
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultCodec              = protocol.CodecJSON
	DefaultLogFormat          = "text"

	// EnvPrefix prefixes every environment variable the loader reads.
	EnvPrefix = "ZONEVOICE_"
)

// DefaultSTUNServers are used when no STUN server is configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

var (
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrRelayWithoutTURN    = errors.New("cannot force relay mode without a TURN server")
	ErrConfigFileNotParsed = errors.New("config file could not be parsed")
)

// Config holds application configuration
type Config struct {
	// Relay
	ServerURL  string  `yaml:"server_url"`
	ListenAddr string  `yaml:"listen_addr"`
	ZoneSize   float64 `yaml:"zone_size"`
	Codec      string  `yaml:"codec"`

	// ICE servers for WebRTC
	STUNServers []string `yaml:"stun_servers"`
	TURNServer  string   `yaml:"turn_server"`
	TURNUser    string   `yaml:"turn_user"`
	TURNPass    string   `yaml:"turn_pass"`
	ForceRelay  bool     `yaml:"force_relay"`

	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`

	// Participant
	UserID      string  `yaml:"user_id"`
	DisplayName string  `yaml:"display_name"`
	StartX      float64 `yaml:"start_x"`
	StartY      float64 `yaml:"start_y"`

	// Audio
	AudioFile string `yaml:"audio_file"`
	RecordDir string `yaml:"record_dir"`

	LogFormat string `yaml:"log_format"`
}

// Options carries CLI flag overrides. Empty strings and nil pointers mean
// the flag was not given.
type Options struct {
	ConfigFile string

	ServerURL  string
	ListenAddr string
	ZoneSize   *float64
	Codec      string

	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay *bool

	NegotiationTimeout *time.Duration

	UserID      string
	DisplayName string
	StartX      *float64
	StartY      *float64

	AudioFile string
	RecordDir string
	LogFormat string
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() *Config {
	return &Config{
		ServerURL:          DefaultServerURL,
		ListenAddr:         DefaultListenAddr,
		ZoneSize:           DefaultZoneSize,
		Codec:              DefaultCodec,
		STUNServers:        append([]string(nil), DefaultSTUNServers...),
		NegotiationTimeout: DefaultNegotiationTimeout,
		StartX:             DefaultStartX,
		StartY:             DefaultStartY,
		LogFormat:          DefaultLogFormat,
	}
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables (ZONEVOICE_*)
// 3. YAML config file (--config or ZONEVOICE_CONFIG)
// 4. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	cfg := Defaults()

	path := opts.ConfigFile
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyOptions(opts)
	cfg.fillIdentity()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfigFileNotParsed, path, err)
	}
	return nil
}

func (c *Config) loadEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	float := func(key string, dst *float64) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q", ErrInvalidConfig, EnvPrefix, key, v)
		}
		*dst = f
		return nil
	}

	str("SERVER_URL", &c.ServerURL)
	str("LISTEN_ADDR", &c.ListenAddr)
	str("CODEC", &c.Codec)
	str("TURN_SERVER", &c.TURNServer)
	str("TURN_USER", &c.TURNUser)
	str("TURN_PASS", &c.TURNPass)
	str("USER_ID", &c.UserID)
	str("DISPLAY_NAME", &c.DisplayName)
	str("AUDIO_FILE", &c.AudioFile)
	str("RECORD_DIR", &c.RecordDir)
	str("LOG_FORMAT", &c.LogFormat)

	if v, ok := lookup(EnvPrefix + "STUN_SERVER"); ok && v != "" {
		c.STUNServers = splitList(v)
	}

	for key, dst := range map[string]*float64{"ZONE_SIZE": &c.ZoneSize, "START_X": &c.StartX, "START_Y": &c.StartY} {
		if err := float(key, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup(EnvPrefix + "FORCE_RELAY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sFORCE_RELAY=%q", ErrInvalidConfig, EnvPrefix, v)
		}
		c.ForceRelay = b
	}
	if v, ok := lookup(EnvPrefix + "NEGOTIATION_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %sNEGOTIATION_TIMEOUT=%q", ErrInvalidConfig, EnvPrefix, v)
		}
		c.NegotiationTimeout = d
	}
	return nil
}

func (c *Config) applyOptions(opts Options) {
	set := func(v string, dst *string) {
		if v != "" {
			*dst = v
		}
	}
	set(opts.ServerURL, &c.ServerURL)
	set(opts.ListenAddr, &c.ListenAddr)
	set(opts.Codec, &c.Codec)
	set(opts.TURNServer, &c.TURNServer)
	set(opts.TURNUser, &c.TURNUser)
	set(opts.TURNPass, &c.TURNPass)
	set(opts.UserID, &c.UserID)
	set(opts.DisplayName, &c.DisplayName)
	set(opts.AudioFile, &c.AudioFile)
	set(opts.RecordDir, &c.RecordDir)
	set(opts.LogFormat, &c.LogFormat)

	if opts.STUNServer != "" {
		c.STUNServers = splitList(opts.STUNServer)
	}
	if opts.ZoneSize != nil {
		c.ZoneSize = *opts.ZoneSize
	}
	if opts.StartX != nil {
		c.StartX = *opts.StartX
	}
	if opts.StartY != nil {
		c.StartY = *opts.StartY
	}
	if opts.ForceRelay != nil {
		c.ForceRelay = *opts.ForceRelay
	}
	if opts.NegotiationTimeout != nil {
		c.NegotiationTimeout = *opts.NegotiationTimeout
	}
}

// fillIdentity supplies a user id and display name when none was given.
func (c *Config) fillIdentity() {
	if c.UserID == "" {
		c.UserID = uuid.NewString()
	}
	if c.DisplayName == "" {
		if u, err := user.Current(); err == nil && u.Username != "" {
			c.DisplayName = u.Username
		} else {
			c.DisplayName = "guest-" + c.UserID[:8]
		}
	}
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	if _, err := zone.NewGrid(c.ZoneSize); err != nil {
		return fmt.Errorf("%w: zone_size: %v", ErrInvalidConfig, err)
	}
	if _, err := protocol.CodecByName(c.Codec); err != nil {
		return fmt.Errorf("%w: codec: %v", ErrInvalidConfig, err)
	}
	if c.NegotiationTimeout <= 0 {
		return fmt.Errorf("%w: negotiation_timeout must be positive", ErrInvalidConfig)
	}
	if math.IsNaN(c.StartX) || math.IsNaN(c.StartY) || math.IsInf(c.StartX, 0) || math.IsInf(c.StartY, 0) {
		return fmt.Errorf("%w: start position must be finite", ErrInvalidConfig)
	}
	if u, err := url.Parse(c.ServerURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("%w: server_url %q must be a ws:// or wss:// URL", ErrInvalidConfig, c.ServerURL)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format %q", ErrInvalidConfig, c.LogFormat)
	}
	if c.ForceRelay && c.TURNServer == "" {
		return ErrRelayWithoutTURN
	}
	return nil
}

// Grid returns the zone grid for ZoneSize.
func (c *Config) Grid() zone.Grid {
	return zone.MustGrid(c.ZoneSize)
}

// TURNServers returns TURN server URLs if configured. A bare host expands
// to the usual UDP, TCP and TLS endpoints.
func (c *Config) TURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	if strings.Contains(c.TURNServer, "?") || strings.Count(c.TURNServer, ":") > 1 {
		return []string{c.TURNServer}
	}
	host := strings.TrimPrefix(strings.TrimPrefix(c.TURNServer, "turns:"), "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// ICEServers builds the pion ICE server list.
func (c *Config) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(c.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNServers})
	}
	if turn := c.TURNServers(); turn != nil {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}
	return servers
}

// ICETransportPolicy returns relay-only when a TURN server is configured
// and relaying is forced or the network looks restricted.
func (c *Config) ICETransportPolicy() webrtc.ICETransportPolicy {
	return c.icePolicy(ShouldForceRelay)
}

func (c *Config) icePolicy(restricted func() bool) webrtc.ICETransportPolicy {
	if c.TURNServer != "" && (c.ForceRelay || restricted()) {
		return webrtc.ICETransportPolicyRelay
	}
	return webrtc.ICETransportPolicyAll
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
