package config

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG", "SERVER_URL", "LISTEN_ADDR", "CODEC", "ZONE_SIZE", "STUN_SERVER",
		"TURN_SERVER", "TURN_USER", "TURN_PASS", "FORCE_RELAY", "NEGOTIATION_TIMEOUT",
		"USER_ID", "DISPLAY_NAME", "START_X", "START_Y", "AUDIO_FILE", "RECORD_DIR", "LOG_FORMAT",
	} {
		t.Setenv(EnvPrefix+key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ZoneSize != DefaultZoneSize || cfg.StartX != DefaultStartX || cfg.Codec != DefaultCodec {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.NegotiationTimeout != DefaultNegotiationTimeout {
		t.Errorf("negotiation timeout = %v", cfg.NegotiationTimeout)
	}
	if cfg.UserID == "" || cfg.DisplayName == "" {
		t.Errorf("identity not filled: %q %q", cfg.UserID, cfg.DisplayName)
	}
	if len(cfg.ICEServers()) != 1 {
		t.Errorf("ice servers = %+v, want only STUN", cfg.ICEServers())
	}
}

func TestLoadPriority(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "zonevoice.yaml")
	file := []byte(`
server_url: ws://file.example/ws
zone_size: 250
display_name: from-file
negotiation_timeout: 10s
start_x: 5
`)
	if err := os.WriteFile(path, file, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv(EnvPrefix+"DISPLAY_NAME", "from-env")
	t.Setenv(EnvPrefix+"START_X", "7")

	x := 9.0
	cfg, err := Load(Options{ConfigFile: path, StartX: &x})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ServerURL != "ws://file.example/ws" || cfg.ZoneSize != 250 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.NegotiationTimeout != 10*time.Second {
		t.Errorf("negotiation timeout = %v", cfg.NegotiationTimeout)
	}
	if cfg.DisplayName != "from-env" {
		t.Errorf("display name = %q, env should beat file", cfg.DisplayName)
	}
	if cfg.StartX != 9 {
		t.Errorf("start x = %v, flag should beat env", cfg.StartX)
	}
	if cfg.StartY != DefaultStartY {
		t.Errorf("start y = %v", cfg.StartY)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	bad, tiny := -1.0, 1e-9
	relay := true
	cases := map[string]struct {
		env  map[string]string
		opts Options
		want error
	}{
		"zone size":     {opts: Options{ZoneSize: &bad}, want: ErrInvalidConfig},
		"tiny zone":     {opts: Options{ZoneSize: &tiny}, want: ErrInvalidConfig},
		"codec":         {opts: Options{Codec: "xml"}, want: ErrInvalidConfig},
		"server scheme": {opts: Options{ServerURL: "http://relay"}, want: ErrInvalidConfig},
		"log format":    {opts: Options{LogFormat: "xml"}, want: ErrInvalidConfig},
		"env float":     {env: map[string]string{"ZONE_SIZE": "wide"}, want: ErrInvalidConfig},
		"env bool":      {env: map[string]string{"FORCE_RELAY": "maybe"}, want: ErrInvalidConfig},
		"relay no turn": {opts: Options{ForceRelay: &relay}, want: ErrRelayWithoutTURN},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(EnvPrefix+k, v)
			}
			_, err := Load(tc.opts)
			if !errors.Is(err, tc.want) {
				t.Errorf("load = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestLoadUnparsableFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("zone_size: [1, 2"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(Options{ConfigFile: path}); !errors.Is(err, ErrConfigFileNotParsed) {
		t.Errorf("load = %v, want ErrConfigFileNotParsed", err)
	}
}

func TestTURNServers(t *testing.T) {
	cfg := Defaults()
	cfg.TURNServer = "turn:relay.example"
	got := cfg.TURNServers()
	want := []string{
		"turn:relay.example:3478?transport=udp",
		"turn:relay.example:3478?transport=tcp",
		"turns:relay.example:5349?transport=tcp",
	}
	if len(got) != len(want) {
		t.Fatalf("turn servers = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("turn[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	cfg.TURNServer = "turn:relay.example:3478?transport=udp"
	if got := cfg.TURNServers(); len(got) != 1 || got[0] != cfg.TURNServer {
		t.Errorf("explicit turn url rewritten: %v", got)
	}
}

func TestICEPolicy(t *testing.T) {
	never := func() bool { return false }
	always := func() bool { return true }

	cfg := Defaults()
	if cfg.icePolicy(always) != webrtc.ICETransportPolicyAll {
		t.Error("relay policy without a TURN server")
	}

	cfg.TURNServer = "relay.example"
	if cfg.icePolicy(never) != webrtc.ICETransportPolicyAll {
		t.Error("relay policy on an open network")
	}
	if cfg.icePolicy(always) != webrtc.ICETransportPolicyRelay {
		t.Error("restricted network did not force relay")
	}
	cfg.ForceRelay = true
	if cfg.icePolicy(never) != webrtc.ICETransportPolicyRelay {
		t.Error("force_relay ignored")
	}

	servers := cfg.ICEServers()
	if len(servers) != 2 || servers[1].Username != cfg.TURNUser {
		t.Errorf("ice servers = %+v", servers)
	}
}

func TestRestrictedInterface(t *testing.T) {
	cgnat := &net.IPNet{IP: net.ParseIP("100.100.1.2"), Mask: net.CIDRMask(32, 32)}
	lan := &net.IPNet{IP: net.ParseIP("192.168.1.20"), Mask: net.CIDRMask(24, 32)}

	if !restrictedInterface("wg0", nil) {
		t.Error("wireguard interface not detected")
	}
	if !restrictedInterface("eth0", []net.Addr{cgnat}) {
		t.Error("CGNAT address not detected")
	}
	if restrictedInterface("eth0", []net.Addr{lan}) {
		t.Error("LAN interface flagged as restricted")
	}
}
