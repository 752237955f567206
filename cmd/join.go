package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/BioHazard786/ZoneVoice/internal/config"
	"github.com/BioHazard786/ZoneVoice/internal/dns"
	"github.com/BioHazard786/ZoneVoice/internal/logging"
	"github.com/BioHazard786/ZoneVoice/internal/media"
	"github.com/BioHazard786/ZoneVoice/internal/mesh"
	"github.com/BioHazard786/ZoneVoice/internal/presence"
	"github.com/BioHazard786/ZoneVoice/internal/protocol"
	"github.com/BioHazard786/ZoneVoice/internal/session"
	"github.com/BioHazard786/ZoneVoice/internal/signaling"
	"github.com/BioHazard786/ZoneVoice/internal/ui"
	"github.com/BioHazard786/ZoneVoice/internal/zone"
)

const (
	welcomeTimeout = 10 * time.Second
	drainTimeout   = 3 * time.Second
)

var (
	flagName     string
	flagUserID   string
	flagX        float64
	flagY        float64
	flagAudio    string
	flagRecord   string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagRelay    bool
	flagTimeout  time.Duration
)

var joinCmd = &cobra.Command{
	Use:     "join",
	Aliases: []string{"j"},
	Short:   "Enter the shared space and talk to everyone in your zone",
	Long: `Connect to a relay, enter the zone containing the start position and open
a voice link to every other participant there. Move with the arrow keys; crossing
a zone boundary switches the set of people you hear.

Examples:
  zonevoice join --name alice --audio voice.ogg
  zonevoice join --server wss://relay.example/ws --x 480 --y 20
  zonevoice join --turn turn.example --turn-user u --turn-pass p --relay`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, joinOptions(cmd))
		if err != nil {
			return err
		}
		return join(cmd.Context(), cfg)
	},
}

func joinOptions(cmd *cobra.Command) config.Options {
	opts := config.Options{
		UserID:      flagUserID,
		DisplayName: flagName,
		AudioFile:   flagAudio,
		RecordDir:   flagRecord,
		STUNServer:  flagSTUN,
		TURNServer:  flagTURN,
		TURNUser:    flagTURNUser,
		TURNPass:    flagTURNPass,
	}
	flags := cmd.Flags()
	if flags.Changed("x") {
		opts.StartX = &flagX
	}
	if flags.Changed("y") {
		opts.StartY = &flagY
	}
	if flags.Changed("relay") {
		opts.ForceRelay = &flagRelay
	}
	if flags.Changed("timeout") {
		opts.NegotiationTimeout = &flagTimeout
	}
	return opts
}

func join(ctx context.Context, cfg *config.Config) error {
	logger := logging.Init(cfg.LogFormat)

	if cfg.AudioFile != "" {
		if _, err := os.Stat(cfg.AudioFile); err != nil {
			return fmt.Errorf("audio file: %w", err)
		}
	}

	stopSpinner := ui.RunConnectionSpinner("Connecting to relay...")
	defer stopSpinner()

	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return err
	}
	client := signaling.NewClient(cfg.ServerURL, codec, dns.NewResolver(logger), logger.With("component", "signaling"))
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	defer client.Close()
	stopSpinner()

	stopSpinner = ui.RunWaitingSpinner("Waiting for the relay...")
	defer stopSpinner()
	handler := signaling.NewHandler(client, logger)
	welcomeCtx, cancel := context.WithTimeout(ctx, welcomeTimeout)
	welcome, err := handler.AwaitWelcome(welcomeCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("wait for relay welcome: %w", err)
	}
	stopSpinner()

	grid, err := relayGrid(welcome, cfg, logger)
	if err != nil {
		return err
	}
	sess := session.New(cfg.UserID, cfg.DisplayName, welcome.ConnectionID, client, logger)
	ui.PrintSuccessf("Connected as %s (%s)", ui.BoldStyle.Render(cfg.DisplayName), welcome.ConnectionID)

	track, err := media.NewOutboundTrack("zonevoice-" + welcome.ConnectionID)
	if err != nil {
		return err
	}
	sink, err := media.NewSink(cfg.RecordDir, logger.With("component", "sink"))
	if err != nil {
		return err
	}

	feed := ui.NewFeed()
	observer := newSessionObserver(feed, sink)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var source *media.Source
	if cfg.AudioFile != "" {
		source = media.NewSource(track, cfg.AudioFile, logger.With("component", "source"))
		go func() {
			if err := source.Run(runCtx); err != nil {
				logger.Error("audio source stopped", "error", err)
				feed.Printf("audio source stopped: %v", err)
			}
		}()
	}

	factory, err := mesh.NewPionFactory(mesh.ICEConfig{
		Servers: cfg.ICEServers(),
		Policy:  cfg.ICETransportPolicy(),
	})
	if err != nil {
		return err
	}
	manager := mesh.NewManager(sess, factory, track, mesh.Options{
		NegotiationTimeout: cfg.NegotiationTimeout,
		Observer:           observer,
	})
	pres := presence.New(sess, grid, manager, observer)
	manager.SetAdmit(pres.CoZoned)

	go handler.Run(pres, manager)
	go forwardRelayErrors(runCtx, handler, feed)

	started := time.Now()
	if err := pres.Start(cfg.StartX, cfg.StartY); err != nil {
		return fmt.Errorf("enter zone: %w", err)
	}

	ctrl := &zoneController{name: cfg.DisplayName, presence: pres, mesh: manager, source: source}
	program := tea.NewProgram(ui.NewZoneModel(ctrl, feed), tea.WithContext(runCtx))
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("zone view: %w", err)
	}

	stop()
	manager.CloseAll()
	client.Close()
	waitForSink(sink, drainTimeout)

	var frames uint64
	if source != nil {
		frames = source.Frames()
	}
	fmt.Println(ui.SessionSummaryView(observer.summary(cfg.DisplayName, started, frames)))
	return nil
}

// relayGrid uses the relay's zone size, which wins over local config.
func relayGrid(welcome *protocol.Welcome, cfg *config.Config, logger *slog.Logger) (zone.Grid, error) {
	if welcome.ZoneSize <= 0 {
		return cfg.Grid(), nil
	}
	if welcome.ZoneSize != cfg.ZoneSize {
		logger.Warn("relay zone size differs from local config, using the relay's",
			"relay", welcome.ZoneSize,
			"local", cfg.ZoneSize,
		)
	}
	grid, err := zone.NewGrid(welcome.ZoneSize)
	if err != nil {
		return zone.Grid{}, fmt.Errorf("relay announced an unusable zone size: %w", err)
	}
	return grid, nil
}

func forwardRelayErrors(ctx context.Context, handler *signaling.Handler, feed *ui.Feed) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-handler.Errors:
			feed.Printf("relay: %s", e.Reason)
		}
	}
}

func waitForSink(sink *media.Sink, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		sink.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagName, "name", "n", "", "Display name shown to other participants")
	joinCmd.Flags().StringVar(&flagUserID, "user-id", "", "Stable user id (random by default)")
	joinCmd.Flags().Float64Var(&flagX, "x", config.DefaultStartX, "Start position x")
	joinCmd.Flags().Float64Var(&flagY, "y", config.DefaultStartY, "Start position y")
	joinCmd.Flags().StringVarP(&flagAudio, "audio", "a", "", "Ogg/Opus file to stream as your voice (looped)")
	joinCmd.Flags().StringVarP(&flagRecord, "record", "r", "", "Directory to record each peer's audio into")
	joinCmd.Flags().StringVar(&flagSTUN, "stun", "", "STUN server URLs, comma separated")
	joinCmd.Flags().StringVar(&flagTURN, "turn", "", "TURN server URL or host")
	joinCmd.Flags().StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	joinCmd.Flags().StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	joinCmd.Flags().BoolVar(&flagRelay, "relay", false, "Force TURN relay mode")
	joinCmd.Flags().DurationVar(&flagTimeout, "timeout", config.DefaultNegotiationTimeout, "Per-peer negotiation timeout")
}
