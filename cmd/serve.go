package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/ZoneVoice/internal/config"
	"github.com/BioHazard786/ZoneVoice/internal/logging"
	"github.com/BioHazard786/ZoneVoice/internal/relay"
	"github.com/BioHazard786/ZoneVoice/internal/server"
	"github.com/BioHazard786/ZoneVoice/internal/ui"
)

const shutdownTimeout = 5 * time.Second

var flagListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay",
	Long: `Run the signaling relay. It tracks which zone every participant is in and
forwards WebRTC negotiation between participants of the same zone.

Examples:
  zonevoice serve
  zonevoice serve --listen :9000 --zone-size 250`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, config.Options{ListenAddr: flagListen})
		if err != nil {
			return err
		}
		logger := logging.Init(cfg.LogFormat)

		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
		}
		ui.PrintSuccessf("Relay listening on %s (zone size %g)", ln.Addr(), cfg.ZoneSize)
		return serve(cmd.Context(), ln, cfg, logger)
	},
}

// serve runs the hub and its HTTP server on ln until ctx ends.
func serve(ctx context.Context, ln net.Listener, cfg *config.Config, logger *slog.Logger) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	hub := relay.NewHub(cfg.Grid(), logger.With("component", "relay"))
	go hub.Run(hubCtx)

	srv := &http.Server{
		Handler:           server.NewMux(hub, logger.With("component", "http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	logger.Info("relay started", "addr", ln.Addr().String(), "zone_size", cfg.ZoneSize)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown; stopping
	// the hub closes them.
	stopHub()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "Address to listen on (default \":8080\")")
}
