package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/ZoneVoice/internal/config"
	"github.com/BioHazard786/ZoneVoice/internal/dns"
	"github.com/BioHazard786/ZoneVoice/internal/logging"
	"github.com/BioHazard786/ZoneVoice/internal/relay"
	"github.com/BioHazard786/ZoneVoice/internal/ui"
)

var zonesCmd = &cobra.Command{
	Use:   "zones",
	Short: "Show who is in which zone on a relay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, config.Options{})
		if err != nil {
			return err
		}
		logger := logging.Init(cfg.LogFormat)

		endpoint, err := zonesURL(cfg.ServerURL)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		resolver := dns.NewResolver(logger)
		client := &http.Client{Transport: &http.Transport{DialContext: resolver.DialContext}}
		zones, err := fetchZones(ctx, client, endpoint)
		if err != nil {
			return err
		}
		fmt.Println(ui.ZonesView(zones))
		return nil
	},
}

// zonesURL maps the relay's websocket URL to its /zones endpoint.
func zonesURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("server url %q is not a websocket url", serverURL)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws") + "/zones"
	u.RawQuery = ""
	return u.String(), nil
}

func fetchZones(ctx context.Context, client *http.Client, endpoint string) ([]relay.ZoneSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query relay: %s", resp.Status)
	}
	var zones []relay.ZoneSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&zones); err != nil {
		return nil, fmt.Errorf("decode zones: %w", err)
	}
	return zones, nil
}

func init() {
	rootCmd.AddCommand(zonesCmd)
}
