// Package media provides the single outbound audio track shared by every
// peer link and the sink that consumes remote audio.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	// Opus always runs at 48 kHz on the wire.
	opusClockRate = 48000

	// Ogg pages from typical Opus encoders hold 20 ms of audio.
	pageDuration = 20 * time.Millisecond
)

// NewOutboundTrack builds the Opus track attached to every link.
func NewOutboundTrack(streamID string) (*webrtc.TrackLocalStaticSample, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	return track, nil
}

// SampleWriter accepts encoded audio samples.
type SampleWriter interface {
	WriteSample(sample media.Sample) error
}

// Source streams an Ogg/Opus file into the outbound track, looping until
// its context ends. While muted it keeps pace but writes nothing.
type Source struct {
	track  SampleWriter
	path   string
	logger *slog.Logger

	muted  atomic.Bool
	frames atomic.Uint64

	// pace overrides the page ticker in tests.
	pace <-chan time.Time
}

// NewSource creates a source for the Ogg/Opus file at path.
func NewSource(track SampleWriter, path string, logger *slog.Logger) *Source {
	return &Source{
		track:  track,
		path:   path,
		logger: logger,
	}
}

// Run streams the file until ctx is done.
func (s *Source) Run(ctx context.Context) error {
	pace := s.pace
	if pace == nil {
		ticker := time.NewTicker(pageDuration)
		defer ticker.Stop()
		pace = ticker.C
	}

	for {
		err := s.play(ctx, pace)
		switch {
		case errors.Is(err, io.EOF):
			s.logger.Debug("audio file finished, looping", "path", s.path)
		case err != nil:
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Source) play(ctx context.Context, pace <-chan time.Time) error {
	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	ogg, _, err := oggreader.NewWith(file)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}

	var lastGranule uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pace:
		}

		page, header, err := ogg.ParseNextPage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("parse ogg page: %w", err)
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples) / opusClockRate * float64(time.Second))

		if s.muted.Load() {
			continue
		}
		if err := s.track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			return fmt.Errorf("write sample: %w", err)
		}
		s.frames.Add(1)
	}
}

// SetMuted starts or stops sending audio.
func (s *Source) SetMuted(muted bool) {
	s.muted.Store(muted)
}

// ToggleMute flips the mute state and returns the new one.
func (s *Source) ToggleMute() bool {
	for {
		old := s.muted.Load()
		if s.muted.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// Muted reports whether the source is muted.
func (s *Source) Muted() bool {
	return s.muted.Load()
}

// Frames returns how many pages have been written to the track.
func (s *Source) Frames() uint64 {
	return s.frames.Load()
}
