package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// RTPReader is the part of a remote track the sink reads.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, error)
}

// PeerAudio summarizes the audio received from one peer.
type PeerAudio struct {
	PeerID    string
	Packets   uint64
	Bytes     uint64
	Recording string
	Started   time.Time
	Ended     time.Time
}

// Sink consumes every remote audio track. With a record directory it
// writes one Ogg file per peer.
type Sink struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]*PeerAudio
	wg      sync.WaitGroup
}

// NewSink creates a sink. An empty dir disables recording.
func NewSink(dir string, logger *slog.Logger) (*Sink, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create record directory: %w", err)
		}
	}
	return &Sink{
		dir:     dir,
		logger:  logger,
		streams: make(map[string]*PeerAudio),
	}, nil
}

// RemoteAudio starts draining track in the background.
func (s *Sink) RemoteAudio(peerID string, track *webrtc.TrackRemote) {
	codec := track.Codec()
	s.Consume(peerID, remoteTrack{track}, codec.Channels)
}

// Consume drains r until it fails, recording to disk when enabled.
func (s *Sink) Consume(peerID string, r RTPReader, channels uint16) {
	stats := &PeerAudio{PeerID: peerID, Started: time.Now()}

	var writer *oggwriter.OggWriter
	if s.dir != "" {
		if channels == 0 {
			channels = 2
		}
		path := filepath.Join(s.dir, recordingName(peerID, stats.Started))
		w, err := oggwriter.New(path, opusClockRate, channels)
		if err != nil {
			s.logger.Error("recording disabled for peer", "peer", peerID, "error", err)
		} else {
			writer = w
			stats.Recording = path
		}
	}

	s.mu.Lock()
	key := peerID
	for i := 2; s.streams[key] != nil; i++ {
		key = fmt.Sprintf("%s#%d", peerID, i)
	}
	s.streams[key] = stats
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drain(stats, r, writer)
	}()
}

func (s *Sink) drain(stats *PeerAudio, r RTPReader, writer *oggwriter.OggWriter) {
	defer func() {
		if writer != nil {
			if err := writer.Close(); err != nil {
				s.logger.Warn("closing recording failed", "peer", stats.PeerID, "error", err)
			}
		}
		s.mu.Lock()
		stats.Ended = time.Now()
		s.mu.Unlock()
	}()

	for {
		packet, err := r.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("remote audio ended", "peer", stats.PeerID, "error", err)
			}
			return
		}

		s.mu.Lock()
		stats.Packets++
		stats.Bytes += uint64(len(packet.Payload))
		s.mu.Unlock()

		if writer != nil {
			if err := writer.WriteRTP(packet); err != nil {
				s.logger.Warn("recording write failed", "peer", stats.PeerID, "error", err)
				writer.Close()
				writer = nil
			}
		}
	}
}

// Stats returns a snapshot per received stream, ordered by peer.
func (s *Sink) Stats() []PeerAudio {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PeerAudio, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeerID != out[j].PeerID {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// Wait blocks until every stream has ended.
func (s *Sink) Wait() {
	s.wg.Wait()
}

func recordingName(peerID string, at time.Time) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, peerID)
	return fmt.Sprintf("%s-%s.ogg", safe, at.Format("20060102-150405"))
}

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (t remoteTrack) ReadRTP() (*rtp.Packet, error) {
	packet, _, err := t.track.ReadRTP()
	return packet, err
}
