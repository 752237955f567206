package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/ZoneVoice/internal/protocol"
	"github.com/BioHazard786/ZoneVoice/internal/relay"
	"github.com/BioHazard786/ZoneVoice/internal/zone"
)

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := relay.NewHub(zone.MustGrid(zone.DefaultSize), logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(NewMux(hub, logger))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

type testConn struct {
	t     *testing.T
	conn  *websocket.Conn
	codec protocol.Codec
	id    string
}

func dial(t *testing.T, srv *httptest.Server, codecName string) *testConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if codecName != "" {
		url += "?codec=" + codecName
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	codec, err := protocol.CodecByName(codecName)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	c := &testConn{t: t, conn: conn, codec: codec}

	welcome := c.read()
	if welcome.Type != protocol.TypeWelcome || welcome.Welcome == nil {
		t.Fatalf("first message = %+v, want welcome", welcome)
	}
	if welcome.Welcome.ZoneSize != zone.DefaultSize || welcome.Welcome.Version != protocol.Version {
		t.Errorf("welcome = %+v", welcome.Welcome)
	}
	c.id = welcome.Welcome.ConnectionID
	return c
}

func (c *testConn) send(msg *protocol.Message) {
	c.t.Helper()
	data, err := c.codec.Marshal(msg)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testConn) read() *protocol.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	if frame != c.codec.FrameType() {
		c.t.Fatalf("frame type = %d, want %d", frame, c.codec.FrameType())
	}
	var msg protocol.Message
	if err := c.codec.Unmarshal(data, &msg); err != nil {
		c.t.Fatalf("unmarshal: %v", err)
	}
	return &msg
}

// expectSilence fails if a message arrives within a short window.
func (c *testConn) expectSilence() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, data, err := c.conn.ReadMessage(); err == nil {
		c.t.Fatalf("unexpected message: %s", data)
	}
}

func join(name string, x, y float64) *protocol.Message {
	return &protocol.Message{
		Type:        protocol.TypeJoin,
		UserID:      "user-" + name,
		DisplayName: name,
		Position:    &protocol.Position{X: x, Y: y},
	}
}

func TestHealthCheck(t *testing.T) {
	srv := startRelay(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestUnknownCodecRejected(t *testing.T) {
	srv := startRelay(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?codec=xml"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded with unknown codec")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("response = %v, want 400", resp)
	}
}

func TestSignalingBetweenCodecs(t *testing.T) {
	srv := startRelay(t)
	alice := dial(t, srv, protocol.CodecJSON)
	bob := dial(t, srv, protocol.CodecMsgpack)

	alice.send(join("alice", 10, 10))
	if msg := alice.read(); msg.Type != protocol.TypeJoined || len(msg.Roster) != 0 {
		t.Fatalf("alice got %+v, want empty joined", msg)
	}

	bob.send(join("bob", 20, 20))
	joined := bob.read()
	if joined.Type != protocol.TypeJoined || len(joined.Roster) != 1 || joined.Roster[0].ID != alice.id {
		t.Fatalf("bob got %+v, want roster with alice", joined)
	}
	announce := alice.read()
	if announce.Type != protocol.TypePeerJoined || announce.Peer.ID != bob.id {
		t.Fatalf("alice got %+v, want peer-joined for bob", announce)
	}

	// Alice initiates toward the newcomer.
	alice.send(&protocol.Message{
		Type:     protocol.TypeOffer,
		TargetID: bob.id,
		SDP:      &protocol.SessionDescription{Type: "offer", SDP: "v=0\r\n"},
	})
	offer := bob.read()
	if offer.Type != protocol.TypeOffer || offer.SenderID != alice.id || offer.SDP.SDP != "v=0\r\n" {
		t.Fatalf("bob got %+v, want offer from alice", offer)
	}

	bob.send(&protocol.Message{
		Type:     protocol.TypeAnswer,
		TargetID: alice.id,
		SDP:      &protocol.SessionDescription{Type: "answer", SDP: "v=0\r\n"},
	})
	if answer := alice.read(); answer.Type != protocol.TypeAnswer || answer.SenderID != bob.id {
		t.Fatalf("alice got %+v, want answer from bob", answer)
	}
}

func TestDisconnectNotifiesZone(t *testing.T) {
	srv := startRelay(t)
	alice := dial(t, srv, "")
	bob := dial(t, srv, "")

	alice.send(join("alice", 10, 10))
	alice.read()
	bob.send(join("bob", 20, 20))
	bob.read()
	alice.read()

	bob.conn.Close()

	left := alice.read()
	if left.Type != protocol.TypePeerLeft || left.SenderID != bob.id {
		t.Fatalf("alice got %+v, want peer-left from bob", left)
	}

	// Candidates for the departed peer vanish without an error.
	alice.send(&protocol.Message{
		Type:      protocol.TypeICECandidate,
		TargetID:  bob.id,
		Candidate: &protocol.Candidate{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host"},
	})
	alice.expectSilence()
}

func TestZoneCrossingOverWebsocket(t *testing.T) {
	srv := startRelay(t)
	alice := dial(t, srv, "")
	bob := dial(t, srv, "")
	carol := dial(t, srv, "")

	alice.send(join("alice", 490, 10))
	alice.read()
	bob.send(join("bob", 480, 10))
	bob.read()
	alice.read()
	carol.send(join("carol", 600, 10))
	carol.read()

	alice.send(&protocol.Message{Type: protocol.TypeLeave})
	if msg := bob.read(); msg.Type != protocol.TypePeerLeft || msg.SenderID != alice.id {
		t.Fatalf("bob got %+v, want peer-left from alice", msg)
	}
	alice.send(join("alice", 510, 10))
	if msg := carol.read(); msg.Type != protocol.TypePeerJoined || msg.Peer.ID != alice.id {
		t.Fatalf("carol got %+v, want peer-joined for alice", msg)
	}
	if msg := alice.read(); msg.Type != protocol.TypeJoined || len(msg.Roster) != 1 || msg.Roster[0].ID != carol.id {
		t.Fatalf("alice got %+v, want roster [carol]", msg)
	}
	bob.expectSilence()
}

func TestInvalidMessageClosesOnlyThatSession(t *testing.T) {
	srv := startRelay(t)
	alice := dial(t, srv, "")
	bob := dial(t, srv, "")

	alice.send(join("alice", 10, 10))
	alice.read()

	if err := bob.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := bob.read(); msg.Type != protocol.TypeError || msg.Error == "" {
		t.Fatalf("bob got %+v, want error", msg)
	}
	bob.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := bob.conn.ReadMessage(); err == nil {
		t.Fatal("bob's connection stayed open after a protocol violation")
	}

	alice.send(&protocol.Message{Type: protocol.TypeMove, Position: &protocol.Position{X: 11, Y: 11}})
	alice.expectSilence()

	resp, err := http.Get(srv.URL + "/zones")
	if err != nil {
		t.Fatalf("GET /zones: %v", err)
	}
	defer resp.Body.Close()
	var zones []relay.ZoneSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&zones); err != nil {
		t.Fatalf("decode zones: %v", err)
	}
	if len(zones) != 1 || zones[0].Name != "Zone_0_0" || len(zones[0].Members) != 1 || zones[0].Members[0].ID != alice.id {
		t.Errorf("zones = %+v, want only alice in Zone_0_0", zones)
	}
	if zones[0].Members[0].Position.X != 11 {
		t.Errorf("alice position = %+v, want moved to x=11", zones[0].Members[0].Position)
	}
}
