package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-vosk/internal/bus"
	"github.com/loqalabs/loqa-vosk/internal/config"
	"github.com/loqalabs/loqa-vosk/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	busCfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(busCfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), busCfg, "capability-test", newLogger(), srv.ClientURL())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestAnnouncerPublishesAnnouncementAndHeartbeats(t *testing.T) {
	client := startBus(t)

	announcements := make(chan announceMessage, 4)
	sub, err := client.Conn().Subscribe(SubjectAnnounce, func(msg *nats.Msg) {
		var m announceMessage
		if err := json.Unmarshal(msg.Data, &m); err == nil {
			announcements <- m
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	heartbeats, err := client.Conn().SubscribeSync(SubjectHeartbeatPrefix + ".stt-1")
	if err != nil {
		t.Fatalf("subscribe heartbeat: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	cfg := config.NodeConfig{
		ID:                "stt-1",
		Role:              "stt",
		HeartbeatInterval: 20,
		HeartbeatTimeout:  1000,
		Capabilities:      []config.NodeCapability{{Name: "stt.offline", Tier: "fast"}},
	}
	a, err := NewAnnouncer(context.Background(), cfg, client, map[string]string{"engine": "mock"}, newLogger())
	if err != nil {
		t.Fatalf("new announcer: %v", err)
	}
	defer a.Close()

	select {
	case m := <-announcements:
		if m.NodeID != "stt-1" || m.Role != "stt" {
			t.Fatalf("unexpected announcement %+v", m)
		}
		if len(m.Capabilities) != 1 || m.Capabilities[0].Name != "stt.offline" {
			t.Fatalf("unexpected capabilities %+v", m.Capabilities)
		}
		if m.Capabilities[0].Attributes["engine"] != "mock" {
			t.Fatalf("expected engine attribute, got %+v", m.Capabilities[0].Attributes)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no announcement received")
	}

	if _, err := heartbeats.NextMsg(2 * time.Second); err != nil {
		t.Fatalf("no heartbeat received: %v", err)
	}
	if !a.Healthy() {
		t.Fatal("expected announcer healthy after announcing")
	}
}

func TestAnnouncerTracksPeers(t *testing.T) {
	client := startBus(t)

	a, err := NewAnnouncer(context.Background(), config.NodeConfig{ID: "stt-1", Role: "stt", HeartbeatInterval: 1000, HeartbeatTimeout: 5000}, client, nil, newLogger())
	if err != nil {
		t.Fatalf("new announcer: %v", err)
	}
	defer a.Close()

	peer := announceMessage{NodeID: "core-1", Role: "core", Capabilities: []Capability{{Name: "router"}}, Timestamp: time.Now().UTC()}
	if err := client.PublishJSON(SubjectAnnounce, peer); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		nodes := a.Nodes()
		if len(nodes) == 2 && nodes[0].ID == "core-1" && nodes[0].Healthy {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer not tracked, nodes: %+v", a.Nodes())
}
