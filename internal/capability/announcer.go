// Package capability advertises this node on the bus and tracks the peers
// it hears from.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-vosk/internal/bus"
	"github.com/loqalabs/loqa-vosk/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Announcer publishes the local node announcement and periodic heartbeats.
type Announcer struct {
	cfg          config.NodeConfig
	capabilities []Capability
	log          *slog.Logger
	bus          *bus.Client
	mu           sync.RWMutex
	nodes        map[string]*NodeInfo
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	subs         []*nats.Subscription
	heartbeats   metric.Int64Counter
}

// NewAnnouncer announces the node and starts heartbeating until Close.
// attrs are merged into every advertised capability.
func NewAnnouncer(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, attrs map[string]string, log *slog.Logger) (*Announcer, error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &Announcer{
		cfg:          cfg,
		capabilities: convertCapabilities(cfg.Capabilities, attrs),
		log:          log.With(slog.String("component", "capability-announcer")),
		bus:          busClient,
		nodes:        make(map[string]*NodeInfo),
		cancel:       cancel,
	}

	meter := otel.Meter("github.com/loqalabs/loqa-vosk/capability")
	counter, err := meter.Int64Counter("loqa.capability.heartbeats", metric.WithDescription("Heartbeats published by this node"))
	if err != nil {
		a.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	a.heartbeats = counter

	if err := a.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	if err := a.announce(); err != nil {
		a.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	interval := time.Duration(cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	a.wg.Add(1)
	go a.runHeartbeat(ctx, interval)

	return a, nil
}

func (a *Announcer) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	for _, sub := range a.subs {
		_ = sub.Drain()
	}
}

func (a *Announcer) subscribe() error {
	conn := a.bus.Conn()
	announceSub, err := conn.Subscribe(SubjectAnnounce, a.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	a.subs = append(a.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(SubjectHeartbeatPrefix+".*", a.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	a.subs = append(a.subs, heartbeatSub)
	return nil
}

func (a *Announcer) runHeartbeat(ctx context.Context, interval time.Duration) {
	defer a.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.publishHeartbeat(); err != nil {
				a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
				continue
			}
			if a.heartbeats != nil {
				a.heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("node", a.cfg.ID)))
			}
		}
	}
}

func (a *Announcer) announce() error {
	msg := announceMessage{
		NodeID:       a.cfg.ID,
		Role:         a.cfg.Role,
		Capabilities: a.capabilities,
		Timestamp:    time.Now().UTC(),
	}
	if err := a.bus.PublishJSON(SubjectAnnounce, msg); err != nil {
		return err
	}
	a.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return nil
}

func (a *Announcer) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    a.cfg.ID,
		Timestamp: time.Now().UTC(),
	}
	return a.bus.PublishJSON(SubjectHeartbeatPrefix+"."+a.cfg.ID, msg)
}

func (a *Announcer) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		a.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	a.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
}

func (a *Announcer) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		a.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	a.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

func (a *Announcer) updateNode(nodeID, role string, capabilities []Capability, timestamp time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	node, ok := a.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		a.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = timestamp
}

// Healthy reports whether this node was seen on the bus within the
// heartbeat timeout.
func (a *Announcer) Healthy() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	node, ok := a.nodes[a.cfg.ID]
	if !ok {
		return false
	}
	return time.Since(node.LastSeen) <= a.timeout()
}

// Nodes returns every node heard from, sorted by id.
func (a *Announcer) Nodes() []NodeInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	timeout := a.timeout()
	results := make([]NodeInfo, 0, len(a.nodes))
	for _, node := range a.nodes {
		info := *node
		info.Healthy = time.Since(node.LastSeen) <= timeout
		results = append(results, info)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (a *Announcer) timeout() time.Duration {
	timeout := time.Duration(a.cfg.HeartbeatTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 6 * time.Second
	}
	return timeout
}

func convertCapabilities(source []config.NodeCapability, attrs map[string]string) []Capability {
	if len(source) == 0 {
		return nil
	}
	result := make([]Capability, 0, len(source))
	for _, c := range source {
		merged := make(map[string]string, len(c.Attributes)+len(attrs))
		for k, v := range c.Attributes {
			merged[k] = v
		}
		for k, v := range attrs {
			merged[k] = v
		}
		result = append(result, Capability{
			Name:       c.Name,
			Tier:       c.Tier,
			Attributes: merged,
		})
	}
	return result
}
