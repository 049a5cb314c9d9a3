// Package registry publishes this process's actor identity on the bus and
// tracks the identities announced by peers.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-espeak/internal/bus"
	"github.com/loqalabs/loqa-espeak/internal/config"
	"github.com/loqalabs/loqa-espeak/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Entry is one named actor reachable on the bus.
type Entry struct {
	NodeID   string    `json:"node_id"`
	Name     string    `json:"name"`
	Subject  string    `json:"subject"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type announceMessage struct {
	NodeID    string    `json:"node_id"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	Timestamp time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

type withdrawMessage struct {
	NodeID string `json:"node_id"`
	Name   string `json:"name"`
}

type Registry struct {
	cfg       config.NodeConfig
	subject   string
	log       *slog.Logger
	bus       *bus.Client
	mu        sync.RWMutex
	entries   map[string]*Entry
	withdrawn bool
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
}

// NewRegistry subscribes to peer announcements and announces cfg.Name as
// reachable on subject.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, subject string, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		subject: subject,
		log:     log.With(slog.String("component", "name-registry")),
		bus:     busClient,
		entries: make(map[string]*Entry),
		meter:   otel.Meter("github.com/loqalabs/loqa-espeak/registry"),
		cancel:  cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(max(cfg.HeartbeatInterval, 100)) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce name", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectNameAnnounce, r.handleAnnounce},
		{protocol.SubjectNameHeartbeat + ".*", r.handleHeartbeat},
		{protocol.SubjectNameWithdraw, r.handleWithdraw},
	}
	for _, h := range handlers {
		sub, err := conn.Subscribe(h.subject, h.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:    r.cfg.ID,
		Name:      r.cfg.Name,
		Subject:   r.subject,
		Timestamp: time.Now().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectNameAnnounce, msg); err != nil {
		return err
	}
	r.update(msg)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	r.mu.RLock()
	withdrawn := r.withdrawn
	r.mu.RUnlock()
	if withdrawn {
		return nil
	}
	msg := heartbeatMessage{NodeID: r.cfg.ID, Timestamp: time.Now().UTC()}
	return r.bus.PublishJSON(protocol.SubjectNameHeartbeat+"."+r.cfg.ID, msg)
}

// Withdraw tells peers this process no longer serves its name and stops
// heartbeats.
func (r *Registry) Withdraw() error {
	r.mu.Lock()
	if r.withdrawn {
		r.mu.Unlock()
		return nil
	}
	r.withdrawn = true
	delete(r.entries, r.cfg.ID)
	r.mu.Unlock()

	if err := r.bus.PublishJSON(protocol.SubjectNameWithdraw, withdrawMessage{NodeID: r.cfg.ID, Name: r.cfg.Name}); err != nil {
		return fmt.Errorf("publish withdraw: %w", err)
	}
	r.log.Info("name withdrawn", slog.String("name", r.cfg.Name))
	return nil
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.update(announcement)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[hb.NodeID]; ok {
		entry.LastSeen = hb.Timestamp
		entry.Healthy = true
	}
}

func (r *Registry) handleWithdraw(msg *nats.Msg) {
	var w withdrawMessage
	if err := json.Unmarshal(msg.Data, &w); err != nil {
		r.log.Warn("invalid withdraw message", slog.String("error", err.Error()))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, w.NodeID)
}

func (r *Registry) update(msg announceMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.NodeID == r.cfg.ID && r.withdrawn {
		return
	}
	entry, ok := r.entries[msg.NodeID]
	if !ok {
		entry = &Entry{NodeID: msg.NodeID}
		r.entries[msg.NodeID] = entry
	}
	entry.Name = msg.Name
	entry.Subject = msg.Subject
	entry.LastSeen = msg.Timestamp
	entry.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, entry := range r.entries {
		if now.Sub(entry.LastSeen) > timeout {
			entry.Healthy = false
		}
	}
}

// Healthy reports whether this process's own name is announced and fresh.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[r.cfg.ID]
	return ok && entry.Healthy
}

// Lookup returns the most recently seen healthy entry serving name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Entry
	for _, entry := range r.entries {
		if entry.Name != name || !entry.Healthy {
			continue
		}
		if best == nil || entry.LastSeen.After(best.LastSeen) {
			best = entry
		}
	}
	if best == nil {
		return Entry{}, false
	}
	return *best, true
}

func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		results = append(results, *entry)
	}
	return results
}

func (r *Registry) initMetrics() error {
	gauge, err := r.meter.Int64ObservableGauge("loqa.names.entries", metric.WithDescription("Named actors known to this process"))
	if err != nil {
		return err
	}
	healthyGauge, err := r.meter.Int64ObservableGauge("loqa.names.healthy", metric.WithDescription("Named actors with a fresh heartbeat"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, healthy := r.snapshotCounts()
		obs.ObserveInt64(gauge, total)
		obs.ObserveInt64(healthyGauge, healthy)
		return nil
	}, gauge, healthyGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, healthy int64
	for _, entry := range r.entries {
		total++
		if entry.Healthy {
			healthy++
		}
	}
	return total, healthy
}
