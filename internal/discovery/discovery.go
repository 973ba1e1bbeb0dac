// Package discovery advertises an instance on the local network over mDNS
// and keeps track of the peers it sees. Instances still exchange operations
// through the shared broker; discovery only tells operators and load
// balancers where the gateways are.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const txtVersion = "txtv=1"

// staleScans is how many browse intervals a peer may go unseen before it
// is forgotten.
const staleScans = 3

// Config configures Run.
type Config struct {
	InstanceID string
	Service    string
	Domain     string
	Port       int
	// Browse is the length of one peer scan. Scans repeat until the context
	// ends.
	Browse time.Duration
}

// Peer is another instance found on the network.
type Peer struct {
	InstanceID string    `json:"instance_id"`
	Name       string    `json:"name"`
	Host       string    `json:"host"`
	Addrs      []string  `json:"addrs"`
	Port       int       `json:"port"`
	SeenAt     time.Time `json:"seen_at"`
}

// Registry remembers the peers seen so far.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]Peer)}
}

// Observe records p and reports whether it was new.
func (r *Registry) Observe(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, known := r.peers[p.InstanceID]
	r.peers[p.InstanceID] = p
	return !known
}

// Peers returns the known peers ordered by instance id.
func (r *Registry) Peers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Peer) int { return strings.Compare(a.InstanceID, b.InstanceID) })
	return out
}

// Prune forgets peers last seen before cutoff and returns them.
func (r *Registry) Prune(cutoff time.Time) []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var gone []Peer
	for id, p := range r.peers {
		if p.SeenAt.Before(cutoff) {
			gone = append(gone, p)
			delete(r.peers, id)
		}
	}
	return gone
}

// Run registers the instance and browses for peers until ctx ends.
func Run(ctx context.Context, cfg Config, reg *Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "discovery"))

	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("CollabText-%s-%s", host, cfg.InstanceID),
		cfg.Service,
		cfg.Domain,
		cfg.Port,
		txtRecords(cfg.InstanceID),
		nil,
	)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	defer server.Shutdown()
	logger.Info("mdns service registered", slog.String("service", cfg.Service), slog.Int("port", cfg.Port))

	for ctx.Err() == nil {
		if err := browse(ctx, cfg, reg, logger); err != nil {
			return err
		}
		for _, p := range reg.Prune(time.Now().Add(-staleScans * cfg.Browse)) {
			logger.Info("peer lost", slog.String("peer", p.InstanceID), slog.Time("seen_at", p.SeenAt))
		}
	}
	return nil
}

func browse(ctx context.Context, cfg Config, reg *Registry, logger *slog.Logger) error {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return fmt.Errorf("create mdns resolver: %w", err)
	}

	scan, cancel := context.WithTimeout(ctx, cfg.Browse)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				observe(entry, cfg.InstanceID, reg, logger)
			case <-scan.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(scan, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-done
		return fmt.Errorf("browse %s: %w", cfg.Service, err)
	}
	<-done
	return nil
}

func observe(entry *zeroconf.ServiceEntry, self string, reg *Registry, logger *slog.Logger) {
	p, ok := peerFromEntry(entry, time.Now())
	if !ok || p.InstanceID == self {
		return
	}
	if reg.Observe(p) {
		logger.Info("peer discovered",
			slog.String("instance_id", p.InstanceID),
			slog.String("host", p.Host),
			slog.Int("port", p.Port))
	}
}

func txtRecords(instanceID string) []string {
	return []string{txtVersion, "id=" + instanceID, "ws=/ws/{document}"}
}

// peerFromEntry reads a peer from an mDNS answer. Entries without an
// instance id in their TXT record are not ours.
func peerFromEntry(e *zeroconf.ServiceEntry, now time.Time) (Peer, bool) {
	var id string
	for _, txt := range e.Text {
		if v, ok := strings.CutPrefix(txt, "id="); ok {
			id = v
		}
	}
	if id == "" {
		return Peer{}, false
	}
	addrs := make([]string, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	for _, ips := range [][]net.IP{e.AddrIPv4, e.AddrIPv6} {
		for _, ip := range ips {
			addrs = append(addrs, ip.String())
		}
	}
	return Peer{
		InstanceID: id,
		Name:       e.Instance,
		Host:       e.HostName,
		Addrs:      addrs,
		Port:       e.Port,
		SeenAt:     now,
	}, true
}
