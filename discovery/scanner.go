package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventRelayUpserted is emitted when a relay appears or its metadata changes.
	EventRelayUpserted EventType = "relay_upserted"
	// EventRelayRemoved is emitted when a previously seen relay disappears.
	EventRelayRemoved EventType = "relay_removed"
)

// ErrNoRelay is returned by Lookup when no relay answered before the deadline.
var ErrNoRelay = errors.New("discovery: no relay found")

// EventType identifies relay discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type  EventType
	Relay Relay
}

// Relay is a chat relay endpoint found on the LAN.
type Relay struct {
	ServerID  string
	Name      string
	Version   int
	Path      string
	HostName  string
	Port      int
	Addresses []string
	LastSeen  time.Time
}

// host returns the preferred address, IPv4 first.
func (r Relay) host() string {
	for _, addr := range r.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return addr
		}
	}
	if len(r.Addresses) > 0 {
		return r.Addresses[0]
	}
	return strings.TrimSuffix(r.HostName, ".")
}

// BaseURL is the HTTP root of the relay's API.
func (r Relay) BaseURL() string {
	return "http://" + net.JoinHostPort(r.host(), strconv.Itoa(r.Port))
}

// WebsocketURL is the live channel endpoint of the relay.
func (r Relay) WebsocketURL() string {
	path := r.Path
	if path == "" {
		path = DefaultPath
	}
	return "ws://" + net.JoinHostPort(r.host(), strconv.Itoa(r.Port)) + path
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// RelayScanner discovers relays with periodic and manual mDNS browse operations.
type RelayScanner struct {
	cfg Config

	browse browseFunc

	mu     sync.RWMutex
	relays map[string]Relay

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewRelayScanner creates a scanner with config defaults applied.
func NewRelayScanner(config Config) (*RelayScanner, error) {
	cfg := config.withDefaults()
	browse, err := cfg.resolveBrowse()
	if err != nil {
		return nil, err
	}

	return &RelayScanner{
		cfg:             cfg,
		browse:          browse,
		relays:          make(map[string]Relay),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *RelayScanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning and closes Events.
func (s *RelayScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *RelayScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan and waits for it.
func (s *RelayScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("relay scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}
}

// ListRelays returns the relays seen by the last scan.
func (s *RelayScanner) ListRelays() []Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Relay, 0, len(s.relays))
	for _, relay := range s.relays {
		out = append(out, relay)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *RelayScanner) loop() {
	defer s.wg.Done()

	// Prime the relay list immediately.
	_ = s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *RelayScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()
	stop := context.AfterFunc(requestCtx, cancel)
	defer stop()

	collected := make(map[string]Relay)
	err := scan(scanCtx, s.browse, s.cfg, func(relay Relay) bool {
		collected[relay.ServerID] = relay
		return true
	})
	if err != nil {
		return err
	}

	s.applySnapshot(collected)
	return nil
}

func (s *RelayScanner) applySnapshot(next map[string]Relay) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.relays
	s.relays = next

	for id, relay := range next {
		old, exists := previous[id]
		if !exists || !relaysEqual(old, relay) {
			s.emitEvent(Event{Type: EventRelayUpserted, Relay: relay})
		}
	}

	for id, relay := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventRelayRemoved, Relay: relay})
		}
	}
}

func (s *RelayScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

// Lookup browses once and returns the first relay that answers, other than
// cfg.ServerID. It gives up with ErrNoRelay after cfg.ScanTimeout.
func Lookup(ctx context.Context, config Config) (Relay, error) {
	cfg := config.withDefaults()
	browse, err := cfg.resolveBrowse()
	if err != nil {
		return Relay{}, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	var (
		found Relay
		ok    bool
	)
	err = scan(scanCtx, browse, cfg, func(relay Relay) bool {
		found, ok = relay, true
		return false
	})
	if err != nil {
		return Relay{}, err
	}
	if !ok {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Relay{}, ctxErr
		}
		return Relay{}, ErrNoRelay
	}
	return found, nil
}

// scan runs one browse until ctx ends or visit returns false. visit is called
// on the scanning goroutine only.
func scan(ctx context.Context, browse browseFunc, cfg Config, visit func(Relay) bool) error {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- browse(scanCtx, cfg.Service, cfg.Domain, entries)
	}()

	for {
		select {
		case err := <-browseErr:
			if err != nil {
				return err
			}
			// The resolver browses in the background after returning.
			browseErr = nil
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if entry == nil {
				continue
			}
			relay, ok := parseEntry(entry, cfg.ServerID)
			if !ok {
				continue
			}
			relay.LastSeen = time.Now()
			if !visit(relay) {
				return nil
			}
		case <-scanCtx.Done():
			return nil
		}
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfServerID string) (Relay, bool) {
	txt := txtToMap(entry.Text)

	serverID := strings.TrimSpace(txt["server_id"])
	if serverID == "" || serverID == selfServerID {
		return Relay{}, false
	}
	if entry.Port <= 0 {
		return Relay{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	path := txt["path"]
	if !strings.HasPrefix(path, "/") {
		path = DefaultPath
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = serverID
	}

	return Relay{
		ServerID:  serverID,
		Name:      name,
		Version:   version,
		Path:      path,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func relaysEqual(a, b Relay) bool {
	if a.ServerID != b.ServerID ||
		a.Name != b.Name ||
		a.Version != b.Version ||
		a.Path != b.Path ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
