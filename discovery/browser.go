package discovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"clipnotes/metrics"
	"clipnotes/models"
)

// EventKind identifies a discovery notification.
type EventKind int

const (
	// EventFound means an instance of some service type was seen.
	EventFound EventKind = iota + 1
	// EventResolved means an instance now has a concrete host and port.
	EventResolved
	// EventLost means an instance went away.
	EventLost
	// eventSweep asks the consumer to drop peers that went quiet.
	eventSweep
)

func (k EventKind) String() string {
	switch k {
	case EventFound:
		return "found"
	case EventResolved:
		return "resolved"
	case EventLost:
		return "lost"
	case eventSweep:
		return "sweep"
	default:
		return "unknown"
	}
}

// Event is one notification on the browser's queue.
type Event struct {
	Kind        EventKind
	ServiceID   string
	ServiceType string
	Host        string
	Port        int

	entry *zeroconf.ServiceEntry
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

type localIdentity struct {
	serviceID string
	port      int
}

// Browser watches for advertisements of the sync service and maintains a
// Registry of resolved peers.
//
// mDNS results are turned into found/resolved/lost events on one queue. A
// single consumer goroutine applies them in arrival order, so the registry
// only ever has one writer.
type Browser struct {
	cfg      Config
	registry *Registry

	browse browseFunc
	lookup lookupFunc

	identityMu sync.RWMutex
	identity   localIdentity

	events chan Event
	// lastSeen is owned by the consumer goroutine.
	lastSeen map[string]time.Time

	stateMu sync.Mutex
	started atomic.Bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// ErrBrowserStopped is returned once a browser has been stopped.
var ErrBrowserStopped = errors.New("browser is stopped")

// NewBrowser creates a browser that publishes into registry.
func NewBrowser(config Config, registry *Registry) (*Browser, error) {
	cfg := config.withDefaults()
	if registry == nil {
		return nil, errors.New("registry is required")
	}

	browse := cfg.browseFn
	lookup := cfg.lookupFn
	if browse == nil || lookup == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, &DiscoveryError{Op: "create resolver", Err: err}
		}
		if browse == nil {
			browse = resolver.Browse
		}
		if lookup == nil {
			lookup = resolver.Lookup
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Browser{
		cfg:             cfg,
		registry:        registry,
		browse:          browse,
		lookup:          lookup,
		events:          make(chan Event, 128),
		lastSeen:        make(map[string]time.Time),
		refreshRequests: make(chan refreshRequest),
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

// Registry returns the peer set this browser maintains.
func (b *Browser) Registry() *Registry {
	return b.registry
}

// SetLocalIdentity records the locally registered service id and listening
// port used to recognize our own advertisement. Either may still be unknown.
func (b *Browser) SetLocalIdentity(serviceID string, port int) {
	b.identityMu.Lock()
	b.identity = localIdentity{serviceID: serviceID, port: port}
	b.identityMu.Unlock()
}

func (b *Browser) localIdentity() localIdentity {
	b.identityMu.RLock()
	defer b.identityMu.RUnlock()
	return b.identity
}

// Start begins browsing in the background. A stopped browser cannot be
// restarted.
func (b *Browser) Start() error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.stopped {
		return ErrBrowserStopped
	}
	if b.started.Load() {
		return nil
	}

	b.registry.clear()
	b.wg.Add(2)
	go b.consume()
	go b.scanLoop()
	b.started.Store(true)
	return nil
}

// Stop ends browsing. It is safe to call when never started and more than once.
func (b *Browser) Stop() {
	b.stateMu.Lock()
	b.stopped = true
	b.cancel()
	b.stateMu.Unlock()

	b.wg.Wait()
}

// Refresh runs a browse window immediately and waits for it to finish.
func (b *Browser) Refresh(ctx context.Context) error {
	if !b.started.Load() {
		return errors.New("browser is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case b.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return ErrBrowserStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return ErrBrowserStopped
	}
}

// Post queues an event for the consumer. Browse results are posted
// internally; other notification sources, such as an OS discovery daemon
// reporting a lost instance, can post here too. It returns false once
// browsing has stopped.
func (b *Browser) Post(event Event) bool {
	if !b.started.Load() || b.ctx.Err() != nil {
		return false
	}
	select {
	case b.events <- event:
		return true
	case <-b.ctx.Done():
		return false
	}
}

func (b *Browser) scanLoop() {
	defer b.wg.Done()

	b.runScan(nil)

	ticker := time.NewTicker(b.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.runScan(nil)
		case req := <-b.refreshRequests:
			req.done <- b.runScan(req.ctx)
		case <-b.ctx.Done():
			return
		}
	}
}

// runScan browses for one window and feeds every entry into the queue.
func (b *Browser) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(b.ctx, b.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				b.Post(entryEvent(entry))
			}
		}
	}()

	if err := b.browse(scanCtx, b.cfg.Service, b.cfg.Domain, entries); err != nil && !windowClosed(scanCtx, err) {
		cancel()
		<-collectorDone
		derr := &DiscoveryError{Op: "browse", Err: err}
		metrics.DiscoveryErrorsTotal.WithLabelValues("browse").Inc()
		b.cfg.Logger.Warn("browse failed", zap.Error(derr))
		return derr
	}

	<-scanCtx.Done()
	<-collectorDone
	b.Post(Event{Kind: eventSweep})

	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// windowClosed reports whether err only says the browse window ended.
func windowClosed(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func entryEvent(entry *zeroconf.ServiceEntry) Event {
	return Event{
		Kind:        EventFound,
		ServiceID:   entry.Instance,
		ServiceType: entry.Service,
		entry:       entry,
	}
}

func (b *Browser) consume() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.events:
			b.apply(event)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Browser) apply(event Event) {
	if event.Kind != eventSweep {
		metrics.DiscoveryEventsTotal.WithLabelValues(event.Kind.String()).Inc()
	}
	switch event.Kind {
	case EventFound:
		b.handleFound(event)
	case EventResolved:
		b.handleResolved(event)
	case EventLost:
		b.handleLost(event.ServiceID)
	case eventSweep:
		b.sweepStale()
	}
}

func (b *Browser) handleFound(event Event) {
	if !sameServiceType(event.ServiceType, b.cfg.Service) {
		return
	}
	if id := b.localIdentity().serviceID; id != "" && event.ServiceID == id {
		b.cfg.Logger.Debug("skipping own service by name", zap.String("service_id", event.ServiceID))
		return
	}

	// The browse response usually already carries SRV and address records.
	if event.entry != nil {
		if host := pickHost(event.entry); host != "" && event.entry.Port > 0 {
			b.handleResolved(Event{
				Kind:      EventResolved,
				ServiceID: event.ServiceID,
				Host:      host,
				Port:      event.entry.Port,
			})
			return
		}
	}

	b.wg.Add(1)
	go b.resolve(event.ServiceID)
}

// resolve looks one instance up and posts the result to the queue.
func (b *Browser) resolve(serviceID string) {
	defer b.wg.Done()

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.ResolveTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 4)
	if err := b.lookup(ctx, serviceID, b.cfg.Service, b.cfg.Domain, entries); err != nil {
		b.resolveFailed(serviceID, err)
		return
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				b.resolveFailed(serviceID, errors.New("lookup ended without an address"))
				return
			}
			if entry == nil || entry.Instance != serviceID {
				continue
			}
			host := pickHost(entry)
			if host == "" || entry.Port <= 0 {
				continue
			}
			b.Post(Event{Kind: EventResolved, ServiceID: serviceID, Host: host, Port: entry.Port})
			return
		case <-ctx.Done():
			if b.ctx.Err() == nil {
				b.resolveFailed(serviceID, ctx.Err())
			}
			return
		}
	}
}

func (b *Browser) resolveFailed(serviceID string, err error) {
	metrics.DiscoveryErrorsTotal.WithLabelValues("resolve").Inc()
	b.cfg.Logger.Warn("resolve failed", zap.Error(&DiscoveryError{Op: "resolve", ServiceID: serviceID, Err: err}))
}

func (b *Browser) handleResolved(event Event) {
	local := b.localIdentity()
	if IsSelf(event.Host, event.Port, event.ServiceID, local.serviceID, local.port, b.cfg.addressesFn()) {
		metrics.SelfFilteredTotal.Inc()
		b.cfg.Logger.Debug("skipping own device",
			zap.String("service_id", event.ServiceID),
			zap.String("host", event.Host),
			zap.Int("port", event.Port))
		return
	}

	b.lastSeen[event.ServiceID] = b.cfg.now()
	if _, known := b.registry.Lookup(event.ServiceID); !known {
		b.cfg.Logger.Info("peer available",
			zap.String("peer_id", event.ServiceID),
			zap.String("host", event.Host),
			zap.Int("port", event.Port))
	}
	b.registry.upsert(models.PeerDevice{
		DisplayName: event.ServiceID,
		Host:        event.Host,
		Port:        event.Port,
		PeerID:      event.ServiceID,
	})
}

func (b *Browser) handleLost(serviceID string) {
	delete(b.lastSeen, serviceID)
	if b.registry.remove(serviceID) {
		b.cfg.Logger.Info("peer lost", zap.String("peer_id", serviceID))
	}
}

func (b *Browser) sweepStale() {
	cutoff := b.cfg.now().Add(-b.cfg.PeerStaleAfter)
	for id, seen := range b.lastSeen {
		if seen.Before(cutoff) {
			b.handleLost(id)
		}
	}
}

func sameServiceType(got, want string) bool {
	trim := func(s string) string {
		s = strings.TrimSuffix(s, ".")
		return strings.TrimSuffix(s, ".local")
	}
	return trim(got) == trim(want)
}

// pickHost returns the first IPv4 address of entry, else the first IPv6.
func pickHost(entry *zeroconf.ServiceEntry) string {
	for _, ip := range entry.AddrIPv4 {
		if ip != nil && !ip.IsUnspecified() {
			return ip.String()
		}
	}
	for _, ip := range entry.AddrIPv6 {
		if ip != nil && !ip.IsUnspecified() && !ip.Equal(net.IPv6loopback) {
			return ip.String()
		}
	}
	return ""
}
