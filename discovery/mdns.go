package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"clipnotes/logging"
)

const (
	// DefaultService is the mDNS service type without domain suffix.
	DefaultService = "_clipnotes._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultServiceName is the human-readable base instance name.
	DefaultServiceName = "ClipboardNotes"
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
	// DefaultResolveTimeout bounds one resolve lookup.
	DefaultResolveTimeout = 5 * time.Second
	// DefaultAdvertiseRetry is the wait between failed registration attempts.
	DefaultAdvertiseRetry = 30 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
type lookupFunc func(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
type addressesFunc func() map[string]struct{}

// Config controls advertiser and browser behavior.
type Config struct {
	Service     string
	Domain      string
	ServiceName string
	Version     int

	// InstanceSuffix is appended to ServiceName so that several devices on
	// one link register distinct instance names.
	InstanceSuffix string
	DeviceName     string
	ListeningPort  int

	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	// PeerStaleAfter removes peers not seen for this long. Defaults to
	// three browse cycles.
	PeerStaleAfter time.Duration
	ResolveTimeout time.Duration
	AdvertiseRetry time.Duration

	Logger *zap.Logger

	registerFn  registerFunc
	browseFn    browseFunc
	lookupFn    lookupFunc
	addressesFn addressesFunc
	now         func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.ServiceName == "" {
		out.ServiceName = DefaultServiceName
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = 3 * (out.RefreshInterval + out.ScanTimeout)
	}
	if out.ResolveTimeout <= 0 {
		out.ResolveTimeout = DefaultResolveTimeout
	}
	if out.AdvertiseRetry <= 0 {
		out.AdvertiseRetry = DefaultAdvertiseRetry
	}
	out.Logger = logging.OrDiscard(out.Logger)
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.addressesFn == nil {
		logger := out.Logger
		out.addressesFn = func() map[string]struct{} { return LocalAddresses(logger) }
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

// instanceName is the instance registered on the network.
func (c Config) instanceName() string {
	suffix := strings.TrimSpace(c.InstanceSuffix)
	if suffix == "" {
		return c.ServiceName
	}
	return c.ServiceName + "-" + suffix
}

// Advertiser publishes this device's sync endpoint via mDNS.
type Advertiser struct {
	cfg Config

	mu        sync.Mutex
	server    *zeroconf.Server
	serviceID string
	port      int
}

// NewAdvertiser creates an advertiser with config defaults applied.
func NewAdvertiser(config Config) *Advertiser {
	return &Advertiser{cfg: config.withDefaults()}
}

// Advertise registers the sync endpoint on port and returns the effective
// instance name. An existing registration is replaced.
func (a *Advertiser) Advertise(port int) (string, error) {
	if port <= 0 || port > 65535 {
		return "", &AdvertiseError{Op: "register", Err: fmt.Errorf("port %d out of range", port)}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.shutdownLocked()

	txt := []string{
		"version=" + strconv.Itoa(a.cfg.Version),
	}
	if name := strings.TrimSpace(a.cfg.DeviceName); name != "" {
		txt = append(txt, "device="+name)
	}

	instance := a.cfg.instanceName()
	server, err := a.cfg.registerFn(instance, a.cfg.Service, a.cfg.Domain, port, txt, nil)
	if err != nil {
		return "", &AdvertiseError{Op: "register", Err: err}
	}

	a.server = server
	a.serviceID = instance
	a.port = port
	a.cfg.Logger.Info("service registered",
		zap.String("service_id", instance),
		zap.String("service", a.cfg.Service),
		zap.Int("port", port))
	return instance, nil
}

// ServiceID returns the effective registered name, or "" when not advertised.
func (a *Advertiser) ServiceID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serviceID
}

// Port returns the advertised port, or 0 when not advertised.
func (a *Advertiser) Port() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.port
}

// Stop unregisters the service. It is safe to call repeatedly.
func (a *Advertiser) Stop() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.serviceID != "" {
		a.cfg.Logger.Info("service unregistered", zap.String("service_id", a.serviceID))
	}
	a.shutdownLocked()
}

func (a *Advertiser) shutdownLocked() {
	if a.server != nil {
		a.server.Shutdown()
	}
	a.server = nil
	a.serviceID = ""
	a.port = 0
}

// Service coordinates advertising and browsing for one listening port.
type Service struct {
	Advertiser *Advertiser
	Browser    *Browser
	Registry   *Registry

	cfg      Config
	wantPort atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// Start advertises ListeningPort and starts browsing. A failed registration
// is logged and retried in the background; browsing proceeds regardless.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if cfg.ListeningPort <= 0 {
		return nil, errors.New("listening port must be > 0")
	}

	registry := NewRegistry()
	browser, err := NewBrowser(cfg, registry)
	if err != nil {
		return nil, err
	}
	browser.SetLocalIdentity("", cfg.ListeningPort)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		Advertiser: NewAdvertiser(cfg),
		Browser:    browser,
		Registry:   registry,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
	}

	s.advertise(cfg.ListeningPort)
	if err := browser.Start(); err != nil {
		s.Stop()
		return nil, err
	}
	return s, nil
}

// Readvertise moves the registration to a new port.
func (s *Service) Readvertise(port int) {
	if s.Advertiser.Port() == port {
		return
	}
	s.Browser.SetLocalIdentity(s.Advertiser.ServiceID(), port)
	s.advertise(port)
}

func (s *Service) advertise(port int) {
	s.wantPort.Store(int64(port))
	id, err := s.Advertiser.Advertise(port)
	if err == nil {
		s.Browser.SetLocalIdentity(id, port)
		return
	}

	s.cfg.Logger.Warn("service registration failed, retrying later",
		zap.Int("port", port), zap.Duration("retry_in", s.cfg.AdvertiseRetry), zap.Error(err))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.cfg.AdvertiseRetry)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			return
		}
		if s.wantPort.Load() != int64(port) || s.Advertiser.Port() == port {
			return
		}
		s.advertise(port)
	}()
}

// Stop stops browsing and unregisters the service.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		if s.Browser != nil {
			s.Browser.Stop()
		}
		if s.Advertiser != nil {
			s.Advertiser.Stop()
		}
	})
}
