// Package app wires note storage, the sync server, discovery and the sync
// client into one running device.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"clipnotes/config"
	"clipnotes/discovery"
	"clipnotes/logging"
	"clipnotes/models"
	"clipnotes/network"
	"clipnotes/storage"
)

// recentCaptureLimit is how many captured clipboard strings are remembered
// for duplicate suppression.
const recentCaptureLimit = 50

var (
	// ErrUnknownPeer is returned when a peer id is not in the discovered set.
	ErrUnknownPeer = errors.New("app: unknown peer")
	// ErrNoNotesSelected is returned when a send names no notes.
	ErrNoNotesSelected = errors.New("app: no notes selected")
	// ErrNotStarted is returned by operations that need a running node.
	ErrNotStarted = errors.New("app: node not started")
)

// NoteStore is the storage the node reads from and writes into.
type NoteStore interface {
	storage.NoteRepository
	GetNotes(ids []int64) ([]models.Note, error)
	InsertAll(notes []models.Note) ([]int64, error)
}

// Options configures a Node.
type Options struct {
	Config *config.DeviceConfig
	Store  NoteStore
	Logger *zap.Logger

	// Decide approves incoming transfers. When nil, transfers are queued on
	// PendingTransfers and answered through ResolveTransfer.
	Decide network.DecisionFunc

	// DisableDiscovery runs the node without mDNS. Peers can still be
	// reached with SendNotesTo.
	DisableDiscovery bool
}

// Node is one running clipnotes device.
type Node struct {
	cfg    *config.DeviceConfig
	store  NoteStore
	logger *zap.Logger
	decide network.DecisionFunc

	discoveryEnabled bool

	client *network.Client

	mu        sync.Mutex
	server    *network.Server
	discovery *discovery.Service
	peers     *discovery.Registry
	started   bool
	stopped   bool

	captureMu      sync.Mutex
	recentCaptures []string
}

// New validates options and returns a node that is not yet serving.
func New(options Options) (*Node, error) {
	if options.Config == nil {
		return nil, errors.New("config is required")
	}
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if err := options.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.OrDiscard(options.Logger)
	cfg := options.Config
	return &Node{
		cfg:              cfg,
		store:            options.Store,
		logger:           logger,
		decide:           options.Decide,
		discoveryEnabled: !options.DisableDiscovery,
		client: &network.Client{
			DialTimeout:  cfg.DialTimeout.Std(),
			ReplyTimeout: cfg.ReplyTimeout.Std(),
			Logger:       logger.Named("client"),
		},
		peers: discovery.NewRegistry(),
	}, nil
}

// Start binds the sync server, then advertises its port and starts browsing.
// Discovery failures are logged and leave the node reachable by address.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("node already started")
	}

	serverOptions := network.ServerOptions{
		Logger:          n.logger.Named("server"),
		DecisionTimeout: n.cfg.DecisionTimeout.Std(),
		OnAccept:        n.storeTransfer,
	}
	if n.decide != nil {
		serverOptions.OnReceiveNotes = n.receive
	}
	server, err := network.Listen(n.cfg.ListenAddress(), serverOptions)
	if err != nil {
		return err
	}
	n.server = server
	n.started = true

	if !n.discoveryEnabled {
		return nil
	}

	service, err := discovery.Start(discovery.Config{
		InstanceSuffix:  instanceSuffix(n.cfg.DeviceID),
		DeviceName:      n.cfg.DeviceName,
		ListeningPort:   server.Port(),
		RefreshInterval: n.cfg.BrowseInterval.Std(),
		ScanTimeout:     n.cfg.ScanWindow.Std(),
		PeerStaleAfter:  n.cfg.PeerStaleAfter.Std(),
		ResolveTimeout:  n.cfg.ResolveTimeout.Std(),
		Logger:          n.logger.Named("discovery"),
	})
	if err != nil {
		n.logger.Warn("discovery unavailable", zap.Error(err))
		return nil
	}
	n.discovery = service
	n.peers = service.Registry
	return nil
}

// Port returns the sync server's bound port, or 0 before Start.
func (n *Node) Port() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.server == nil {
		return 0
	}
	return n.server.Port()
}

// ServiceID returns the advertised instance name, or "" when not advertised.
func (n *Node) ServiceID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.discovery == nil {
		return ""
	}
	return n.discovery.Advertiser.ServiceID()
}

// Peers returns a copy of the discovered peer set.
func (n *Node) Peers() []models.PeerDevice {
	return n.registry().Snapshot()
}

// WatchPeers streams the discovered peer set. Call the returned function to
// stop watching.
func (n *Node) WatchPeers() (<-chan []models.PeerDevice, func()) {
	return n.registry().Subscribe()
}

func (n *Node) registry() *discovery.Registry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers
}

// SendNotes sends the notes with the given ids to a discovered peer.
func (n *Node) SendNotes(ctx context.Context, peerID string, noteIDs []int64) (network.Reply, error) {
	peer, ok := n.registry().Lookup(peerID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPeer, peerID)
	}
	return n.SendNotesTo(ctx, peer, noteIDs)
}

// SendNotesTo sends the notes with the given ids to peer. Transport failures
// are reported in the reply; the error covers local lookups only.
func (n *Node) SendNotesTo(ctx context.Context, peer models.PeerDevice, noteIDs []int64) (network.Reply, error) {
	if len(noteIDs) == 0 {
		return "", ErrNoNotesSelected
	}
	notes, err := n.store.GetNotes(noteIDs)
	if err != nil {
		return "", fmt.Errorf("load notes: %w", err)
	}
	return n.client.Send(ctx, peer, models.TransferItems(notes)), nil
}

// PendingTransfers delivers incoming transfers when no Decide function was
// configured.
func (n *Node) PendingTransfers() (<-chan network.TransferRequest, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.server == nil {
		return nil, ErrNotStarted
	}
	return n.server.PendingTransfers(), nil
}

// ResolveTransfer answers a queued transfer. Accepted notes are stored
// before the sender is told ACCEPTED. A transfer that already timed out
// stores nothing and returns network.ErrNoPendingTransfer.
func (n *Node) ResolveTransfer(request network.TransferRequest, accept bool) error {
	n.mu.Lock()
	server := n.server
	n.mu.Unlock()
	if server == nil {
		return ErrNotStarted
	}
	return server.ResolveTransfer(request.ID, accept)
}

// receive runs the configured decision. The server stores accepted notes
// through storeTransfer.
func (n *Node) receive(ctx context.Context, payload string) (bool, error) {
	if _, err := network.DecodeNotes(payload); err != nil {
		n.logger.Warn("rejecting malformed transfer", zap.Error(err))
		return false, nil
	}
	return n.decide(ctx, payload)
}

func (n *Node) storeTransfer(payload string) error {
	items, err := network.DecodeNotes(payload)
	if err != nil {
		return err
	}

	notes := make([]models.Note, 0, len(items))
	for _, item := range items {
		notes = append(notes, models.Note{
			Content:     item.Content,
			ContentType: item.ContentType,
			TextColor:   item.TextColor,
		})
	}
	ids, err := n.store.InsertAll(notes)
	if err != nil {
		return fmt.Errorf("store received notes: %w", err)
	}
	n.logger.Info("received notes stored", zap.Int("notes", len(ids)))
	return nil
}

// CaptureClipboard stores text as a clipboard note. Empty text and text
// seen among the recent captures are skipped; stored reports whether a note
// was added.
func (n *Node) CaptureClipboard(text string) (stored bool, err error) {
	if text == "" {
		return false, nil
	}

	n.captureMu.Lock()
	defer n.captureMu.Unlock()
	for _, recent := range n.recentCaptures {
		if recent == text {
			return false, nil
		}
	}

	if _, err := n.store.Insert(models.Note{
		Content:     text,
		ContentType: models.ContentTypeClipboardText,
		TextColor:   n.cfg.ClipboardTextColor,
	}); err != nil {
		return false, fmt.Errorf("store clipboard note: %w", err)
	}

	n.recentCaptures = append(n.recentCaptures, text)
	if len(n.recentCaptures) > recentCaptureLimit {
		n.recentCaptures = n.recentCaptures[len(n.recentCaptures)-recentCaptureLimit:]
	}
	return true, nil
}

// AddNote stores text typed by the user.
func (n *Node) AddNote(text string) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, errors.New("note is empty")
	}
	return n.store.Insert(models.Note{
		Content:     text,
		ContentType: models.ContentTypeUserInputText,
		TextColor:   n.cfg.UserInputTextColor,
	})
}

// Stop stops discovery and the sync server, then closes the store when it
// is an io.Closer. It is safe to call repeatedly.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	service := n.discovery
	server := n.server
	n.mu.Unlock()

	var result *multierror.Error
	if service != nil {
		service.Stop()
	}
	if server != nil {
		if err := server.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close sync server: %w", err))
		}
	}
	if closer, ok := n.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close note store: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// instanceSuffix shortens the device id so several devices on one link
// advertise distinct names.
func instanceSuffix(deviceID string) string {
	id := strings.ReplaceAll(deviceID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}
