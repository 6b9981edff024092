package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clipnotes/logging"
	"clipnotes/metrics"
)

const (
	// DefaultRequestReadTimeout bounds how long a connection may take to
	// deliver its request line.
	DefaultRequestReadTimeout = 30 * time.Second
	// DefaultReplyWriteTimeout bounds writing the reply line.
	DefaultReplyWriteTimeout = 10 * time.Second

	pendingQueueSize = 16
)

// ErrNoPendingTransfer is returned when resolving a transfer that was
// already resolved, expired or never queued.
var ErrNoPendingTransfer = errors.New("no pending transfer")

// DecisionFunc decides whether to accept an incoming transfer. payload is
// the raw JSON array that followed the SEND_NOTES verb. ctx is cancelled
// when the server closes or the decision times out.
type DecisionFunc func(ctx context.Context, payload string) (bool, error)

// TransferRequest is an incoming transfer waiting for a decision through
// ResolveTransfer.
type TransferRequest struct {
	ID         string
	Remote     string
	Payload    string
	ReceivedAt time.Time
}

// ServerOptions configures the sync server.
type ServerOptions struct {
	Logger *zap.Logger

	// OnReceiveNotes is asked about every transfer. When nil, transfers are
	// queued on PendingTransfers and answered through ResolveTransfer.
	OnReceiveNotes DecisionFunc

	// OnAccept runs once a transfer is accepted and before ACCEPTED is
	// written. The transfer cannot time out while it runs. An error turns
	// the reply into REJECTED.
	OnAccept func(payload string) error

	// DecisionTimeout bounds the decision wait. Zero waits until the server
	// closes. A timed-out transfer is rejected.
	DecisionTimeout time.Duration

	RequestReadTimeout time.Duration
	ReplyWriteTimeout  time.Duration
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	out.Logger = logging.OrDiscard(out.Logger)
	if out.RequestReadTimeout <= 0 {
		out.RequestReadTimeout = DefaultRequestReadTimeout
	}
	if out.ReplyWriteTimeout <= 0 {
		out.ReplyWriteTimeout = DefaultReplyWriteTimeout
	}
	if out.DecisionTimeout < 0 {
		out.DecisionTimeout = 0
	}
	return out
}

// Server accepts one request per connection and answers it.
type Server struct {
	listener net.Listener
	options  ServerOptions
	logger   *zap.Logger

	pending chan TransferRequest

	decisionsMu sync.Mutex
	decisions   map[string]*pendingDecision

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and its accept loop. An empty address binds
// an ephemeral port on all interfaces.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, &ConnectionError{Op: "listen", Remote: address, Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		listener:  listener,
		options:   opts,
		logger:    opts.Logger,
		pending:   make(chan TransferRequest, pendingQueueSize),
		decisions: make(map[string]*pendingDecision),
		conns:     make(map[net.Conn]struct{}),
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
	}

	server.logger.Info("sync server listening", zap.String("addr", listener.Addr().String()))

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// PendingTransfers delivers transfers waiting for ResolveTransfer. It is
// only fed when no OnReceiveNotes callback is configured.
func (s *Server) PendingTransfers() <-chan TransferRequest {
	return s.pending
}

// ResolveTransfer answers a queued transfer. Each transfer can be resolved
// once. When accepting, the OnAccept error is returned and the sender is
// told REJECTED.
func (s *Server) ResolveTransfer(id string, accept bool) error {
	s.decisionsMu.Lock()
	decision, ok := s.decisions[id]
	if ok {
		delete(s.decisions, id)
	}
	s.decisionsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrNoPendingTransfer, id)
	}

	var err error
	if accept && s.options.OnAccept != nil {
		if err = s.options.OnAccept(decision.payload); err != nil {
			accept = false
		}
	}
	decision.result <- accept
	return err
}

// Close stops accepting, abandons transfers still waiting for a decision
// and waits for connection handlers to return. It is safe to call more
// than once.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		closeErr = s.listener.Close()

		s.connsMu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.connsMu.Unlock()

		s.wg.Wait()
		s.logger.Info("sync server stopped")
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			metrics.ConnectionErrorsTotal.WithLabelValues("server").Inc()
			s.logger.Warn("accept failed", zap.Error(&ConnectionError{Op: "accept", Err: err}))
			select {
			case <-time.After(50 * time.Millisecond):
			case <-s.closed:
				return
			}
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		metrics.ConnectionsTotal.Inc()
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	select {
	case <-s.closed:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
	_ = conn.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)

	remote := conn.RemoteAddr().String()
	logger := s.logger.With(zap.String("remote", remote))

	if err := conn.SetReadDeadline(time.Now().Add(s.options.RequestReadTimeout)); err != nil {
		s.connectionFailed(logger, &ConnectionError{Op: "set read deadline", Remote: remote, Err: err})
		return
	}
	line, err := ReadLine(bufio.NewReader(conn), MaxRequestSize)
	if err != nil {
		if errors.Is(err, io.EOF) {
			logger.Debug("connection closed before a request")
			return
		}
		s.connectionFailed(logger, &ConnectionError{Op: "read request", Remote: remote, Err: err})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	reply := ReplyUnknown
	request, err := ParseRequest(line)
	if err != nil {
		logger.Info("unrecognized request", zap.Error(err))
	} else {
		accept, ok := s.decide(logger, remote, request.Payload)
		if !ok {
			logger.Debug("transfer abandoned without a reply")
			return
		}
		reply = decisionReply(accept)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(s.options.ReplyWriteTimeout)); err != nil {
		s.connectionFailed(logger, &ConnectionError{Op: "set write deadline", Remote: remote, Err: err})
		return
	}
	if err := WriteLine(conn, string(reply)); err != nil {
		s.connectionFailed(logger, &ConnectionError{Op: "write reply", Remote: remote, Err: err})
		return
	}

	metrics.TransferRepliesTotal.WithLabelValues("server", reply.metricLabel()).Inc()
	logger.Info("request answered", zap.Stringer("reply", reply))
}

// pendingDecision is a transfer waiting to be resolved. Whoever removes it
// from the decisions map owns its outcome.
type pendingDecision struct {
	payload string
	result  chan bool
}

// decide blocks until the transfer is accepted or rejected. ok is false
// when the server is closing and the connection should be dropped.
func (s *Server) decide(logger *zap.Logger, remote, payload string) (accept bool, ok bool) {
	ctx := s.ctx
	if s.options.DecisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.options.DecisionTimeout)
		defer cancel()
	}

	started := time.Now()
	defer func() {
		metrics.DecisionWaitSeconds.Observe(time.Since(started).Seconds())
	}()

	id := uuid.NewString()
	decision := &pendingDecision{payload: payload, result: make(chan bool, 1)}
	s.decisionsMu.Lock()
	s.decisions[id] = decision
	s.decisionsMu.Unlock()
	defer s.removeDecision(id, decision)

	if s.options.OnReceiveNotes != nil {
		onReceive := s.options.OnReceiveNotes
		go func() {
			accept, err := onReceive(ctx, payload)
			if err != nil {
				logger.Warn("transfer decision failed", zap.Error(err))
				accept = false
			}
			switch err := s.ResolveTransfer(id, accept); {
			case errors.Is(err, ErrNoPendingTransfer):
				logger.Info("transfer decided after it expired", zap.Bool("accept", accept))
			case err != nil:
				logger.Warn("accepted transfer not applied", zap.Error(err))
			}
		}()
	} else {
		request := TransferRequest{
			ID:         id,
			Remote:     remote,
			Payload:    payload,
			ReceivedAt: started,
		}
		select {
		case s.pending <- request:
		case <-ctx.Done():
			return s.decisionExpired(logger, id, decision)
		}
	}

	select {
	case accept = <-decision.result:
		return accept, true
	case <-ctx.Done():
		return s.decisionExpired(logger, id, decision)
	}
}

// decisionExpired withdraws a transfer whose wait ended. A resolver that
// already claimed it decides the reply.
func (s *Server) decisionExpired(logger *zap.Logger, id string, decision *pendingDecision) (bool, bool) {
	if !s.removeDecision(id, decision) {
		select {
		case accept := <-decision.result:
			return accept, true
		case <-s.ctx.Done():
			return false, false
		}
	}
	if s.ctx.Err() != nil {
		return false, false
	}
	logger.Info("transfer decision timed out", zap.Duration("timeout", s.options.DecisionTimeout))
	return false, true
}

func (s *Server) removeDecision(id string, decision *pendingDecision) bool {
	s.decisionsMu.Lock()
	defer s.decisionsMu.Unlock()
	if s.decisions[id] != decision {
		return false
	}
	delete(s.decisions, id)
	return true
}

func (s *Server) connectionFailed(logger *zap.Logger, err error) {
	// Shutdown closes tracked connections, producing expected errors.
	select {
	case <-s.closed:
		if errors.Is(err, net.ErrClosed) {
			return
		}
	default:
	}
	metrics.ConnectionErrorsTotal.WithLabelValues("server").Inc()
	logger.Warn("connection abandoned", zap.Error(err))
}
