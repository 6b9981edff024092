package network

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"clipnotes/logging"
	"clipnotes/metrics"
	"clipnotes/models"
)

// DefaultDialTimeout bounds establishing the TCP connection.
const DefaultDialTimeout = 10 * time.Second

// Client sends note transfers to peers.
type Client struct {
	// DialTimeout defaults to DefaultDialTimeout.
	DialTimeout time.Duration
	// ReplyTimeout bounds the wait for the reply line, which includes the
	// remote user's decision. Zero waits until ctx is done.
	ReplyTimeout time.Duration
	Logger       *zap.Logger
}

// Send delivers items to peer and returns the peer's reply. Failures are
// reported through the reply itself: NO_RESPONSE when the peer closed
// without answering, or an ERROR: prefixed reply for local failures.
func (c *Client) Send(ctx context.Context, peer models.PeerDevice, items []models.NoteTransferItem) Reply {
	logger := logging.OrDiscard(c.logger()).With(zap.String("peer_id", peer.PeerID), zap.String("addr", peer.Address()))

	reply, err := c.send(ctx, peer, items)
	if err != nil {
		metrics.ConnectionErrorsTotal.WithLabelValues("client").Inc()
		logger.Warn("send notes failed", zap.Error(err))
		reply = ErrorReply(err)
	}
	metrics.TransferRepliesTotal.WithLabelValues("client", reply.metricLabel()).Inc()
	logger.Info("send notes finished", zap.Int("notes", len(items)), zap.Stringer("reply", reply))
	return reply
}

func (c *Client) logger() *zap.Logger {
	if c == nil {
		return nil
	}
	return c.Logger
}

func (c *Client) send(ctx context.Context, peer models.PeerDevice, items []models.NoteTransferItem) (Reply, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	line, err := EncodeTransferRequest(items)
	if err != nil {
		return "", err
	}

	dialTimeout := DefaultDialTimeout
	var replyTimeout time.Duration
	if c != nil {
		if c.DialTimeout > 0 {
			dialTimeout = c.DialTimeout
		}
		replyTimeout = c.ReplyTimeout
	}

	address := peer.Address()
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return "", &ConnectionError{Op: "dial", Remote: address, Err: err}
	}
	defer conn.Close()

	// Unblock reads and writes when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(line); err != nil {
		return "", &ConnectionError{Op: "write request", Remote: address, Err: ctxErr(ctx, err)}
	}

	if replyTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(replyTimeout)); err != nil {
			return "", &ConnectionError{Op: "set read deadline", Remote: address, Err: err}
		}
	}

	replyLine, err := ReadLine(bufio.NewReader(conn), MaxReplySize)
	if err != nil {
		if errors.Is(err, io.EOF) && ctx.Err() == nil {
			return ReplyNoResponse, nil
		}
		return "", &ConnectionError{Op: "read reply", Remote: address, Err: ctxErr(ctx, err)}
	}
	return Reply(replyLine), nil
}

// ctxErr prefers the context's error over the deadline error it caused.
func ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
