package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"clipnotes/metrics"
	"clipnotes/models"
)

func testItems() []models.NoteTransferItem {
	return []models.NoteTransferItem{
		{Content: "shopping list", ContentType: models.ContentTypeUserInputText, TextColor: -16776961},
		{Content: "https://example.com", ContentType: models.ContentTypeClipboardText, TextColor: -16777216},
	}
}

func listenForTest(t *testing.T, options ServerOptions) *Server {
	t.Helper()
	server, err := Listen("127.0.0.1:0", options)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = server.Close()
	})
	return server
}

func peerFor(server *Server) models.PeerDevice {
	return models.PeerDevice{
		DisplayName: "test",
		Host:        "127.0.0.1",
		Port:        server.Port(),
		PeerID:      "ClipboardNotes-test",
	}
}

func rawExchange(t *testing.T, address, request string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", address, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte(request))
	require.NoError(t, err)

	line, err := ReadLine(bufio.NewReader(conn), MaxReplySize)
	require.NoError(t, err)
	return line
}

func TestSendAccepted(t *testing.T) {
	var mu sync.Mutex
	var received []models.NoteTransferItem

	server := listenForTest(t, ServerOptions{
		OnReceiveNotes: func(ctx context.Context, payload string) (bool, error) {
			items, err := DecodeNotes(payload)
			if err != nil {
				return false, err
			}
			mu.Lock()
			received = items
			mu.Unlock()
			return true, nil
		},
	})

	client := &Client{DialTimeout: time.Second, ReplyTimeout: 5 * time.Second}
	reply := client.Send(context.Background(), peerFor(server), testItems())
	assert.Equal(t, ReplyAccepted, reply)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, testItems(), received)
}

func TestSendRejected(t *testing.T) {
	server := listenForTest(t, ServerOptions{
		OnReceiveNotes: func(ctx context.Context, payload string) (bool, error) {
			return false, nil
		},
	})

	reply := (&Client{}).Send(context.Background(), peerFor(server), testItems())
	assert.Equal(t, ReplyRejected, reply)
}

func TestDecisionErrorRejects(t *testing.T) {
	server := listenForTest(t, ServerOptions{
		OnReceiveNotes: func(ctx context.Context, payload string) (bool, error) {
			return true, errors.New("ui unavailable")
		},
	})

	reply := (&Client{}).Send(context.Background(), peerFor(server), testItems())
	assert.Equal(t, ReplyRejected, reply)
}

func TestUnknownVerbAnswersUnknown(t *testing.T) {
	called := make(chan struct{}, 1)
	server := listenForTest(t, ServerOptions{
		OnReceiveNotes: func(ctx context.Context, payload string) (bool, error) {
			called <- struct{}{}
			return true, nil
		},
	})

	assert.Equal(t, "UNKNOWN", rawExchange(t, server.Addr().String(), "PING\n"))
	select {
	case <-called:
		t.Fatal("decision callback must not run for unknown verbs")
	default:
	}
}

func TestRawPayloadReachesDecision(t *testing.T) {
	payloads := make(chan string, 1)
	server := listenForTest(t, ServerOptions{
		OnReceiveNotes: func(ctx context.Context, payload string) (bool, error) {
			payloads <- payload
			return true, nil
		},
	})

	payload := `[{"content":"a","contentType":"CLIPBOARD_TEXT","textColor":-65536}]`
	assert.Equal(t, "ACCEPTED", rawExchange(t, server.Addr().String(), VerbSendNotes+payload+"\n"))
	assert.Equal(t, payload, <-payloads)
}

func TestNoResponseWhenPeerClosesWithoutReply(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		_, _ = ReadLine(bufio.NewReader(conn), MaxRequestSize)
		_ = conn.Close()
	}()

	peer := models.PeerDevice{Host: "127.0.0.1", Port: listener.Addr().(*net.TCPAddr).Port}
	reply := (&Client{ReplyTimeout: 5 * time.Second}).Send(context.Background(), peer, testItems())
	assert.Equal(t, ReplyNoResponse, reply)
}

func TestErrorReplyWhenNothingListens(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	reply := (&Client{DialTimeout: time.Second}).Send(context.Background(), models.PeerDevice{Host: "127.0.0.1", Port: port}, testItems())
	assert.True(t, strings.HasPrefix(string(reply), "ERROR: "), "got %q", reply)
	assert.True(t, reply.IsError())
}

func TestErrorReplyOnReplyTimeout(t *testing.T) {
	release := make(chan struct{})
	server := listenForTest(t, ServerOptions{
		OnReceiveNotes: func(ctx context.Context, payload string) (bool, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return true, nil
		},
	})
	defer close(release)

	reply := (&Client{ReplyTimeout: 100 * time.Millisecond}).Send(context.Background(), peerFor(server), testItems())
	assert.True(t, reply.IsError(), "got %q", reply)
}

func TestSendHonorsContextCancel(t *testing.T) {
	server := listenForTest(t, ServerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-server.PendingTransfers()
		cancel()
	}()

	reply := (&Client{}).Send(ctx, peerFor(server), testItems())
	assert.True(t, reply.IsError(), "got %q", reply)
	assert.Contains(t, string(reply), context.Canceled.Error())
}

func TestQueuedDecision(t *testing.T) {
	server := listenForTest(t, ServerOptions{})

	replies := make(chan Reply, 1)
	go func() {
		replies <- (&Client{}).Send(context.Background(), peerFor(server), testItems())
	}()

	var request TransferRequest
	select {
	case request = <-server.PendingTransfers():
	case <-time.After(5 * time.Second):
		t.Fatal("transfer was not queued")
	}
	assert.NotEmpty(t, request.ID)
	assert.NotEmpty(t, request.Remote)
	items, err := DecodeNotes(request.Payload)
	require.NoError(t, err)
	assert.Equal(t, testItems(), items)

	require.NoError(t, server.ResolveTransfer(request.ID, true))
	assert.Error(t, server.ResolveTransfer(request.ID, false), "a transfer resolves once")
	assert.Equal(t, ReplyAccepted, <-replies)

	assert.Error(t, server.ResolveTransfer("missing", true))
}

func TestDecisionTimeoutRejects(t *testing.T) {
	server := listenForTest(t, ServerOptions{DecisionTimeout: 50 * time.Millisecond})

	reply := (&Client{}).Send(context.Background(), peerFor(server), testItems())
	assert.Equal(t, ReplyRejected, reply)

	request := <-server.PendingTransfers()
	assert.Error(t, server.ResolveTransfer(request.ID, true), "expired transfers cannot be resolved")
}

func TestExpiredTransferIsNotAccepted(t *testing.T) {
	var accepted atomic.Int32
	server := listenForTest(t, ServerOptions{
		DecisionTimeout: 50 * time.Millisecond,
		OnAccept: func(payload string) error {
			accepted.Add(1)
			return nil
		},
	})

	reply := (&Client{}).Send(context.Background(), peerFor(server), testItems())
	assert.Equal(t, ReplyRejected, reply)

	request := <-server.PendingTransfers()
	assert.ErrorIs(t, server.ResolveTransfer(request.ID, true), ErrNoPendingTransfer)
	assert.Zero(t, accepted.Load())
}

func TestLateCallbackAcceptIsDiscarded(t *testing.T) {
	decided := make(chan struct{})
	var accepted atomic.Int32
	server := listenForTest(t, ServerOptions{
		DecisionTimeout: 50 * time.Millisecond,
		OnReceiveNotes: func(ctx context.Context, payload string) (bool, error) {
			defer close(decided)
			time.Sleep(200 * time.Millisecond)
			return true, nil
		},
		OnAccept: func(payload string) error {
			accepted.Add(1)
			return nil
		},
	})

	reply := (&Client{}).Send(context.Background(), peerFor(server), testItems())
	assert.Equal(t, ReplyRejected, reply)

	<-decided
	assert.Never(t, func() bool { return accepted.Load() > 0 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestClaimedTransferOutlivesDecisionTimeout(t *testing.T) {
	server := listenForTest(t, ServerOptions{
		DecisionTimeout: 100 * time.Millisecond,
		OnAccept: func(payload string) error {
			time.Sleep(300 * time.Millisecond)
			return nil
		},
	})

	replies := make(chan Reply, 1)
	go func() {
		replies <- (&Client{}).Send(context.Background(), peerFor(server), testItems())
	}()

	request := <-server.PendingTransfers()
	require.NoError(t, server.ResolveTransfer(request.ID, true))
	assert.Equal(t, ReplyAccepted, <-replies)
}

func TestOnAcceptFailureRejects(t *testing.T) {
	errDiskFull := errors.New("disk full")
	server := listenForTest(t, ServerOptions{
		OnAccept: func(payload string) error {
			return errDiskFull
		},
	})

	replies := make(chan Reply, 1)
	go func() {
		replies <- (&Client{}).Send(context.Background(), peerFor(server), testItems())
	}()

	request := <-server.PendingTransfers()
	assert.ErrorIs(t, server.ResolveTransfer(request.ID, true), errDiskFull)
	assert.Equal(t, ReplyRejected, <-replies)
}

func TestCloseAbandonsPendingDecision(t *testing.T) {
	server, err := Listen("127.0.0.1:0", ServerOptions{})
	require.NoError(t, err)

	replies := make(chan Reply, 1)
	go func() {
		replies <- (&Client{}).Send(context.Background(), peerFor(server), testItems())
	}()
	<-server.PendingTransfers()

	require.NoError(t, server.Close())
	assert.NoError(t, server.Close())

	select {
	case reply := <-replies:
		assert.Equal(t, ReplyNoResponse, reply)
	case <-time.After(5 * time.Second):
		t.Fatal("client still waiting after server close")
	}

	_, err = net.DialTimeout("tcp", server.Addr().String(), time.Second)
	assert.Error(t, err, "listener must be closed")
}

func TestConcurrentConnections(t *testing.T) {
	server := listenForTest(t, ServerOptions{
		OnReceiveNotes: func(ctx context.Context, payload string) (bool, error) {
			items, err := DecodeNotes(payload)
			if err != nil {
				return false, err
			}
			return strings.HasSuffix(items[0].Content, "even"), nil
		},
	})

	const n = 20
	var wg sync.WaitGroup
	results := make([]Reply, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			suffix := "odd"
			if i%2 == 0 {
				suffix = "even"
			}
			results[i] = (&Client{}).Send(context.Background(), peerFor(server), []models.NoteTransferItem{
				{Content: fmt.Sprintf("note %d %s", i, suffix), ContentType: models.ContentTypeUserInputText},
			})
		}(i)
	}
	wg.Wait()

	for i, reply := range results {
		if i%2 == 0 {
			assert.Equal(t, ReplyAccepted, reply, "request %d", i)
		} else {
			assert.Equal(t, ReplyRejected, reply, "request %d", i)
		}
	}
}

func TestServerSurvivesBrokenConnections(t *testing.T) {
	server := listenForTest(t, ServerOptions{
		OnReceiveNotes: func(ctx context.Context, payload string) (bool, error) {
			return true, nil
		},
	})

	// Connect and hang up without a request.
	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	assert.Equal(t, ReplyAccepted, (&Client{}).Send(context.Background(), peerFor(server), testItems()))
}

func TestOversizedRequestIsDropped(t *testing.T) {
	server := listenForTest(t, ServerOptions{
		OnReceiveNotes: func(ctx context.Context, payload string) (bool, error) {
			return true, nil
		},
	})

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	go func() {
		chunk := []byte(strings.Repeat("a", 64*1024))
		_, _ = conn.Write([]byte(VerbSendNotes))
		for written := 0; written <= MaxRequestSize; written += len(chunk) {
			if _, err := conn.Write(chunk); err != nil {
				return
			}
		}
	}()

	_, err = ReadLine(bufio.NewReader(conn), MaxReplySize)
	assert.Error(t, err, "oversized request gets no reply")

	assert.Equal(t, ReplyAccepted, (&Client{}).Send(context.Background(), peerFor(server), testItems()))
}

func TestStalledRequestIsLoggedAsConnectionError(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	server := listenForTest(t, ServerOptions{
		Logger:             zap.New(core),
		RequestReadTimeout: 50 * time.Millisecond,
	})

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(VerbSendNotes + "[")) // never terminated
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("connection abandoned").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	entry := logs.FilterMessage("connection abandoned").All()[0]
	msg, ok := entry.ContextMap()["error"].(string)
	require.True(t, ok)
	assert.Contains(t, msg, "connection read request")
}

func TestRepliesAreCounted(t *testing.T) {
	server := listenForTest(t, ServerOptions{
		OnReceiveNotes: func(ctx context.Context, payload string) (bool, error) {
			return true, nil
		},
	})

	serverBefore := testutil.ToFloat64(metrics.TransferRepliesTotal.WithLabelValues("server", "ACCEPTED"))
	clientBefore := testutil.ToFloat64(metrics.TransferRepliesTotal.WithLabelValues("client", "ACCEPTED"))

	require.Equal(t, ReplyAccepted, (&Client{}).Send(context.Background(), peerFor(server), testItems()))

	assert.Equal(t, clientBefore+1, testutil.ToFloat64(metrics.TransferRepliesTotal.WithLabelValues("client", "ACCEPTED")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.TransferRepliesTotal.WithLabelValues("server", "ACCEPTED")) >= serverBefore+1
	}, time.Second, 10*time.Millisecond)
}
