package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"clipnotes/app"
	"clipnotes/metrics"
	"clipnotes/models"
	"clipnotes/network"
)

const previewLength = 60

func newServeCmd() *cobra.Command {
	var (
		autoAccept   bool
		autoReject   bool
		captureStdin bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Advertise this device and receive notes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if autoAccept && autoReject {
				return errors.New("--auto-accept and --auto-reject are exclusive")
			}
			if captureStdin && !autoAccept && !autoReject {
				return errors.New("--capture-stdin needs --auto-accept or --auto-reject, stdin is used for prompts otherwise")
			}

			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var decide network.DecisionFunc
			switch {
			case autoAccept:
				decide = fixedDecision(cmd.OutOrStdout(), true)
			case autoReject:
				decide = fixedDecision(cmd.OutOrStdout(), false)
			default:
				decide = newTerminalPrompt(os.Stdin, cmd.OutOrStdout()).Decide
			}

			node, err := app.New(app.Options{
				Config: env.cfg,
				Store:  env.store,
				Logger: env.logger,
				Decide: decide,
			})
			if err != nil {
				return err
			}
			if err := node.Start(); err != nil {
				return fmt.Errorf("start node: %w", err)
			}
			defer func() {
				if err := node.Stop(); err != nil {
					env.logger.Warn("shutdown error", zap.Error(err))
				}
			}()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device ID:       %s\n", env.cfg.DeviceID)
			fmt.Fprintf(out, "Device Name:     %s\n", env.cfg.DeviceName)
			fmt.Fprintf(out, "Listening Port:  %d\n", node.Port())
			fmt.Fprintf(out, "Service:         %s\n", valueOr(node.ServiceID(), "not advertised"))
			fmt.Fprintf(out, "Config File:     %s\n", env.cfgPath)
			fmt.Fprintf(out, "Database File:   %s\n", env.dbPath)

			if env.cfg.MetricsAddr != "" {
				go func() {
					if err := metrics.Serve(ctx, env.cfg.MetricsAddr); err != nil {
						env.logger.Warn("metrics endpoint failed", zap.Error(err))
					}
				}()
				fmt.Fprintf(out, "Metrics:         http://%s/metrics\n", env.cfg.MetricsAddr)
			}

			peers, unwatch := node.WatchPeers()
			defer unwatch()
			go printPeerChanges(out, peers)

			if captureStdin {
				go captureLines(ctx, node, os.Stdin, env.logger)
			}

			fmt.Fprintln(out, "Status:          running (press Ctrl+C to stop)")
			<-ctx.Done()
			fmt.Fprintln(out, "Status:          shutting down")
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoAccept, "auto-accept", false, "accept every incoming transfer")
	cmd.Flags().BoolVar(&autoReject, "auto-reject", false, "reject every incoming transfer")
	cmd.Flags().BoolVar(&captureStdin, "capture-stdin", false, "store each line read from stdin as a clipboard note")
	return cmd
}

func fixedDecision(out io.Writer, accept bool) network.DecisionFunc {
	return func(ctx context.Context, payload string) (bool, error) {
		items, err := network.DecodeNotes(payload)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "Incoming:        %d note(s), %s\n", len(items), decisionWord(accept))
		return accept, nil
	}
}

func decisionWord(accept bool) string {
	if accept {
		return string(network.ReplyAccepted)
	}
	return string(network.ReplyRejected)
}

// terminalPrompt asks on the terminal, one transfer at a time.
type terminalPrompt struct {
	mu      sync.Mutex
	out     io.Writer
	answers chan string
}

func newTerminalPrompt(in io.Reader, out io.Writer) *terminalPrompt {
	p := &terminalPrompt{
		out:     out,
		answers: make(chan string),
	}
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			p.answers <- strings.TrimSpace(scanner.Text())
		}
		close(p.answers)
	}()
	return p
}

// Decide shows a preview of the transfer and waits for y or n.
func (p *terminalPrompt) Decide(ctx context.Context, payload string) (bool, error) {
	items, err := network.DecodeNotes(payload)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "\nIncoming transfer of %d note(s):\n", len(items))
	for i, item := range items {
		fmt.Fprintf(p.out, "  %d. [%s] %s\n", i+1, item.ContentType, preview(item.Content))
	}

	for {
		fmt.Fprint(p.out, "Accept? [y/n] ")
		select {
		case answer, ok := <-p.answers:
			if !ok {
				return false, errors.New("terminal input closed")
			}
			switch strings.ToLower(answer) {
			case "y", "yes":
				return true, nil
			case "n", "no":
				return false, nil
			}
		case <-ctx.Done():
			fmt.Fprintln(p.out, "\nTransfer expired.")
			return false, ctx.Err()
		}
	}
}

func preview(content string) string {
	line, _, _ := strings.Cut(content, "\n")
	runes := []rune(line)
	if len(runes) > previewLength {
		return string(runes[:previewLength]) + "…"
	}
	if len(line) < len(content) {
		return line + " …"
	}
	return line
}

func printPeerChanges(out io.Writer, updates <-chan []models.PeerDevice) {
	for peers := range updates {
		fmt.Fprintf(out, "Peers:           %d available\n", len(peers))
		for _, peer := range peers {
			fmt.Fprintf(out, "  %s  %s\n", peer.PeerID, peer.Address())
		}
	}
}

func captureLines(ctx context.Context, node *app.Node, in io.Reader, logger *zap.Logger) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), network.MaxRequestSize)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if _, err := node.CaptureClipboard(scanner.Text()); err != nil {
			logger.Warn("clipboard capture failed", zap.Error(err))
		}
	}
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
