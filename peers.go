package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"clipnotes/app"
	"clipnotes/models"
)

func newPeersCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Browse the local network and list devices found",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			node, err := startTransientNode(env)
			if err != nil {
				return err
			}
			defer node.Stop()

			if wait <= 0 {
				wait = env.cfg.ScanWindow.Std() + time.Second
			}
			select {
			case <-time.After(wait):
			case <-cmd.Context().Done():
			}

			peers := node.Peers()
			out := cmd.OutOrStdout()
			if len(peers) == 0 {
				fmt.Fprintln(out, "No peers found.")
				return nil
			}
			for _, peer := range peers {
				fmt.Fprintf(out, "%s\t%s\n", peer.PeerID, peer.Address())
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 0, "how long to browse (default: scan window + 1s)")
	return cmd
}

// startTransientNode runs a node for a one-shot command. Incoming transfers
// are rejected.
func startTransientNode(env *environment) (*app.Node, error) {
	node, err := app.New(app.Options{
		Config: env.cfg,
		Store:  env.store,
		Logger: env.logger,
		Decide: func(context.Context, string) (bool, error) { return false, nil },
	})
	if err != nil {
		return nil, err
	}
	if err := node.Start(); err != nil {
		return nil, fmt.Errorf("start node: %w", err)
	}
	return node, nil
}

// waitForPeer blocks until peerID is discovered or ctx ends.
func waitForPeer(ctx context.Context, node *app.Node, peerID string) (models.PeerDevice, error) {
	updates, unwatch := node.WatchPeers()
	defer unwatch()

	for {
		select {
		case peers, ok := <-updates:
			if !ok {
				return models.PeerDevice{}, fmt.Errorf("%w: %q", app.ErrUnknownPeer, peerID)
			}
			for _, peer := range peers {
				if peer.PeerID == peerID {
					return peer, nil
				}
			}
		case <-ctx.Done():
			return models.PeerDevice{}, fmt.Errorf("%w: %q not found before timeout", app.ErrUnknownPeer, peerID)
		}
	}
}

// parsePeerAddress accepts host:port targets given directly on the command line.
func parsePeerAddress(target string) (models.PeerDevice, bool) {
	host, portText, err := net.SplitHostPort(target)
	if err != nil || host == "" {
		return models.PeerDevice{}, false
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return models.PeerDevice{}, false
	}
	return models.PeerDevice{
		DisplayName: target,
		Host:        host,
		Port:        port,
		PeerID:      target,
	}, true
}
