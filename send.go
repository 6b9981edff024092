package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"clipnotes/models"
	"clipnotes/network"
)

func newSendCmd() *cobra.Command {
	var (
		to      string
		all     bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send --to <peer-id|host:port> [note-id...]",
		Short: "Send notes to a peer and wait for its decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return errors.New("--to is required")
			}
			if all == (len(args) > 0) {
				return errors.New("give either note ids or --all")
			}

			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			ids, err := noteIDs(args)
			if err != nil {
				return err
			}
			if all {
				notes, err := env.store.AllTextNotes()
				if err != nil {
					return err
				}
				for _, note := range notes {
					ids = append(ids, note.ID)
				}
			}

			node, err := startTransientNode(env)
			if err != nil {
				return err
			}
			defer node.Stop()

			peer, direct := parsePeerAddress(to)
			if !direct {
				if timeout <= 0 {
					timeout = env.cfg.ScanWindow.Std() + 2*time.Second
				}
				findCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
				peer, err = waitForPeer(findCtx, node, to)
				cancel()
				if err != nil {
					return err
				}
			}

			reply, err := node.SendNotesTo(cmd.Context(), peer, ids)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			if reply != network.ReplyAccepted {
				return fmt.Errorf("peer %s answered %s", peer.PeerID, reply)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "peer service id or host:port")
	cmd.Flags().BoolVar(&all, "all", false, "send every text note")
	cmd.Flags().DurationVar(&timeout, "find-timeout", 0, "how long to look for the peer (default: scan window + 2s)")
	return cmd
}

func noteIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid note id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func formatNote(note models.Note) string {
	read := " "
	if !note.IsRead {
		read = "*"
	}
	created := time.UnixMilli(note.CreatedAt).Format("2006-01-02 15:04")
	return fmt.Sprintf("%s %4d  %s  %-15s  %s", read, note.ID, created, note.ContentType, preview(note.Content))
}
