package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"clipnotes/models"
	"clipnotes/notesfile"
)

func newNotesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notes",
		Short: "List and edit stored notes",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List notes, newest first; unread notes are starred",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			notes, err := env.store.AllNotes()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(notes) == 0 {
				fmt.Fprintln(out, "No notes.")
				return nil
			}
			for _, note := range notes {
				fmt.Fprintln(out, formatNote(note))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <text>",
		Short: "Add a note typed by the user",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			id, err := env.store.Insert(models.Note{
				Content:     strings.Join(args, " "),
				ContentType: models.ContentTypeUserInputText,
				TextColor:   env.cfg.UserInputTextColor,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added note %d\n", id)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print a note and mark it read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid note id %q", args[0])
			}

			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			note, err := env.store.GetNote(id)
			if err != nil {
				return err
			}
			if err := env.store.MarkRead(id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), note.Content)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every text note",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			removed, err := env.store.DeleteAllTextNotes()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d note(s)\n", removed)
			return nil
		},
	})

	return cmd
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Write every text note to a file, separated by blank lines",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := notesfile.DefaultFileName
			if len(args) == 1 {
				path = args[0]
			}

			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			count, err := notesfile.Export(env.store, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d note(s) to %s\n", count, path)
			return nil
		},
	}
}

func newImportCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Replace every text note with the notes in a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("import replaces all text notes; rerun with --yes to confirm")
			}

			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			count, err := notesfile.Import(env.store, args[0], env.cfg.UserInputTextColor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d note(s)\n", count)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm replacing existing text notes")
	return cmd
}
