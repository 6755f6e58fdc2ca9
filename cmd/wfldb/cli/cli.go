// Package cli builds the wfldb command tree. It follows the teacher's
// cobra conventions (persistent flags, one constructor per command) but
// talks to an in-process internal/engine.Engine rather than a Connect RPC
// server, since wflDB's transport is an external collaborator outside
// this repo's scope.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"wfldb/internal/engine"
	"wfldb/internal/logging"
	"wfldb/internal/substrate"
)

// NewRootCommand builds the wfldb command tree.
func NewRootCommand() *cobra.Command {
	var dataDir string
	var output string

	root := &cobra.Command{
		Use:           "wfldb",
		Short:         "wfldb is a reference CLI over a local wflDB engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "./wfldb-data", "engine data directory")
	root.PersistentFlags().StringVarP(&output, "output", "o", "table", "output format: table|json")

	open := func(cmd *cobra.Command) (*engine.Engine, error) {
		return engine.Open(cmd.Context(), engine.Config{
			DataDir: dataDir,
			Logger:  logging.Default(nil),
		})
	}

	root.AddCommand(
		newPutCommand(open, &output),
		newGetCommand(open, &output),
		newHeadCommand(open, &output),
		newDeleteCommand(open),
		newScanCommand(open, &output),
		newStatusCommand(open),
	)
	return root
}

type openFunc func(cmd *cobra.Command) (*engine.Engine, error)

func newPutCommand(open openFunc, output *string) *cobra.Command {
	var buffered bool
	cmd := &cobra.Command{
		Use:   "put <bucket> <key>",
		Short: "Write an object's body (read from stdin) to bucket/key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			durability := substrate.Sync
			if buffered {
				durability = substrate.Buffered
			}
			v, err := e.Put(args[0], args[1], cmd.InOrStdin(), durability)
			if err != nil {
				return err
			}
			return renderResult(cmd.OutOrStdout(), *output, map[string]any{"version": v.String()})
		},
	}
	cmd.Flags().BoolVar(&buffered, "buffered", false, "skip fsync (Buffered durability)")
	return cmd
}

func newGetCommand(open openFunc, output *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <bucket> <key>",
		Short: "Read an object's body to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			_, body, err := e.Get(args[0], args[1])
			if err != nil {
				return err
			}
			_, err = io.Copy(cmd.OutOrStdout(), body)
			return err
		},
	}
}

func newHeadCommand(open openFunc, output *string) *cobra.Command {
	return &cobra.Command{
		Use:   "head <bucket> <key>",
		Short: "Print an object's metadata without fetching its body",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			m, ok, err := e.Head(args[0], args[1])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("wfldb: %s/%s not found", args[0], args[1])
			}
			return renderResult(cmd.OutOrStdout(), *output, map[string]any{
				"version":    m.Version.String(),
				"size":       m.Size,
				"created_at": m.CreatedAt,
				"chunked":    m.Storage.Chunked,
			})
		},
	}
}

func newDeleteCommand(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <bucket> <key>",
		Short: "Tombstone an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ok, err := e.Delete(args[0], args[1], substrate.Sync)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("wfldb: %s/%s not found", args[0], args[1])
			}
			return nil
		},
	}
}

func newScanCommand(open openFunc, output *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "scan <bucket> <prefix>",
		Short: "List keys under a prefix",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			entries, err := e.Scan(args[0], args[1], nil, limit)
			if err != nil {
				return err
			}
			rows := make([]any, 0, len(entries))
			for _, ent := range entries {
				rows = append(rows, map[string]any{
					"key":     ent.Key,
					"size":    ent.Metadata.Size,
					"version": ent.Metadata.Version.String(),
				})
			}
			return renderResult(cmd.OutOrStdout(), *output, rows)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of entries to return")
	return cmd
}

func newStatusCommand(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print engine health status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			fmt.Fprintln(cmd.OutOrStdout(), e.Status())
			return nil
		},
	}
}

func renderResult(w io.Writer, output string, v any) error {
	if output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Fprintf(w, "%+v\n", v)
	return nil
}
