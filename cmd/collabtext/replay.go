package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"collabtext/internal/config"
	"collabtext/internal/op"
	"collabtext/internal/oplog"
	"collabtext/internal/replica"
)

func newReplayCmd() *cobra.Command {
	var documentID string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild a document purely from its operation log and print its state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := openLog(cmd.Context(), cfg.Log)
			if err != nil {
				return fmt.Errorf("open operation log: %w", err)
			}
			defer log.Close()
			return replay(cmd.Context(), log, documentID, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&documentID, "document", "", "document id")
	_ = cmd.MarkFlagRequired("document")
	return cmd
}

func replay(ctx context.Context, log oplog.Store, documentID string, w io.Writer) error {
	ok, err := log.Exists(ctx, documentID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("replay %s: %w", documentID, op.ErrDocumentNotFound)
	}
	ops, err := log.Read(ctx, documentID, 1)
	if err != nil {
		return err
	}
	r, err := replica.Replay(documentID, ops)
	if err != nil {
		return fmt.Errorf("replay %s: %w", documentID, err)
	}

	out := struct {
		replica.State
		Conflicts []op.ConflictRecord `json:"conflicts,omitempty"`
	}{State: r.State(), Conflicts: r.Conflicts()}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
