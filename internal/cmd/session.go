package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dativo-io/snare/internal/config"
	"github.com/dativo-io/snare/internal/store"
)

var sessionShowOutbox bool

var sessionCmd = &cobra.Command{
	Use:   "session <id>",
	Short: "Inspect a session from the local store",
	Args:  cobra.ExactArgs(1),
	RunE:  runSession,
}

func init() {
	sessionCmd.Flags().BoolVar(&sessionShowOutbox, "outbox", false, "include the outbox ledger for the session")
	rootCmd.AddCommand(sessionCmd)
}

func runSession(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "session")
	defer span.End()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.New(cfg.SessionsDBPath())
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer st.Close()

	sess, err := st.LoadSession(ctx, args[0])
	if errors.Is(err, store.ErrSessionNotFound) {
		return fmt.Errorf("session %s not found", args[0])
	}
	if err != nil {
		return err
	}

	out := map[string]any{"session": sess}
	if sessionShowOutbox {
		entries, err := st.ListOutboxEntries(ctx, store.OutboxFilter{SessionID: sess.ID})
		if err != nil {
			return err
		}
		out["outbox"] = entries
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
