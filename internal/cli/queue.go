package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/studyquest/studysync/pkg/studysync"
)

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the persisted mutation and retry queues",
		Long: `Show the mutations and retries an engine left in its local store.

Only the local store is opened; the remote backend is not contacted. Stop a
running 'studysync serve' first when the store does not allow shared access
(bolt).`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(rootOpts, cmd)
		},
	}
	return cmd
}

func runQueue(opts *RootOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := studysync.LoadConfig(opts.ConfigPath)
	if err != nil {
		return formatter.Fail(WrapExitError(ExitCommandError, "failed to load config", err))
	}
	formatter.VerboseLog("Reading %s store", cfg.Storage.Type)

	state, err := studysync.Inspect(cmd.Context(), cfg)
	if err != nil {
		return formatter.Fail(WrapExitError(ExitFailure, "failed to read queues", err))
	}

	return formatter.Success(state, func(w io.Writer) {
		fmt.Fprintf(w, "Mutations (%d)\n", len(state.Mutations))
		for _, m := range state.Mutations {
			fmt.Fprintf(w, "  %-6s %s attempts=%d queued=%s\n",
				m.Operation, m.Key(), m.Attempts, formatMs(m.Timestamp))
		}
		fmt.Fprintf(w, "Retries (%d)\n", len(state.Retries))
		for _, r := range state.Retries {
			fmt.Fprintf(w, "  %-15s %s/%s attempts=%d next=%s error=%q\n",
				r.Call.Kind, r.Call.CollectionPath, r.Call.EntityID, r.Attempts, formatMs(r.NextRetryAt), r.ErrorMessage)
		}
	})
}

func formatMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
