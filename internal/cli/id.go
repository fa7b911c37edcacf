package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/studyquest/studysync/internal/idgen"
)

// NewIDCommand creates the id command.
func NewIDCommand(rootOpts *RootOptions) *cobra.Command {
	var temporary bool
	var count int

	cmd := &cobra.Command{
		Use:           "id",
		Short:         "Generate sortable entity ids",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{
				Format:    rootOpts.Format,
				Writer:    cmd.OutOrStdout(),
				ErrWriter: cmd.ErrOrStderr(),
				Verbose:   rootOpts.Verbose,
			}
			if count <= 0 {
				return formatter.Fail(WrapExitError(ExitCommandError, "invalid --count", fmt.Errorf("must be positive, got %d", count)))
			}

			ids := make([]string, count)
			for i := range ids {
				if temporary {
					ids[i] = idgen.GenerateTemporary()
				} else {
					ids[i] = idgen.Generate()
				}
			}
			return formatter.Success(map[string]interface{}{"ids": ids}, func(w io.Writer) {
				for _, id := range ids {
					fmt.Fprintln(w, id)
				}
			})
		},
	}

	cmd.Flags().BoolVarP(&temporary, "temporary", "t", false, "generate client-side temporary ids")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of ids to generate")
	return cmd
}
