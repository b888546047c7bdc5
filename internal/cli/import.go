package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/swingstore/internal/store"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	From     string
	Database string
	Mode     string
}

// ImportResult summarizes a completed import.
type ImportResult struct {
	ExportID     string             `json:"export_id"`
	ArtifactMode store.ArtifactMode `json:"artifact_mode"`
	Directory    string             `json:"directory"`
}

func (r ImportResult) String() string {
	return fmt.Sprintf("Imported export %s into %s at %s fidelity", r.ExportID, r.Directory, r.ArtifactMode)
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Build a new swing-store from an export directory",
		Long: `Import an export directory written by "swingstore export" into a new
swing-store. The import either commits completely or leaves no store
behind.

When --mode is omitted the mode recorded in the export manifest is used.

Exit codes:
  0 - Store created
  1 - The export is inconsistent or lacks data the requested mode needs
  2 - Command error (store already exists, export not found, etc.)

Examples:
  swingstore import --from ./export --db ./state
  swingstore import --from ./export --db ./state --mode operational`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "export directory (required)")
	_ = cmd.MarkFlagRequired("from")
	cmd.Flags().StringVar(&opts.Database, "db", "", "new swing-store directory (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "artifact mode (operational|replay|archival|debug)")

	return cmd
}

func runImport(ctx context.Context, opts *ImportOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	src, err := store.OpenExportDir(opts.From)
	if err != nil {
		return fail(f, "failed to open export", err)
	}
	mode := src.Manifest().ArtifactMode
	if opts.Mode != "" {
		if mode, err = opts.mode(opts.Mode); err != nil {
			return fail(f, "invalid mode", err)
		}
	}

	f.VerboseLog("Importing %s at %s fidelity", opts.From, mode)
	s, err := store.ImportSwingStore(ctx, src, opts.Database, store.ImportOptions{
		ArtifactMode: mode,
		Store:        opts.Config.StoreOptions(opts.logger(cmd)),
	})
	if err != nil {
		return fail(f, "import failed", err)
	}
	if err := s.Close(); err != nil {
		return fail(f, "failed to close store", err)
	}

	return f.Success(ImportResult{
		ExportID:     src.Manifest().ExportID,
		ArtifactMode: mode,
		Directory:    opts.Database,
	})
}
