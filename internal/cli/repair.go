package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/swingstore/internal/store"
	"github.com/roach88/swingstore/internal/storeerr"
)

// RepairOptions holds flags for the repair command.
type RepairOptions struct {
	*RootOptions
	Database string
	From     string
	DryRun   bool
}

// RepairResult reports how many metadata rows were reinstalled.
type RepairResult struct {
	Directory string `json:"directory"`
	Installed int    `json:"installed"`
	Committed bool   `json:"committed"`
}

func (r RepairResult) String() string {
	if !r.Committed {
		return fmt.Sprintf("Would reinstall %d metadata row(s) in %s (dry run)", r.Installed, r.Directory)
	}
	return fmt.Sprintf("Reinstalled %d metadata row(s) in %s", r.Installed, r.Directory)
}

// NewRepairCommand creates the repair command.
func NewRepairCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RepairOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Reinstall missing metadata from a trusted export",
		Long: `Repair an existing swing-store by reinstalling bundle, snapshot and
transcript metadata rows that are missing, taking them from a trusted
export directory. Existing rows that disagree with the export are
reported and nothing is changed. kv records and artifacts are ignored.

Running repair twice with the same export installs nothing the second
time.

Exit codes:
  0 - Store repaired (or already complete)
  1 - Store disagrees with the export, or stays incomplete
  2 - Command error (store or export not found, etc.)

Examples:
  swingstore repair --db ./state --from ./export
  swingstore repair --db ./state --from ./export --dry-run`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepair(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "swing-store directory (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.From, "from", "", "trusted export directory (required)")
	_ = cmd.MarkFlagRequired("from")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report without committing")

	return cmd
}

func runRepair(ctx context.Context, opts *RepairOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	if !store.IsStore(opts.Database) {
		return fail(f, "failed to open store", storeerr.NotFound(opts.Database, "no swing-store in directory"))
	}
	src, err := store.OpenExportDir(opts.From)
	if err != nil {
		return fail(f, "failed to open export", err)
	}

	s, err := store.Open(opts.Database, opts.Config.StoreOptions(opts.logger(cmd)))
	if err != nil {
		return fail(f, "failed to open store", err)
	}
	defer s.Close()

	installed, err := s.RepairMetadata(ctx, src)
	if err != nil {
		return fail(f, "repair failed", err)
	}
	if opts.DryRun {
		if err := s.Abort(ctx); err != nil {
			return fail(f, "failed to discard repair", err)
		}
	} else if err := s.Commit(ctx); err != nil {
		return fail(f, "failed to commit repair", err)
	}

	return f.Success(RepairResult{Directory: opts.Database, Installed: installed, Committed: !opts.DryRun})
}
