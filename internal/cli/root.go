package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/swingstore/internal/config"
	"github.com/roach88/swingstore/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Config is loaded by the root command before any subcommand runs.
	Config *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the swingstore CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "swingstore",
		Short: "swingstore - kernel state storage",
		Long: `Inspect, export, import and repair swing-store directories.

A swing-store holds a kernel's key-value state, per-vat transcripts,
heap snapshots and code bundles in one SQLite database plus a snapshot
blob directory.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.loadConfig()
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file")

	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewRepairCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

func (o *RootOptions) loadConfig() error {
	if o.ConfigPath == "" {
		o.Config = config.Default()
		return nil
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	o.Config = cfg
	return nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// logger writes store logs to stderr. Without --verbose only warnings
// and errors are shown.
func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	if o.Verbose {
		return o.Config.Logger(cmd.ErrOrStderr())
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// mode resolves a --mode flag, falling back to the configured mode.
func (o *RootOptions) mode(flag string) (store.ArtifactMode, error) {
	if flag == "" {
		return o.Config.Mode(), nil
	}
	return store.ParseArtifactMode(flag)
}

// fail reports err through f and returns it as an ExitError.
func fail(f *OutputFormatter, message string, err error) error {
	exitErr := WrapStoreError(message, err)
	if outErr := f.Error(exitErr); outErr != nil {
		return outErr
	}
	exitErr.Reported = true
	return exitErr
}
