package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/motevm/motesym/internal/config"
	"github.com/motevm/motesym/internal/logging"
	"github.com/motevm/motesym/pkg/resolver"
	"github.com/motevm/motesym/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "motesym",
	Short: "Motesym - symbol resolution for mote device debugging",
	Long: `Translate between source locations, CIL instruction offsets, and mote
device instruction offsets.

Each compiled assembly leaves three build artifacts:
- X.exe / X.dll  the assembly binary
- X.pdb          debug symbols (portable or native format)
- X.pdbx         cross-reference between CIL and device offsets

Commands operate on build output directories and never talk to a device.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(newSymbolsCmd())
	rootCmd.AddCommand(newBreakpointCmd())
	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("Motesym version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// setup loads the configuration and builds the root logger.
// Pretty output is enabled only when diagnostics land on a terminal;
// stdout stays reserved for formatted command output.
func setup() (zerolog.Logger, *config.Config, error) {
	cfg, err := config.NewLoader().Load()
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return zerolog.Nop(), nil, err
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty && term.IsTerminal(int(os.Stderr.Fd())),
		Output: os.Stderr,
	})
	return logger, cfg, nil
}

// resolverOptions merges configured and flag-provided settings into
// resolver options.
func resolverOptions(cfg *config.Config, extraPaths []string) []resolver.Option {
	paths := make([]string, 0, len(cfg.SearchPaths)+len(extraPaths))
	paths = append(paths, cfg.SearchPaths...)
	paths = append(paths, extraPaths...)

	var opts []resolver.Option
	if len(paths) > 0 {
		opts = append(opts, resolver.WithSearchPaths(paths...))
	}
	if len(cfg.SystemAssemblyPrefixes) > 0 {
		opts = append(opts, resolver.WithSystemAssemblyPrefixes(cfg.SystemAssemblyPrefixes...))
	}
	return opts
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
