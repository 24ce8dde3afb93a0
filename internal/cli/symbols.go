package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/motevm/motesym/internal/cli/helpers"
	"github.com/motevm/motesym/pkg/resolver"
)

type symbolsRow struct {
	Assembly  string `header:"ASSEMBLY" json:"assembly"`
	Index     string `header:"INDEX" json:"index"`
	Methods   int    `header:"METHODS" json:"methods"`
	Points    int    `header:"POINTS" json:"points"`
	Symbols   string `header:"SYMBOLS" json:"symbols"`
	Documents string `json:"documents,omitempty"`
	Source    string `json:"source"`
}

type symbolsVerboseRow struct {
	Assembly  string `header:"ASSEMBLY" json:"assembly"`
	Index     string `header:"INDEX" json:"index"`
	Methods   int    `header:"METHODS" json:"methods"`
	Points    int    `header:"POINTS" json:"points"`
	Symbols   string `header:"SYMBOLS" json:"symbols"`
	Documents string `header:"DOCUMENTS" json:"documents,omitempty"`
	Source    string `header:"SOURCE" json:"source"`
}

func newSymbolsCmd() *cobra.Command {
	var (
		formatFlags helpers.FormatFlags
		recursive   bool
		verbose     bool
		searchPaths []string
	)

	cmd := &cobra.Command{
		Use:   "symbols <dir>",
		Short: "Load a build output directory and list resolved assemblies",
		Long: `Discover .pdbx cross-reference files in a directory, load each with its
symbol file, and report what the resolver ends up with per assembly.

Assemblies whose symbol file cannot be found still load with offset maps
only; the SYMBOLS column shows which ones.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cfg, err := setup()
			if err != nil {
				return err
			}

			r := resolver.New(logger, resolverOptions(cfg, searchPaths)...)
			defer r.Close()

			count := r.LoadFromDirectory(args[0], recursive)
			logger.Info().Int("assemblies", count).Str("dir", args[0]).Msg("Directory load complete")

			rows := symbolsRows(r.Assemblies())

			formatter, err := formatFlags.Formatter()
			if err != nil {
				return err
			}
			if verbose {
				return formatter.Format(verboseRows(rows), cmd.OutOrStdout())
			}
			return formatter.Format(rows, cmd.OutOrStdout())
		},
	}

	formatFlags.AddFlags(cmd.Flags())
	helpers.AddVerboseFlag(cmd, &verbose)
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Descend into subdirectories")
	cmd.Flags().StringSliceVar(&searchPaths, "search-path", nil, "Extra directories to search for symbol files (repeatable)")
	return cmd
}

func symbolsRows(infos []resolver.AssemblyInfo) []symbolsRow {
	rows := make([]symbolsRow, 0, len(infos))
	for _, info := range infos {
		index := "-"
		if info.IndexBound {
			index = strconv.Itoa(int(info.Index))
		}
		symbols := "yes"
		if !info.HasSymbols {
			symbols = "no"
		}
		rows = append(rows, symbolsRow{
			Assembly:  info.Name,
			Index:     index,
			Methods:   info.Methods,
			Points:    info.Points,
			Symbols:   symbols,
			Documents: strings.Join(info.Documents, ";"),
			Source:    info.Source,
		})
	}
	return rows
}

func verboseRows(rows []symbolsRow) []symbolsVerboseRow {
	out := make([]symbolsVerboseRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, symbolsVerboseRow(row))
	}
	return out
}
