package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/motevm/motesym/internal/cli/helpers"
	"github.com/motevm/motesym/pkg/resolver"
)

type breakpointRow struct {
	Assembly string `header:"ASSEMBLY" json:"assembly"`
	Method   string `header:"METHOD" json:"method"`
	MethodID string `header:"METHOD ID" json:"methodId"`
	Offset   string `header:"DEVICE OFFSET" json:"deviceOffset"`
	File     string `header:"FILE" json:"file"`
	Line     int    `header:"LINE" json:"line"`
}

func newBreakpointCmd() *cobra.Command {
	var (
		formatFlags helpers.FormatFlags
		recursive   bool
		searchPaths []string
		file        string
		line        int
	)

	cmd := &cobra.Command{
		Use:   "breakpoint <dir>",
		Short: "Resolve a source breakpoint to a device location",
		Long: `Load a build output directory and resolve --file/--line the way the
debugger arms a breakpoint: exact line first, then the statement span
containing the line, then the nearest following line.

Exits nonzero when no loaded method has executable code for the location.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cfg, err := setup()
			if err != nil {
				return err
			}

			r := resolver.New(logger, resolverOptions(cfg, searchPaths)...)
			defer r.Close()

			if n := r.LoadFromDirectory(args[0], recursive); n == 0 {
				return fmt.Errorf("no cross-reference files loaded from %s", args[0])
			}

			loc, ok := r.GetBreakpointLocation(file, line)
			if !ok {
				return fmt.Errorf("no executable code for %s:%d", file, line)
			}

			row := breakpointRow{
				Assembly: loc.Assembly,
				Method:   fmt.Sprintf("0x%08x", loc.MethodToken),
				MethodID: fmt.Sprintf("0x%08x", loc.MethodID),
				Offset:   fmt.Sprintf("0x%04x", loc.DeviceOffset),
				File:     loc.File,
				Line:     loc.Line,
			}

			formatter, err := formatFlags.Formatter()
			if err != nil {
				return err
			}
			return formatter.Format(row, cmd.OutOrStdout())
		},
	}

	formatFlags.AddFlags(cmd.Flags())
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Descend into subdirectories")
	cmd.Flags().StringSliceVar(&searchPaths, "search-path", nil, "Extra directories to search for symbol files (repeatable)")
	cmd.Flags().StringVar(&file, "file", "", "Source file (path suffix match)")
	cmd.Flags().IntVar(&line, "line", 0, "Source line")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("line")
	return cmd
}
