package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/motevm/motesym/internal/cli/helpers"
	"github.com/motevm/motesym/pkg/pdbx"
)

type inspectReport struct {
	Assembly    string             `json:"assembly"`
	Version     string             `json:"version"`
	Token       string             `json:"token"`
	DeviceToken string             `json:"deviceToken"`
	Source      string             `json:"source"`
	Methods     []inspectMethodRow `json:"methods"`
}

type inspectMethodRow struct {
	Class      string `header:"CLASS" json:"class"`
	Method     string `header:"METHOD" json:"method"`
	Device     string `header:"DEVICE" json:"device"`
	Code       string `header:"CODE" json:"code"`
	MapEntries int    `header:"MAP ENTRIES" json:"mapEntries"`
}

func newInspectCmd() *cobra.Command {
	var (
		formatFlags helpers.FormatFlags
		showMaps    bool
	)

	cmd := &cobra.Command{
		Use:   "inspect <file.pdbx>",
		Short: "Inspect a cross-reference file",
		Long: `Parse a .pdbx cross-reference file and list the assembly's methods with
their host and device tokens and offset-map sizes.

Use --maps to dump every CIL/device offset pair per method.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := pdbx.Load(args[0])
			if err != nil {
				return err
			}

			report := buildInspectReport(f, args[0])
			out := cmd.OutOrStdout()

			switch helpers.OutputFormat(formatFlags.Format) {
			case helpers.FormatTable:
				fmt.Fprintf(out, "Assembly: %s (version %s)\n", report.Assembly, report.Version)
				fmt.Fprintf(out, "Token:    %s host, %s device\n\n", report.Token, report.DeviceToken)
				formatter := &helpers.TableFormatter{}
				if err := formatter.Format(report.Methods, out); err != nil {
					return err
				}
				if showMaps {
					printOffsetMaps(out, &f.Assembly)
				}
				return nil
			case helpers.FormatCSV:
				return (&helpers.CSVFormatter{}).Format(report.Methods, out)
			default:
				formatter, err := formatFlags.Formatter()
				if err != nil {
					return err
				}
				return formatter.Format(report, out)
			}
		},
	}

	formatFlags.AddFlags(cmd.Flags())
	cmd.Flags().BoolVar(&showMaps, "maps", false, "Dump per-method offset map entries (table format only)")
	return cmd
}

func buildInspectReport(f *pdbx.File, source string) inspectReport {
	asm := &f.Assembly
	report := inspectReport{
		Assembly:    asm.BaseName(),
		Version:     asm.Version,
		Token:       fmt.Sprintf("0x%08x", uint32(asm.Token.Host)),
		DeviceToken: fmt.Sprintf("0x%08x", uint32(asm.Token.Device)),
		Source:      source,
	}

	for _, class := range asm.Classes {
		for _, method := range class.Methods {
			code := "bytecode"
			if !method.HasByteCode {
				code = "native"
			}
			report.Methods = append(report.Methods, inspectMethodRow{
				Class:      fmt.Sprintf("0x%08x", uint32(class.Token.Host)),
				Method:     fmt.Sprintf("0x%08x", uint32(method.Token.Host)),
				Device:     fmt.Sprintf("0x%08x", uint32(method.Token.Device)),
				Code:       code,
				MapEntries: len(method.ILMap),
			})
		}
	}
	return report
}

func printOffsetMaps(out io.Writer, asm *pdbx.Assembly) {
	for _, class := range asm.Classes {
		for _, method := range class.Methods {
			if len(method.ILMap) == 0 {
				continue
			}
			fmt.Fprintf(out, "\nMethod 0x%08x offset map:\n", uint32(method.Token.Host))
			for _, pair := range method.ILMap {
				fmt.Fprintf(out, "  CIL 0x%04x -> device 0x%04x\n", uint32(pair.CIL), uint32(pair.Device))
			}
		}
	}
}
