package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/motevm/motesym/internal/cli/helpers"
	"github.com/motevm/motesym/pkg/inventory"
)

// deviceManifest mirrors the assembly listing a device reports on connect.
type deviceManifest struct {
	Assemblies []manifestAssembly `yaml:"assemblies"`
}

type manifestAssembly struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	Checksum string `yaml:"checksum"`
	Index    uint16 `yaml:"index"`
}

type artifactRow struct {
	Assembly string `header:"ASSEMBLY" json:"assembly"`
	File     string `header:"FILE" json:"file"`
	Checksum string `header:"CHECKSUM" json:"checksum"`
	Size     int64  `header:"SIZE" json:"size"`
	Path     string `json:"path"`
}

type artifactVerboseRow struct {
	Assembly string `header:"ASSEMBLY" json:"assembly"`
	File     string `header:"FILE" json:"file"`
	Checksum string `header:"CHECKSUM" json:"checksum"`
	Size     int64  `header:"SIZE" json:"size"`
	Path     string `header:"PATH" json:"path"`
}

type mismatchRow struct {
	Assembly string `header:"ASSEMBLY" json:"assembly"`
	Reason   string `header:"REASON" json:"reason"`
	Device   string `header:"DEVICE" json:"device"`
	Local    string `header:"LOCAL" json:"local"`
	Version  string `header:"VERSION" json:"version"`
}

type scanReport struct {
	Artifacts  []artifactRow `json:"artifacts"`
	Mismatches []mismatchRow `json:"mismatches,omitempty"`
}

func newScanCmd() *cobra.Command {
	var (
		formatFlags  helpers.FormatFlags
		verbose      bool
		searchPaths  []string
		manifestPath string
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for local build artifacts and verify device identity",
		Long: `Walk the search paths indexing assembly binaries with their device
checksums.

With --manifest, compare the scan against the assembly listing a device
reported on connect and print the assemblies whose identity cannot be
confirmed. Manifest format:

    assemblies:
      - name: App.exe
        version: 1.0.0.0
        checksum: 0x1c2f00ba
        index: 1

CSV output lists artifacts only; use json for the full report.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cfg, err := setup()
			if err != nil {
				return err
			}

			paths := make([]string, 0, len(cfg.SearchPaths)+len(searchPaths))
			paths = append(paths, cfg.SearchPaths...)
			paths = append(paths, searchPaths...)
			if len(paths) == 0 {
				return fmt.Errorf("no search paths configured (use --search-path or search_paths in config)")
			}

			mgr := inventory.New(logger, inventory.WithSearchPaths(paths...))

			var manifest *deviceManifest
			if manifestPath != "" {
				manifest, err = loadManifest(manifestPath)
				if err != nil {
					return err
				}
				for _, a := range manifest.Assemblies {
					sum, err := parseChecksum(a.Checksum)
					if err != nil {
						return fmt.Errorf("manifest %s: assembly %q: %w", manifestPath, a.Name, err)
					}
					mgr.RegisterDeviceAssembly(a.Name, a.Version, sum, a.Index)
				}
			}

			found, err := mgr.ScanLocalAssemblies()
			if err != nil {
				return err
			}
			logger.Info().Int("artifacts", found).Msg("Scan complete")

			report := scanReport{Artifacts: artifactRows(mgr.LocalAssemblies())}
			if manifest != nil {
				report.Mismatches = mismatchRows(mgr.Mismatches())
			}

			out := cmd.OutOrStdout()
			switch helpers.OutputFormat(formatFlags.Format) {
			case helpers.FormatTable:
				table := &helpers.TableFormatter{}
				var rows interface{} = report.Artifacts
				if verbose {
					rows = artifactVerboseRows(report.Artifacts)
				}
				if err := table.Format(rows, out); err != nil {
					return err
				}
				if manifest == nil {
					return nil
				}
				if len(report.Mismatches) == 0 {
					fmt.Fprintln(out, "\nAll device assemblies match local artifacts.")
					return nil
				}
				fmt.Fprintln(out)
				return table.Format(report.Mismatches, out)
			case helpers.FormatCSV:
				return (&helpers.CSVFormatter{}).Format(report.Artifacts, out)
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
	helpers.AddVerboseFlag(cmd, &verbose)
	cmd.Flags().StringSliceVar(&searchPaths, "search-path", nil, "Directories to scan for assembly binaries (repeatable)")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Device assembly manifest to verify against (YAML)")
	return cmd
}

func loadManifest(path string) (*deviceManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest deviceManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	for i, a := range manifest.Assemblies {
		if a.Name == "" {
			return nil, fmt.Errorf("manifest %s: assemblies[%d] has no name", path, i)
		}
	}
	return &manifest, nil
}

// parseChecksum accepts hex ("0x1c2f00ba") or decimal. An empty value means
// the device did not report one.
func parseChecksum(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid checksum %q: %w", s, err)
	}
	return uint32(v), nil
}

func artifactRows(assemblies []inventory.LocalAssembly) []artifactRow {
	rows := make([]artifactRow, 0, len(assemblies))
	for _, la := range assemblies {
		rows = append(rows, artifactRow{
			Assembly: la.Name,
			File:     la.FileName,
			Checksum: fmt.Sprintf("0x%08x", la.Checksum),
			Size:     la.Size,
			Path:     la.Path,
		})
	}
	return rows
}

func artifactVerboseRows(rows []artifactRow) []artifactVerboseRow {
	out := make([]artifactVerboseRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, artifactVerboseRow(row))
	}
	return out
}

func mismatchRows(mismatches []inventory.Mismatch) []mismatchRow {
	rows := make([]mismatchRow, 0, len(mismatches))
	for _, m := range mismatches {
		local := "-"
		if m.Reason == inventory.ReasonChecksumMismatch {
			local = fmt.Sprintf("0x%08x", m.LocalChecksum)
		}
		rows = append(rows, mismatchRow{
			Assembly: m.Assembly,
			Reason:   string(m.Reason),
			Device:   fmt.Sprintf("0x%08x", m.DeviceChecksum),
			Local:    local,
			Version:  m.DeviceVersion,
		})
	}
	return rows
}
