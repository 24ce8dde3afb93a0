package helpers

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// FormatFlags holds the shared output-format flag value.
type FormatFlags struct {
	Format string
}

// AddFlags adds the --format/-o flag to a FlagSet.
func (f *FormatFlags) AddFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&f.Format, "format", "o", string(FormatTable), "Output format (table, json, csv)")
}

// Formatter validates the selected format and returns the matching Formatter.
func (f *FormatFlags) Formatter() (Formatter, error) {
	if err := ValidateFormat(f.Format, []OutputFormat{FormatTable, FormatJSON, FormatCSV}); err != nil {
		return nil, err
	}
	return NewFormatter(OutputFormat(f.Format))
}

// AddVerboseFlag adds a standard --verbose/-v flag.
func AddVerboseFlag(cmd *cobra.Command, verboseVar *bool) {
	cmd.Flags().BoolVarP(verboseVar, "verbose", "v", false, "Verbose output (show additional details)")
}

// ValidateFormat checks if the format is in the supported list.
func ValidateFormat(format string, supported []OutputFormat) error {
	for _, s := range supported {
		if format == string(s) {
			return nil
		}
	}

	supportedNames := make([]string, len(supported))
	for i, s := range supported {
		supportedNames[i] = string(s)
	}

	return fmt.Errorf("unsupported format %q, must be one of: %s",
		format, strings.Join(supportedNames, ", "))
}
