package symbols

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/rs/zerolog"

	"github.com/motevm/motesym/internal/safe"
)

// MaxSymbolFileSize bounds symbol container reads.
const MaxSymbolFileSize = 128 << 20

// Method metadata token layout shared by both backends.
const (
	tokenMethodDef uint32 = 0x06000000
	tokenRowMask   uint32 = 0x00FFFFFF
)

// Hidden line markers used by the program-database line subsections.
const (
	hiddenLine    = 0xFEEFEE
	hiddenLineAlt = 0xF00F00
)

var (
	// ErrUnsupportedFormat is returned when no backend recognizes the container.
	ErrUnsupportedFormat = errors.New("unsupported symbol container format")
	// ErrNoEmbeddedSymbols is returned when a binary carries no embedded
	// portable symbol image.
	ErrNoEmbeddedSymbols = errors.New("no embedded symbol image in binary")
)

// SequencePoint maps one CIL instruction offset to a source range.
// Offsets are in the host compiler's instruction space.
type SequencePoint struct {
	Offset      uint32
	StartLine   int
	StartColumn int
	EndLine     int
	EndColumn   int
	Document    string
}

// Reader provides symbol lookups for one assembly. Implementations are safe
// for concurrent readers after construction.
//
// Method token arguments tolerate both the full MethodDef form (0x06xxxxxx)
// and a bare row index; lookups fall back to the masked row before reporting
// a miss. A missing method is an expected state, not an error.
type Reader interface {
	// SequencePoints returns the method's sequence points in ascending
	// offset order, hidden points excluded.
	SequencePoints(methodToken uint32) ([]SequencePoint, bool)

	// FindSequencePoint returns the last sequence point at or before
	// ilOffset within the method.
	FindSequencePoint(methodToken, ilOffset uint32) (SequencePoint, bool)

	// LocalVariableNames returns the method's local slot names in slot
	// order. Slots without a recorded name get a generated placeholder.
	LocalVariableNames(methodToken uint32) ([]string, bool)

	// MethodTokens lists the MethodDef tokens that have debug records,
	// in ascending order.
	MethodTokens() []uint32

	// Documents lists the source documents referenced by the container.
	Documents() []string

	// Close releases any file handles held by the reader.
	Close() error
}

// Format identifies a symbol container format.
type Format int

const (
	FormatUnknown Format = iota
	FormatPortable
	FormatNative
	FormatPE
)

// String returns the probe name of the format.
func (f Format) String() string {
	switch f {
	case FormatPortable:
		return "portable"
	case FormatNative:
		return "native"
	case FormatPE:
		return "pe"
	default:
		return "unknown"
	}
}

var (
	magicPortable = []byte("BSJB")
	magicMSF      = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")
	magicPE       = []byte("MZ")
)

// DetectFormat sniffs the container magic from the first bytes of a file.
// The portable probe runs first; the program-database probe is consulted
// only when it rejects.
func DetectFormat(prefix []byte) Format {
	switch {
	case bytes.HasPrefix(prefix, magicPortable):
		return FormatPortable
	case bytes.HasPrefix(prefix, magicMSF):
		return FormatNative
	case bytes.HasPrefix(prefix, magicPE):
		return FormatPE
	default:
		return FormatUnknown
	}
}

// Open loads debug symbols for an assembly. symbolPath names the standalone
// symbol file; binaryPath, when non-empty, names the assembly binary used as
// an embedded-symbol fallback. Either path may be empty, not both.
func Open(symbolPath, binaryPath string, logger zerolog.Logger) (Reader, error) {
	if symbolPath != "" {
		r, err := OpenFile(symbolPath, logger)
		if err == nil {
			return r, nil
		}
		if binaryPath == "" {
			return nil, err
		}
		logger.Debug().Err(err).Str("path", symbolPath).Msg("Symbol file unusable, probing binary for embedded image")
	}
	if binaryPath == "" {
		return nil, fmt.Errorf("no symbol source: %w", ErrUnsupportedFormat)
	}
	return openBinary(binaryPath, logger)
}

// OpenFile loads a single symbol container, selecting the backend by probe.
func OpenFile(path string, logger zerolog.Logger) (Reader, error) {
	prefix, err := readPrefix(path, len(magicMSF))
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}

	format := DetectFormat(prefix)
	logger.Debug().Str("path", path).Stringer("format", format).Msg("Probed symbol container")

	switch format {
	case FormatPortable:
		data, err := safe.ReadFile(path, &safe.ReadOptions{MaxSize: MaxSymbolFileSize})
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		r, err := newPortableReader(data, logger)
		if err != nil {
			return nil, fmt.Errorf("open portable image %s: %w", path, err)
		}
		return r, nil
	case FormatNative:
		r, err := newNativeReader(path, logger)
		if err != nil {
			return nil, fmt.Errorf("open program database %s: %w", path, err)
		}
		return r, nil
	case FormatPE:
		return openBinary(path, logger)
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
}

// openBinary extracts the embedded portable image from a PE binary and reads
// it through the portable backend.
func openBinary(path string, logger zerolog.Logger) (Reader, error) {
	data, err := safe.ReadFile(path, &safe.ReadOptions{MaxSize: MaxSymbolFileSize})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !bytes.HasPrefix(data, magicPE) {
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}

	image, err := ExtractEmbedded(data)
	if err != nil {
		return nil, fmt.Errorf("extract embedded symbols from %s: %w", path, err)
	}
	logger.Debug().Str("path", path).Int("bytes", len(image)).Msg("Extracted embedded symbol image")

	r, err := newPortableReader(image, logger)
	if err != nil {
		return nil, fmt.Errorf("open embedded image from %s: %w", path, err)
	}
	return r, nil
}

// readPrefix reads up to n leading bytes of the file at path.
func readPrefix(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return buf[:read], nil
}

// methodDefRow normalizes a method token to its row index. Tokens from a
// table other than MethodDef resolve to row 0, which no method occupies.
func methodDefRow(token uint32) uint32 {
	if table := token &^ tokenRowMask; table != 0 && table != tokenMethodDef {
		return 0
	}
	return token & tokenRowMask
}

// findAtOrBefore returns the last point whose offset does not exceed ilOffset.
func findAtOrBefore(points []SequencePoint, ilOffset uint32) (SequencePoint, bool) {
	var match SequencePoint
	found := false
	for _, sp := range points {
		if sp.Offset > ilOffset {
			break
		}
		match = sp
		found = true
	}
	return match, found
}

// sortedTokens returns the MethodDef tokens of the given rows in ascending order.
func sortedTokens(rows map[uint32][]SequencePoint) []uint32 {
	tokens := make([]uint32, 0, len(rows))
	for row := range rows {
		tokens = append(tokens, tokenMethodDef|row)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

// fillSlotNames turns a slot index to name mapping into a dense list,
// generating localN placeholders for unnamed slots.
func fillSlotNames(names map[uint16]string) []string {
	if len(names) == 0 {
		return nil
	}
	max := uint16(0)
	for slot := range names {
		if slot > max {
			max = slot
		}
	}
	out := make([]string, max+1)
	for i := range out {
		if name, ok := names[uint16(i)]; ok && name != "" {
			out[i] = name
		} else {
			out[i] = fmt.Sprintf("local%d", i)
		}
	}
	return out
}
