package pdbx

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/motevm/motesym/internal/safe"
)

// MaxFileSize bounds cross-reference reads. Generated files for large
// assemblies stay well under this.
const MaxFileSize = 64 << 20

// ErrUnknownFormat is returned when the input is neither the XML nor the
// JSON encoding of a cross-reference document.
var ErrUnknownFormat = errors.New("unrecognized cross-reference format")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Parse decodes a cross-reference document from data, detecting the encoding
// from the first significant byte: '<' selects the XML element form, '{' the
// JSON object form.
func Parse(data []byte) (*File, error) {
	trimmed := bytes.TrimPrefix(data, utf8BOM)
	trimmed = bytes.TrimLeft(trimmed, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty document: %w", ErrUnknownFormat)
	}

	var f File
	switch trimmed[0] {
	case '<':
		if err := xml.Unmarshal(trimmed, &f); err != nil {
			return nil, fmt.Errorf("decode XML cross-reference: %w", err)
		}
	case '{':
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return nil, fmt.Errorf("decode JSON cross-reference: %w", err)
		}
	default:
		return nil, fmt.Errorf("leading byte 0x%02x: %w", trimmed[0], ErrUnknownFormat)
	}

	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid cross-reference: %w", err)
	}
	return &f, nil
}

// ParseReader decodes a cross-reference document from r.
func ParseReader(r io.Reader) (*File, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read cross-reference: %w", err)
	}
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("cross-reference exceeds %d bytes", MaxFileSize)
	}
	return Parse(data)
}

// Load reads and decodes the cross-reference file at path.
func Load(path string) (*File, error) {
	data, err := safe.ReadFile(path, &safe.ReadOptions{MaxSize: MaxFileSize})
	if err != nil {
		return nil, fmt.Errorf("read cross-reference %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}
