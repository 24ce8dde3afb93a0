package symbols

import (
	"fmt"
	"strings"
)

// readCompressedUint decodes a compressed unsigned integer: one byte for
// values under 0x80, two bytes with a 10 prefix, four bytes with a 110
// prefix. Returns the value and number of bytes consumed (0 when truncated
// or malformed).
func readCompressedUint(data []byte) (uint32, int) {
	if len(data) == 0 {
		return 0, 0
	}

	b := data[0]
	switch {
	case b&0x80 == 0:
		return uint32(b), 1

	case b&0xC0 == 0x80:
		if len(data) < 2 {
			return 0, 0
		}
		return uint32(b&0x3F)<<8 | uint32(data[1]), 2

	case b&0xE0 == 0xC0:
		if len(data) < 4 {
			return 0, 0
		}
		return uint32(b&0x1F)<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3]), 4

	default:
		// 111 prefix is not a valid width marker.
		return 0, 0
	}
}

// readCompressedInt decodes a compressed signed integer. The sign bit is
// rotated into the least significant position before unsigned compression,
// so the decoded width determines the bias: 7, 14, or 29 value bits.
// Returns the value and number of bytes consumed (0 when invalid).
func readCompressedInt(data []byte) (int32, int) {
	u, n := readCompressedUint(data)
	if n == 0 {
		return 0, 0
	}

	v := int32(u >> 1)
	if u&1 != 0 {
		switch n {
		case 1:
			v -= 1 << 6
		case 2:
			v -= 1 << 13
		case 4:
			v -= 1 << 28
		}
	}
	return v, n
}

// decodeSequencePoints walks a method's sequence-points blob. doc is the
// method's document row; zero means the blob opens with its own document
// reference. Hidden points carry no source range and are dropped. docName
// resolves a document row to its path.
func decodeSequencePoints(blob []byte, doc uint32, docName func(uint32) string) ([]SequencePoint, error) {
	// Header: standalone signature row, then the initial document when the
	// method has no single-document attribution.
	_, n := readCompressedUint(blob)
	if n == 0 {
		return nil, fmt.Errorf("truncated sequence point header")
	}
	off := n

	if doc == 0 {
		d, n := readCompressedUint(blob[off:])
		if n == 0 {
			return nil, fmt.Errorf("truncated initial document reference")
		}
		doc = d
		off += n
	}

	var (
		points     []SequencePoint
		ilOffset   uint32
		startLine  int32
		startCol   int32
		first      = true
		firstPoint = true
	)

	for off < len(blob) {
		dIL, n := readCompressedUint(blob[off:])
		if n == 0 {
			return nil, fmt.Errorf("truncated offset delta at byte %d", off)
		}
		off += n

		// A zero offset delta past the first record switches documents.
		if !first && dIL == 0 {
			d, n := readCompressedUint(blob[off:])
			if n == 0 {
				return nil, fmt.Errorf("truncated document reference at byte %d", off)
			}
			doc = d
			off += n
			continue
		}

		if first {
			ilOffset = dIL
			first = false
		} else {
			ilOffset += dIL
		}

		dLines, n := readCompressedUint(blob[off:])
		if n == 0 {
			return nil, fmt.Errorf("truncated line delta at byte %d", off)
		}
		off += n

		var dCols int32
		if dLines == 0 {
			u, n := readCompressedUint(blob[off:])
			if n == 0 {
				return nil, fmt.Errorf("truncated column delta at byte %d", off)
			}
			dCols = int32(u)
			off += n
		} else {
			v, n := readCompressedInt(blob[off:])
			if n == 0 {
				return nil, fmt.Errorf("truncated column delta at byte %d", off)
			}
			dCols = v
			off += n
		}

		// Zero line and column deltas mark a hidden point.
		if dLines == 0 && dCols == 0 {
			continue
		}

		if firstPoint {
			u, n := readCompressedUint(blob[off:])
			if n == 0 {
				return nil, fmt.Errorf("truncated start line at byte %d", off)
			}
			startLine = int32(u)
			off += n

			u, n = readCompressedUint(blob[off:])
			if n == 0 {
				return nil, fmt.Errorf("truncated start column at byte %d", off)
			}
			startCol = int32(u)
			off += n
			firstPoint = false
		} else {
			v, n := readCompressedInt(blob[off:])
			if n == 0 {
				return nil, fmt.Errorf("truncated start line delta at byte %d", off)
			}
			startLine += v
			off += n

			v, n = readCompressedInt(blob[off:])
			if n == 0 {
				return nil, fmt.Errorf("truncated start column delta at byte %d", off)
			}
			startCol += v
			off += n
		}

		points = append(points, SequencePoint{
			Offset:      ilOffset,
			StartLine:   int(startLine),
			StartColumn: int(startCol),
			EndLine:     int(startLine + int32(dLines)),
			EndColumn:   int(startCol + dCols),
			Document:    docName(doc),
		})
	}

	return points, nil
}

// decodeDocumentName assembles a document name blob: a separator byte
// followed by blob references of the path parts. A zero reference is an
// empty part.
func decodeDocumentName(blob []byte, blobAt func(uint32) ([]byte, bool)) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}

	sep := string(blob[0:1])
	if blob[0] == 0 {
		sep = ""
	}

	var parts []string
	off := 1
	for off < len(blob) {
		idx, n := readCompressedUint(blob[off:])
		if n == 0 {
			return "", fmt.Errorf("truncated part reference at byte %d", off)
		}
		off += n

		if idx == 0 {
			parts = append(parts, "")
			continue
		}
		part, ok := blobAt(idx)
		if !ok {
			return "", fmt.Errorf("part reference %d outside blob heap", idx)
		}
		parts = append(parts, string(part))
	}

	return strings.Join(parts, sep), nil
}
