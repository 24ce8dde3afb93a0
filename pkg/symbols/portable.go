package symbols

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/rs/zerolog"
)

// Debug metadata table identifiers.
const (
	tableDocument        = 0x30
	tableMethodDebugInfo = 0x31
	tableLocalScope      = 0x32
	tableLocalVariable   = 0x33
	tableLocalConstant   = 0x34
	tableImportScope     = 0x35

	// MethodDef lives in the referenced type-system image.
	tableMethodDef = 0x06
)

// portableReader reads a standalone portable metadata image. Everything is
// decoded at construction; queries run over in-memory tables.
type portableReader struct {
	logger zerolog.Logger

	entryPoint uint32
	docs       []string
	points     map[uint32][]SequencePoint
	locals     map[uint32][]string
}

// EntryPointer is implemented by readers that record the image entry point
// method token.
type EntryPointer interface {
	EntryPointToken() uint32
}

func newPortableReader(data []byte, logger zerolog.Logger) (*portableReader, error) {
	streams, err := parseMetadataStreams(data)
	if err != nil {
		return nil, err
	}

	pdbStream, ok := streams["#Pdb"]
	if !ok {
		return nil, fmt.Errorf("missing #Pdb stream")
	}
	tableStream, ok := streams["#~"]
	if !ok {
		return nil, fmt.Errorf("missing #~ table stream")
	}
	stringsHeap := streams["#Strings"]
	blobHeap := streams["#Blob"]

	entryPoint, externalRows, err := parsePdbStream(pdbStream)
	if err != nil {
		return nil, fmt.Errorf("parse #Pdb stream: %w", err)
	}

	t, err := parseDebugTables(tableStream, externalRows)
	if err != nil {
		return nil, fmt.Errorf("parse #~ stream: %w", err)
	}

	r := &portableReader{
		logger:     logger.With().Str("component", "portable-symbols").Logger(),
		entryPoint: entryPoint,
		points:     make(map[uint32][]SequencePoint, len(t.mdiPoints)),
		locals:     make(map[uint32][]string),
	}

	blobAt := func(idx uint32) ([]byte, bool) { return readBlob(blobHeap, idx) }

	// Document table rows are referenced 1-based from sequence point blobs.
	r.docs = make([]string, len(t.docNames))
	for i, nameIdx := range t.docNames {
		blob, ok := readBlob(blobHeap, nameIdx)
		if !ok {
			return nil, fmt.Errorf("document %d: name blob %d outside heap", i+1, nameIdx)
		}
		name, err := decodeDocumentName(blob, blobAt)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		r.docs[i] = name
	}

	docName := func(row uint32) string {
		if row == 0 || int(row) > len(r.docs) {
			return ""
		}
		return r.docs[row-1]
	}

	for i := range t.mdiPoints {
		row := uint32(i + 1)
		blobIdx := t.mdiPoints[i]
		if blobIdx == 0 {
			// Method without debug records.
			continue
		}
		blob, ok := readBlob(blobHeap, blobIdx)
		if !ok {
			return nil, fmt.Errorf("method row %d: sequence point blob %d outside heap", row, blobIdx)
		}
		pts, err := decodeSequencePoints(blob, t.mdiDoc[i], docName)
		if err != nil {
			return nil, fmt.Errorf("method row %d: %w", row, err)
		}
		r.points[row] = pts
	}

	r.buildLocals(t, stringsHeap)

	r.logger.Debug().
		Int("documents", len(r.docs)).
		Int("methods", len(r.points)).
		Msg("Loaded portable symbol image")

	return r, nil
}

// buildLocals resolves local slot names from the scope and variable tables.
// Scopes are ordered outermost first; the first name recorded for a slot wins.
func (r *portableReader) buildLocals(t *debugTables, stringsHeap []byte) {
	byMethod := make(map[uint32]map[uint16]string)

	for si, s := range t.scopes {
		if s.varList == 0 {
			continue
		}
		end := uint32(len(t.vars)) + 1
		if si+1 < len(t.scopes) && t.scopes[si+1].varList != 0 {
			end = t.scopes[si+1].varList
		}
		if end > uint32(len(t.vars))+1 {
			end = uint32(len(t.vars)) + 1
		}
		for row := s.varList; row < end; row++ {
			v := t.vars[row-1]
			slots := byMethod[s.method]
			if slots == nil {
				slots = make(map[uint16]string)
				byMethod[s.method] = slots
			}
			if _, taken := slots[v.index]; !taken {
				slots[v.index] = readHeapString(stringsHeap, v.name)
			}
		}
	}

	for method, slots := range byMethod {
		r.locals[method] = fillSlotNames(slots)
	}
}

// EntryPointToken returns the image entry point method token, or zero for
// library assemblies.
func (r *portableReader) EntryPointToken() uint32 {
	return r.entryPoint
}

func (r *portableReader) SequencePoints(methodToken uint32) ([]SequencePoint, bool) {
	pts, ok := r.points[methodDefRow(methodToken)]
	if !ok || len(pts) == 0 {
		return nil, false
	}
	return pts, true
}

func (r *portableReader) FindSequencePoint(methodToken, ilOffset uint32) (SequencePoint, bool) {
	pts, ok := r.SequencePoints(methodToken)
	if !ok {
		return SequencePoint{}, false
	}
	return findAtOrBefore(pts, ilOffset)
}

func (r *portableReader) LocalVariableNames(methodToken uint32) ([]string, bool) {
	names, ok := r.locals[methodDefRow(methodToken)]
	if !ok || len(names) == 0 {
		return nil, false
	}
	return names, true
}

func (r *portableReader) MethodTokens() []uint32 {
	return sortedTokens(r.points)
}

func (r *portableReader) Documents() []string {
	return r.docs
}

func (r *portableReader) Close() error {
	return nil
}

// parseMetadataStreams splits a metadata image into its named streams.
func parseMetadataStreams(data []byte) (map[string][]byte, error) {
	if len(data) < 20 || !bytes.HasPrefix(data, magicPortable) {
		return nil, fmt.Errorf("bad metadata signature")
	}

	versionLen := binary.LittleEndian.Uint32(data[12:])
	if versionLen > 256 || 16+int(versionLen)+4 > len(data) {
		return nil, fmt.Errorf("metadata root truncated")
	}

	off := 16 + int(versionLen)
	streamCount := int(binary.LittleEndian.Uint16(data[off+2:]))
	off += 4

	streams := make(map[string][]byte, streamCount)
	for i := 0; i < streamCount; i++ {
		if off+8 > len(data) {
			return nil, fmt.Errorf("stream header %d truncated", i)
		}
		streamOff := binary.LittleEndian.Uint32(data[off:])
		streamSize := binary.LittleEndian.Uint32(data[off+4:])
		off += 8

		nul := bytes.IndexByte(data[off:], 0)
		if nul < 0 || nul > 32 {
			return nil, fmt.Errorf("stream header %d: unterminated name", i)
		}
		name := string(data[off : off+nul])
		off += (nul + 1 + 3) &^ 3

		if uint64(streamOff)+uint64(streamSize) > uint64(len(data)) {
			return nil, fmt.Errorf("stream %q extends past image end", name)
		}
		streams[name] = data[streamOff : streamOff+streamSize]
	}

	return streams, nil
}

// parsePdbStream reads the image entry point and the row counts of the
// referenced type-system tables.
func parsePdbStream(data []byte) (entryPoint uint32, externalRows map[int]uint32, err error) {
	if len(data) < 32 {
		return 0, nil, fmt.Errorf("stream truncated")
	}

	entryPoint = binary.LittleEndian.Uint32(data[20:])
	refMask := binary.LittleEndian.Uint64(data[24:])

	need := 32 + 4*bits.OnesCount64(refMask)
	if len(data) < need {
		return 0, nil, fmt.Errorf("referenced table counts truncated")
	}

	externalRows = make(map[int]uint32)
	off := 32
	for bit := 0; bit < 64; bit++ {
		if refMask&(1<<bit) == 0 {
			continue
		}
		externalRows[bit] = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}
	return entryPoint, externalRows, nil
}

type scopeRow struct {
	method  uint32
	varList uint32
}

type varRow struct {
	index uint16
	name  uint32
}

type debugTables struct {
	docNames  []uint32 // Document row -> name blob index
	mdiDoc    []uint32 // MethodDebugInformation row -> document row
	mdiPoints []uint32 // MethodDebugInformation row -> sequence point blob index
	scopes    []scopeRow
	vars      []varRow
}

// parseDebugTables decodes the debug metadata tables. Only standalone debug
// images are supported; a combined image carrying type-system tables is
// rejected.
func parseDebugTables(data []byte, externalRows map[int]uint32) (*debugTables, error) {
	if len(data) < 24 {
		return nil, fmt.Errorf("table stream truncated")
	}

	heapSizes := data[6]
	valid := binary.LittleEndian.Uint64(data[8:])

	if valid&((1<<tableDocument)-1) != 0 {
		return nil, fmt.Errorf("combined metadata image not supported")
	}

	counts := make(map[int]uint32)
	off := 24
	for bit := 0; bit < 64; bit++ {
		if valid&(1<<bit) == 0 {
			continue
		}
		if off+4 > len(data) {
			return nil, fmt.Errorf("row counts truncated")
		}
		counts[bit] = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}

	idxW := func(rows uint32) int {
		if rows > 0xFFFF {
			return 4
		}
		return 2
	}
	strW := 2
	if heapSizes&0x01 != 0 {
		strW = 4
	}
	guidW := 2
	if heapSizes&0x02 != 0 {
		guidW = 4
	}
	blobW := 2
	if heapSizes&0x04 != 0 {
		blobW = 4
	}

	docW := idxW(counts[tableDocument])
	methodW := idxW(externalRows[tableMethodDef])
	importW := idxW(counts[tableImportScope])
	varW := idxW(counts[tableLocalVariable])
	constW := idxW(counts[tableLocalConstant])

	t := &debugTables{}

	// Document
	if rows := int(counts[tableDocument]); rows > 0 {
		rowSize := 2*blobW + 2*guidW
		if off+rows*rowSize > len(data) {
			return nil, fmt.Errorf("document table truncated")
		}
		t.docNames = make([]uint32, rows)
		for i := 0; i < rows; i++ {
			t.docNames[i] = readIdx(data, off+i*rowSize, blobW)
		}
		off += rows * rowSize
	}

	// MethodDebugInformation
	if rows := int(counts[tableMethodDebugInfo]); rows > 0 {
		rowSize := docW + blobW
		if off+rows*rowSize > len(data) {
			return nil, fmt.Errorf("method debug information table truncated")
		}
		t.mdiDoc = make([]uint32, rows)
		t.mdiPoints = make([]uint32, rows)
		for i := 0; i < rows; i++ {
			base := off + i*rowSize
			t.mdiDoc[i] = readIdx(data, base, docW)
			t.mdiPoints[i] = readIdx(data, base+docW, blobW)
		}
		off += rows * rowSize
	}

	// LocalScope
	if rows := int(counts[tableLocalScope]); rows > 0 {
		rowSize := methodW + importW + varW + constW + 8
		if off+rows*rowSize > len(data) {
			return nil, fmt.Errorf("local scope table truncated")
		}
		t.scopes = make([]scopeRow, rows)
		for i := 0; i < rows; i++ {
			base := off + i*rowSize
			t.scopes[i] = scopeRow{
				method:  readIdx(data, base, methodW),
				varList: readIdx(data, base+methodW+importW, varW),
			}
		}
		off += rows * rowSize
	}

	// LocalVariable
	if rows := int(counts[tableLocalVariable]); rows > 0 {
		rowSize := 4 + strW
		if off+rows*rowSize > len(data) {
			return nil, fmt.Errorf("local variable table truncated")
		}
		t.vars = make([]varRow, rows)
		for i := 0; i < rows; i++ {
			base := off + i*rowSize
			t.vars[i] = varRow{
				index: binary.LittleEndian.Uint16(data[base+2:]),
				name:  readIdx(data, base+4, strW),
			}
		}
	}

	return t, nil
}

// readIdx reads a 2- or 4-byte little-endian table or heap index.
func readIdx(data []byte, off, width int) uint32 {
	if width == 4 {
		return binary.LittleEndian.Uint32(data[off:])
	}
	return uint32(binary.LittleEndian.Uint16(data[off:]))
}

// readBlob resolves a blob heap reference: a compressed length prefix
// followed by the payload.
func readBlob(heap []byte, idx uint32) ([]byte, bool) {
	if int(idx) >= len(heap) {
		return nil, false
	}
	size, n := readCompressedUint(heap[idx:])
	if n == 0 {
		return nil, false
	}
	start := int(idx) + n
	end := start + int(size)
	if end > len(heap) {
		return nil, false
	}
	return heap[start:end], true
}

// readHeapString resolves a string heap reference to its NUL-terminated value.
func readHeapString(heap []byte, idx uint32) string {
	if int(idx) >= len(heap) {
		return ""
	}
	end := bytes.IndexByte(heap[idx:], 0)
	if end < 0 {
		return string(heap[idx:])
	}
	return string(heap[idx : int(idx)+end])
}
