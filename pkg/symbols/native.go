package symbols

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/motevm/motesym/internal/safe"
)

// Fixed stream indexes of a program-database container.
const (
	streamPDBInfo = 1
	streamDBI     = 3
)

// Symbol record kinds emitted for managed modules.
const (
	symManSlot  = 0x1120
	symGManProc = 0x112A
	symLManProc = 0x112B
)

// C13 debug subsection kinds.
const (
	subsectionLines      = 0xF2
	subsectionFileChksms = 0xF3

	linesHaveColumns = 0x0001
)

const (
	cvSignatureC13  = 4
	namesSignature  = 0xEFFEEFFE
	dbiHeaderSize   = 64
	modInfoFixedLen = 64
	streamNone      = 0xFFFF
)

// nativeReader reads managed symbol information from a program-database
// container. Sequence points are decoded at construction; local slot names
// are read on demand through the retained container handle.
type nativeReader struct {
	logger zerolog.Logger
	msf    *msfFile

	mu          sync.Mutex
	moduleCache map[uint16][]byte

	procs  map[uint32]*nativeProc
	points map[uint32][]SequencePoint
	docs   []string
}

// nativeProc is one managed procedure record and the span of its scope
// records within the owning module stream.
type nativeProc struct {
	token     uint32
	module    uint16
	recordEnd int
	scopeEnd  int
	off       uint32
	seg       uint16
	length    uint32
}

type dbiModule struct {
	symStream uint16
	symSize   uint32
	c11Size   uint32
	c13Size   uint32
	name      string
}

func newNativeReader(path string, logger zerolog.Logger) (*nativeReader, error) {
	msf, err := openMSF(path)
	if err != nil {
		return nil, err
	}

	r := &nativeReader{
		logger:      logger.With().Str("component", "native-symbols").Logger(),
		msf:         msf,
		moduleCache: make(map[uint16][]byte),
		procs:       make(map[uint32]*nativeProc),
		points:      make(map[uint32][]SequencePoint),
	}
	if err := r.load(); err != nil {
		safe.Close(msf, r.logger, "failed to close symbol container after load error")
		return nil, err
	}
	return r, nil
}

func (r *nativeReader) load() error {
	names := r.loadNames()

	dbi, err := r.msf.ReadStream(streamDBI)
	if err != nil {
		return fmt.Errorf("read module index stream: %w", err)
	}
	modules, err := parseDBIModules(dbi)
	if err != nil {
		return fmt.Errorf("parse module index: %w", err)
	}

	seenDocs := make(map[string]bool)
	for i, mod := range modules {
		if mod.symStream == streamNone {
			continue
		}
		data, err := r.msf.ReadStream(int(mod.symStream))
		if err != nil {
			return fmt.Errorf("module %q: %w", mod.name, err)
		}
		if err := r.loadModule(i, mod, data, names, seenDocs); err != nil {
			return fmt.Errorf("module %q: %w", mod.name, err)
		}
	}

	for _, pts := range r.points {
		sort.Slice(pts, func(i, j int) bool { return pts[i].Offset < pts[j].Offset })
	}

	r.logger.Debug().
		Int("modules", len(modules)).
		Int("documents", len(r.docs)).
		Int("methods", len(r.procs)).
		Msg("Loaded program database")

	return nil
}

// loadNames fetches the shared string table used by file checksum records.
// A container without one still yields usable offsets, only without
// document paths.
func (r *nativeReader) loadNames() []byte {
	info, err := r.msf.ReadStream(streamPDBInfo)
	if err != nil || len(info) < 28 {
		r.logger.Warn().Msg("Container has no readable info stream, document names unavailable")
		return nil
	}

	idx, ok := findNamedStream(info, "/names")
	if !ok || int(idx) >= r.msf.StreamCount() {
		r.logger.Warn().Msg("Container has no /names stream, document names unavailable")
		return nil
	}

	raw, err := r.msf.ReadStream(int(idx))
	if err != nil || len(raw) < 12 {
		r.logger.Warn().Msg("Unreadable /names stream, document names unavailable")
		return nil
	}
	if binary.LittleEndian.Uint32(raw) != namesSignature {
		r.logger.Warn().Msg("Bad /names stream signature, document names unavailable")
		return nil
	}
	size := binary.LittleEndian.Uint32(raw[8:])
	if uint64(12+size) > uint64(len(raw)) {
		size = uint32(len(raw) - 12)
	}
	return raw[12 : 12+size]
}

// findNamedStream walks the named stream map of the info stream.
func findNamedStream(info []byte, want string) (uint32, bool) {
	off := 28
	if off+4 > len(info) {
		return 0, false
	}
	cbStrings := int(binary.LittleEndian.Uint32(info[off:]))
	off += 4
	if off+cbStrings > len(info) {
		return 0, false
	}
	strBuf := info[off : off+cbStrings]
	off += cbStrings

	// Serialized hash map: size, capacity, then present and deleted bit
	// vectors, then the present (key, value) pairs.
	if off+8 > len(info) {
		return 0, false
	}
	size := int(binary.LittleEndian.Uint32(info[off:]))
	off += 8

	for _, vec := range []int{0, 1} {
		_ = vec
		if off+4 > len(info) {
			return 0, false
		}
		words := int(binary.LittleEndian.Uint32(info[off:]))
		off += 4 + 4*words
	}

	for i := 0; i < size; i++ {
		if off+8 > len(info) {
			return 0, false
		}
		key := binary.LittleEndian.Uint32(info[off:])
		val := binary.LittleEndian.Uint32(info[off+4:])
		off += 8
		if name := cstringAt(strBuf, key); name == want {
			return val, true
		}
	}
	return 0, false
}

// parseDBIModules walks the module info substream of the module index stream.
func parseDBIModules(dbi []byte) ([]dbiModule, error) {
	if len(dbi) < dbiHeaderSize {
		return nil, fmt.Errorf("header truncated")
	}
	modInfoSize := int(int32(binary.LittleEndian.Uint32(dbi[24:])))
	if modInfoSize < 0 || dbiHeaderSize+modInfoSize > len(dbi) {
		return nil, fmt.Errorf("module info substream truncated")
	}

	var modules []dbiModule
	sub := dbi[dbiHeaderSize : dbiHeaderSize+modInfoSize]
	off := 0
	for off+modInfoFixedLen <= len(sub) {
		m := dbiModule{
			symStream: binary.LittleEndian.Uint16(sub[off+34:]),
			symSize:   binary.LittleEndian.Uint32(sub[off+36:]),
			c11Size:   binary.LittleEndian.Uint32(sub[off+40:]),
			c13Size:   binary.LittleEndian.Uint32(sub[off+44:]),
		}

		nameOff := off + modInfoFixedLen
		nul := bytes.IndexByte(sub[nameOff:], 0)
		if nul < 0 {
			return nil, fmt.Errorf("module name unterminated at byte %d", nameOff)
		}
		m.name = string(sub[nameOff : nameOff+nul])
		nameOff += nul + 1

		nul = bytes.IndexByte(sub[nameOff:], 0)
		if nul < 0 {
			return nil, fmt.Errorf("object file name unterminated at byte %d", nameOff)
		}
		nameOff += nul + 1

		// Records are 4-aligned within the substream.
		off = (nameOff + 3) &^ 3
		modules = append(modules, m)
	}
	return modules, nil
}

// loadModule parses one module stream: managed procedure records from the
// symbol region, then line tables from the C13 region.
func (r *nativeReader) loadModule(modIndex int, mod dbiModule, data []byte, names []byte, seenDocs map[string]bool) error {
	if len(data) < 4 || binary.LittleEndian.Uint32(data) != cvSignatureC13 {
		return fmt.Errorf("unsupported symbol stream signature")
	}

	symEndOff := int(mod.symSize)
	if symEndOff > len(data) {
		return fmt.Errorf("symbol region truncated")
	}

	procs := r.parseProcs(data[:symEndOff], mod.symStream)

	c13Start := symEndOff + int(mod.c11Size)
	c13End := c13Start + int(mod.c13Size)
	if c13End > len(data) {
		return fmt.Errorf("line region truncated")
	}

	return r.parseC13(data[c13Start:c13End], procs, names, seenDocs)
}

// parseProcs scans the symbol record region for managed procedures.
func (r *nativeReader) parseProcs(region []byte, module uint16) []*nativeProc {
	var procs []*nativeProc

	off := 4
	for off+4 <= len(region) {
		recLen := int(binary.LittleEndian.Uint16(region[off:]))
		if recLen < 2 || off+2+recLen > len(region) {
			break
		}
		kind := binary.LittleEndian.Uint16(region[off+2:])
		payload := region[off+4 : off+2+recLen]
		recordEnd := off + 2 + recLen

		if (kind == symGManProc || kind == symLManProc) && len(payload) >= 37 {
			proc := &nativeProc{
				token:     binary.LittleEndian.Uint32(payload[24:]),
				module:    module,
				recordEnd: recordEnd,
				scopeEnd:  int(binary.LittleEndian.Uint32(payload[4:])),
				length:    binary.LittleEndian.Uint32(payload[12:]),
				off:       binary.LittleEndian.Uint32(payload[28:]),
				seg:       binary.LittleEndian.Uint16(payload[32:]),
			}
			row := methodDefRow(proc.token)
			if row == 0 {
				r.logger.Debug().Uint32("token", proc.token).Msg("Skipping procedure with non-method token")
			} else if _, dup := r.procs[row]; dup {
				r.logger.Debug().Uint32("token", proc.token).Msg("Duplicate managed procedure record")
			} else {
				r.procs[row] = proc
				procs = append(procs, proc)
			}
		}

		off = recordEnd
	}

	sort.Slice(procs, func(i, j int) bool {
		if procs[i].seg != procs[j].seg {
			return procs[i].seg < procs[j].seg
		}
		return procs[i].off < procs[j].off
	})
	return procs
}

// parseC13 walks the line subsections, attributing rows to procedures.
func (r *nativeReader) parseC13(region []byte, procs []*nativeProc, names []byte, seenDocs map[string]bool) error {
	// File checksum records first, then line subsections resolve against them.
	chksms := make(map[uint32]string)
	for off := 0; off+8 <= len(region); {
		kind := binary.LittleEndian.Uint32(region[off:])
		size := int(binary.LittleEndian.Uint32(region[off+4:]))
		if off+8+size > len(region) {
			return fmt.Errorf("subsection at byte %d truncated", off)
		}
		if kind == subsectionFileChksms {
			parseFileChecksums(region[off+8:off+8+size], names, chksms, seenDocs, &r.docs)
		}
		off += 8 + ((size + 3) &^ 3)
	}

	for off := 0; off+8 <= len(region); {
		kind := binary.LittleEndian.Uint32(region[off:])
		size := int(binary.LittleEndian.Uint32(region[off+4:]))
		if off+8+size > len(region) {
			break
		}
		if kind == subsectionLines {
			if err := r.parseLines(region[off+8:off+8+size], procs, chksms); err != nil {
				return err
			}
		}
		off += 8 + ((size + 3) &^ 3)
	}
	return nil
}

// parseFileChecksums indexes checksum records by their subsection offset.
func parseFileChecksums(sub []byte, names []byte, chksms map[uint32]string, seenDocs map[string]bool, docs *[]string) {
	off := 0
	for off+6 <= len(sub) {
		nameOff := binary.LittleEndian.Uint32(sub[off:])
		sumLen := int(sub[off+4])

		name := cstringAt(names, nameOff)
		chksms[uint32(off)] = name
		if name != "" && !seenDocs[name] {
			seenDocs[name] = true
			*docs = append(*docs, name)
		}

		off += (6 + sumLen + 3) &^ 3
	}
}

// parseLines decodes one lines subsection into sequence points on the owning
// procedure.
func (r *nativeReader) parseLines(sub []byte, procs []*nativeProc, chksms map[uint32]string) error {
	if len(sub) < 12 {
		return fmt.Errorf("lines subsection truncated")
	}
	offCon := binary.LittleEndian.Uint32(sub[0:])
	segCon := binary.LittleEndian.Uint16(sub[4:])
	flags := binary.LittleEndian.Uint16(sub[6:])
	hasColumns := flags&linesHaveColumns != 0

	proc := findProc(procs, segCon, offCon)
	if proc == nil {
		r.logger.Debug().
			Uint32("offset", offCon).
			Int("segment", int(segCon)).
			Msg("Lines subsection matches no managed procedure")
		return nil
	}
	row := methodDefRow(proc.token)

	off := 12
	for off+12 <= len(sub) {
		fileID := binary.LittleEndian.Uint32(sub[off:])
		nRows := int(binary.LittleEndian.Uint32(sub[off+4:]))
		cbBlock := int(binary.LittleEndian.Uint32(sub[off+8:]))
		if cbBlock < 12 || off+cbBlock > len(sub) {
			return fmt.Errorf("line block at byte %d truncated", off)
		}

		rowSize := 8
		need := 12 + nRows*rowSize
		if hasColumns {
			need += nRows * 4
		}
		if need > cbBlock {
			return fmt.Errorf("line block at byte %d declares %d rows", off, nRows)
		}

		doc := chksms[fileID]
		lineBase := off + 12
		colBase := lineBase + nRows*rowSize
		for i := 0; i < nRows; i++ {
			entry := sub[lineBase+i*rowSize:]
			ilDelta := binary.LittleEndian.Uint32(entry)
			word := binary.LittleEndian.Uint32(entry[4:])

			start := word & 0x00FFFFFF
			if start == hiddenLine || start == hiddenLineAlt {
				continue
			}
			deltaEnd := (word >> 24) & 0x7F

			sp := SequencePoint{
				Offset:    offCon + ilDelta - proc.off,
				StartLine: int(start),
				EndLine:   int(start + deltaEnd),
				Document:  doc,
			}
			if hasColumns {
				col := sub[colBase+i*4:]
				sp.StartColumn = int(binary.LittleEndian.Uint16(col))
				sp.EndColumn = int(binary.LittleEndian.Uint16(col[2:]))
			}
			r.points[row] = append(r.points[row], sp)
		}

		off += cbBlock
	}
	return nil
}

// findProc locates the procedure whose code range covers the contribution
// start. procs is sorted by segment then offset.
func findProc(procs []*nativeProc, seg uint16, off uint32) *nativeProc {
	i := sort.Search(len(procs), func(i int) bool {
		if procs[i].seg != seg {
			return procs[i].seg > seg
		}
		return procs[i].off > off
	})
	if i == 0 {
		return nil
	}
	p := procs[i-1]
	if p.seg != seg {
		return nil
	}
	if p.length > 0 && off >= p.off+p.length {
		return nil
	}
	return p
}

func (r *nativeReader) SequencePoints(methodToken uint32) ([]SequencePoint, bool) {
	pts, ok := r.points[methodDefRow(methodToken)]
	if !ok || len(pts) == 0 {
		return nil, false
	}
	return pts, true
}

func (r *nativeReader) FindSequencePoint(methodToken, ilOffset uint32) (SequencePoint, bool) {
	pts, ok := r.SequencePoints(methodToken)
	if !ok {
		return SequencePoint{}, false
	}
	return findAtOrBefore(pts, ilOffset)
}

// LocalVariableNames scans the procedure's scope records on demand through
// the retained container handle.
func (r *nativeReader) LocalVariableNames(methodToken uint32) ([]string, bool) {
	proc, ok := r.procs[methodDefRow(methodToken)]
	if !ok {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.moduleData(proc.module)
	if err != nil {
		r.logger.Warn().Err(err).Uint32("token", proc.token).Msg("Failed to read module stream for locals")
		return nil, false
	}

	slots := scanManSlots(data, proc.recordEnd, proc.scopeEnd)
	if len(slots) == 0 {
		return nil, false
	}
	return fillSlotNames(slots), true
}

// moduleData fetches and caches a module stream. Callers hold r.mu.
func (r *nativeReader) moduleData(stream uint16) ([]byte, error) {
	if data, ok := r.moduleCache[stream]; ok {
		return data, nil
	}
	data, err := r.msf.ReadStream(int(stream))
	if err != nil {
		return nil, err
	}
	r.moduleCache[stream] = data
	return data, nil
}

// scanManSlots collects managed slot records between a procedure record and
// its scope end.
func scanManSlots(data []byte, from, to int) map[uint16]string {
	if to > len(data) || from >= to {
		return nil
	}

	slots := make(map[uint16]string)
	off := from
	for off+4 <= to {
		recLen := int(binary.LittleEndian.Uint16(data[off:]))
		if recLen < 2 || off+2+recLen > len(data) {
			break
		}
		kind := binary.LittleEndian.Uint16(data[off+2:])
		payload := data[off+4 : off+2+recLen]

		if kind == symManSlot && len(payload) >= 17 {
			slot := binary.LittleEndian.Uint32(payload)
			name := cstringAt(payload, 16)
			if slot <= 0xFFFF {
				if _, taken := slots[uint16(slot)]; !taken {
					slots[uint16(slot)] = name
				}
			}
		}

		off += 2 + recLen
	}
	return slots
}

func (r *nativeReader) MethodTokens() []uint32 {
	tokens := make([]uint32, 0, len(r.procs))
	for row := range r.procs {
		tokens = append(tokens, tokenMethodDef|row)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

func (r *nativeReader) Documents() []string {
	return r.docs
}

// Close releases the container handle.
func (r *nativeReader) Close() error {
	return r.msf.Close()
}

// cstringAt reads a NUL-terminated string at off, or "" when out of range.
func cstringAt(buf []byte, off uint32) string {
	if int64(off) >= int64(len(buf)) {
		return ""
	}
	end := bytes.IndexByte(buf[off:], 0)
	if end < 0 {
		return string(buf[off:])
	}
	return string(buf[off : int(off)+end])
}
