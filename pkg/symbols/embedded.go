package symbols

import (
	"bytes"
	"compress/flate"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/motevm/motesym/internal/safe"
)

// PE debug directory constants for the embedded portable symbol entry.
const (
	debugDirectoryIndex = 6
	debugEntrySize      = 28
	debugTypeEmbedded   = 17
)

var embeddedMagic = []byte("MPDB")

// ExtractEmbedded locates the embedded portable symbol image in a PE binary
// and returns it decompressed. Returns ErrNoEmbeddedSymbols when the binary
// has no debug directory entry of the embedded type.
func ExtractEmbedded(data []byte) ([]byte, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse PE image: %w", err)
	}
	defer f.Close()

	var dir pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if oh.NumberOfRvaAndSizes <= debugDirectoryIndex {
			return nil, ErrNoEmbeddedSymbols
		}
		dir = oh.DataDirectory[debugDirectoryIndex]
	case *pe.OptionalHeader64:
		if oh.NumberOfRvaAndSizes <= debugDirectoryIndex {
			return nil, ErrNoEmbeddedSymbols
		}
		dir = oh.DataDirectory[debugDirectoryIndex]
	default:
		return nil, fmt.Errorf("PE image has no optional header")
	}
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, ErrNoEmbeddedSymbols
	}

	raw, err := readAtRVA(f, dir.VirtualAddress, dir.Size)
	if err != nil {
		return nil, fmt.Errorf("read debug directory: %w", err)
	}

	for off := 0; off+debugEntrySize <= len(raw); off += debugEntrySize {
		entry := raw[off:]
		if binary.LittleEndian.Uint32(entry[12:]) != debugTypeEmbedded {
			continue
		}
		size := binary.LittleEndian.Uint32(entry[16:])
		fileOff := binary.LittleEndian.Uint32(entry[24:])

		end, ok := safe.AddUint32(fileOff, size)
		if !ok || int64(end) > int64(len(data)) {
			return nil, fmt.Errorf("embedded symbol entry extends past image end")
		}
		return decodeEmbedded(data[fileOff:end])
	}

	return nil, ErrNoEmbeddedSymbols
}

// readAtRVA resolves a virtual address range through the section table.
func readAtRVA(f *pe.File, rva, size uint32) ([]byte, error) {
	end, ok := safe.AddUint32(rva, size)
	if !ok {
		return nil, fmt.Errorf("virtual range overflow at 0x%x", rva)
	}
	for _, s := range f.Sections {
		if rva < s.VirtualAddress || end > s.VirtualAddress+s.VirtualSize {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("read section %s: %w", s.Name, err)
		}
		off := rva - s.VirtualAddress
		if int64(off)+int64(size) > int64(len(data)) {
			return nil, fmt.Errorf("virtual range 0x%x not backed by raw data", rva)
		}
		return data[off : off+size], nil
	}
	return nil, fmt.Errorf("virtual address 0x%x outside any section", rva)
}

// decodeEmbedded validates the embedded entry payload and inflates the
// portable image: a magic, the uncompressed size, then a raw deflate stream.
func decodeEmbedded(payload []byte) ([]byte, error) {
	if len(payload) < 8 || !bytes.HasPrefix(payload, embeddedMagic) {
		return nil, fmt.Errorf("bad embedded symbol signature")
	}
	size := binary.LittleEndian.Uint32(payload[4:])
	if size > MaxSymbolFileSize {
		return nil, fmt.Errorf("embedded image size %d exceeds limit", size)
	}

	fr := flate.NewReader(bytes.NewReader(payload[8:]))
	defer fr.Close()

	out, err := io.ReadAll(io.LimitReader(fr, int64(size)+1))
	if err != nil {
		return nil, fmt.Errorf("inflate embedded image: %w", err)
	}
	if len(out) != int(size) {
		return nil, fmt.Errorf("embedded image size mismatch: got %d, want %d", len(out), size)
	}
	return out, nil
}
