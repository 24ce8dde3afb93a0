package symbols

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/motevm/motesym/internal/safe"
)

// msfFile provides stream access to a program-database container. The
// container is paged: every stream is a sequence of fixed-size blocks listed
// in the stream directory. The underlying handle stays open for the life of
// the reader so streams can be fetched on demand.
type msfFile struct {
	ra        io.ReaderAt
	closer    io.Closer
	blockSize uint32
	numBlocks uint32
	streams   []msfStream
}

type msfStream struct {
	size   uint32
	blocks []uint32
}

const (
	msfSuperblockSize = 56
	// Absent streams carry this size in the directory.
	msfStreamAbsent = 0xFFFFFFFF
)

// openMSF opens the container at path, keeping the file handle for stream
// reads until Close.
func openMSF(path string) (*msfFile, error) {
	f, fileSize, err := safe.OpenFile(path, &safe.ReadOptions{MaxSize: MaxSymbolFileSize})
	if err != nil {
		return nil, err
	}
	m, err := newMSF(f, fileSize, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

// newMSF parses the superblock and stream directory of a container.
func newMSF(ra io.ReaderAt, fileSize int64, closer io.Closer) (*msfFile, error) {
	super := make([]byte, msfSuperblockSize)
	if _, err := ra.ReadAt(super, 0); err != nil {
		return nil, fmt.Errorf("read superblock: %w", err)
	}
	if string(super[:len(magicMSF)]) != string(magicMSF) {
		return nil, fmt.Errorf("bad container signature")
	}

	m := &msfFile{
		ra:        ra,
		closer:    closer,
		blockSize: binary.LittleEndian.Uint32(super[32:]),
		numBlocks: binary.LittleEndian.Uint32(super[40:]),
	}
	dirBytes := binary.LittleEndian.Uint32(super[44:])
	blockMapAddr := binary.LittleEndian.Uint32(super[52:])

	switch m.blockSize {
	case 512, 1024, 2048, 4096, 8192:
	default:
		return nil, fmt.Errorf("unsupported block size %d", m.blockSize)
	}

	total, _ := safe.MulUint32(m.numBlocks, m.blockSize)
	totalSigned, clamped := safe.Uint64ToInt64(total)
	if clamped || totalSigned != fileSize {
		return nil, fmt.Errorf("container declares %d bytes, file has %d", total, fileSize)
	}

	dirBlocks := ceilDiv(dirBytes, m.blockSize)
	if dirBlocks*4 > m.blockSize {
		return nil, fmt.Errorf("stream directory map spans multiple blocks")
	}

	blockMap, err := m.readBlock(blockMapAddr)
	if err != nil {
		return nil, fmt.Errorf("read directory map: %w", err)
	}

	dir := make([]byte, 0, dirBlocks*m.blockSize)
	for i := uint32(0); i < dirBlocks; i++ {
		block, err := m.readBlock(binary.LittleEndian.Uint32(blockMap[i*4:]))
		if err != nil {
			return nil, fmt.Errorf("read directory block %d: %w", i, err)
		}
		dir = append(dir, block...)
	}
	dir = dir[:dirBytes]

	if err := m.parseDirectory(dir); err != nil {
		return nil, fmt.Errorf("parse stream directory: %w", err)
	}
	return m, nil
}

// parseDirectory decodes stream sizes and block lists.
func (m *msfFile) parseDirectory(dir []byte) error {
	if len(dir) < 4 {
		return fmt.Errorf("directory truncated")
	}
	numStreams := binary.LittleEndian.Uint32(dir)
	if uint64(4+4*numStreams) > uint64(len(dir)) {
		return fmt.Errorf("stream size table truncated")
	}

	m.streams = make([]msfStream, numStreams)
	off := uint32(4)
	for i := range m.streams {
		size := binary.LittleEndian.Uint32(dir[off:])
		if size == msfStreamAbsent {
			size = 0
		}
		if size > MaxSymbolFileSize {
			return fmt.Errorf("stream %d declares %d bytes", i, size)
		}
		m.streams[i].size = size
		off += 4
	}

	for i := range m.streams {
		count := ceilDiv(m.streams[i].size, m.blockSize)
		if uint64(off)+uint64(count)*4 > uint64(len(dir)) {
			return fmt.Errorf("block list for stream %d truncated", i)
		}
		blocks := make([]uint32, count)
		for j := range blocks {
			blocks[j] = binary.LittleEndian.Uint32(dir[off:])
			off += 4
		}
		m.streams[i].blocks = blocks
	}
	return nil
}

// StreamCount returns the number of streams in the container.
func (m *msfFile) StreamCount() int {
	return len(m.streams)
}

// StreamSize returns the byte size of stream i, or 0 for absent streams.
func (m *msfFile) StreamSize(i int) uint32 {
	if i < 0 || i >= len(m.streams) {
		return 0
	}
	return m.streams[i].size
}

// ReadStream reassembles stream i from its blocks.
func (m *msfFile) ReadStream(i int) ([]byte, error) {
	if i < 0 || i >= len(m.streams) {
		return nil, fmt.Errorf("stream %d out of range", i)
	}
	s := m.streams[i]
	if s.size == 0 {
		return nil, nil
	}

	out := make([]byte, 0, int(s.size)+int(m.blockSize))
	for _, b := range s.blocks {
		block, err := m.readBlock(b)
		if err != nil {
			return nil, fmt.Errorf("stream %d: %w", i, err)
		}
		out = append(out, block...)
	}
	return out[:s.size], nil
}

func (m *msfFile) readBlock(n uint32) ([]byte, error) {
	if n >= m.numBlocks {
		return nil, fmt.Errorf("block %d out of range", n)
	}
	buf := make([]byte, m.blockSize)
	if _, err := m.ra.ReadAt(buf, int64(n)*int64(m.blockSize)); err != nil {
		return nil, fmt.Errorf("read block %d: %w", n, err)
	}
	return buf, nil
}

// Close releases the underlying file handle.
func (m *msfFile) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}

func ceilDiv(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return uint32((uint64(a) + uint64(b) - 1) / uint64(b))
}
