package inventory

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/motevm/motesym/internal/safe"
	"github.com/motevm/motesym/pkg/pdbx"
)

// MaxArtifactSize bounds assembly binary reads during a scan.
const MaxArtifactSize = 64 << 20

// devicePoly is the reversed generator polynomial the device firmware uses
// for assembly checksums.
const devicePoly = 0xEDB88320

var deviceTable = crc32.MakeTable(devicePoly)

// DeviceChecksum computes the checksum a device reports for an assembly
// deployed from data. Identical bytes produce identical checksums
// regardless of where the artifact lives.
func DeviceChecksum(data []byte) uint32 {
	return crc32.Checksum(data, deviceTable)
}

// Reason classifies an identity mismatch.
type Reason string

const (
	// ReasonChecksumMismatch marks an assembly whose on-device checksum
	// differs from the local build artifact's.
	ReasonChecksumMismatch Reason = "checksum-mismatch"
	// ReasonNotFound marks a device assembly with no local counterpart.
	ReasonNotFound Reason = "not-found"
)

// DeviceAssembly is one entry of a device's assembly enumeration.
type DeviceAssembly struct {
	Name     string
	Version  string
	Checksum uint32
	Index    uint16
}

// LocalAssembly is a build artifact indexed by a scan.
type LocalAssembly struct {
	Name        string // file name with the executable extension trimmed
	FileName    string
	Path        string
	Checksum    uint32
	Fingerprint uint64
	Size        int64
	ModTime     time.Time
}

// Mismatch describes a device assembly whose identity could not be
// confirmed locally.
type Mismatch struct {
	Assembly       string
	Reason         Reason
	DeviceChecksum uint32
	LocalChecksum  uint32
	DeviceVersion  string
	Index          uint16
	Path           string // matching local artifact, empty for ReasonNotFound
}

// Option adjusts manager construction.
type Option func(*options)

type options struct {
	searchPaths []string
	handler     func(Mismatch)
}

// WithSearchPaths adds directories scanned for build artifacts.
func WithSearchPaths(paths ...string) Option {
	return func(o *options) { o.searchPaths = append(o.searchPaths, paths...) }
}

// WithMismatchHandler installs a callback invoked once per new mismatch
// state. The callback runs outside the manager's lock.
func WithMismatchHandler(h func(Mismatch)) Option {
	return func(o *options) { o.handler = h }
}

// Manager reconciles device-reported assembly identities with local build
// artifacts.
//
// Registrations arriving before the first scan are held back from
// evaluation so a connecting device does not flood the handler with
// not-found reports that the first scan would immediately retract.
type Manager struct {
	logger zerolog.Logger
	opts   options

	mu       sync.Mutex
	scans    int
	local    map[string]LocalAssembly  // keyed by trimmed name
	device   map[string]DeviceAssembly // keyed by trimmed name
	seen     map[string]uint64         // artifact path -> content fingerprint
	notified map[string]string         // assembly -> last notified mismatch state
}

// New returns an empty manager.
func New(logger zerolog.Logger, opts ...Option) *Manager {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		logger:   logger.With().Str("component", "inventory").Logger(),
		opts:     o,
		local:    make(map[string]LocalAssembly),
		device:   make(map[string]DeviceAssembly),
		seen:     make(map[string]uint64),
		notified: make(map[string]string),
	}
}

// RegisterDeviceAssembly records one entry of a device's enumeration
// response and checks it against the local index.
func (m *Manager) RegisterDeviceAssembly(name, version string, checksum uint32, index uint16) {
	m.mu.Lock()
	stem := pdbx.TrimExecutableExt(name)
	m.device[stem] = DeviceAssembly{Name: name, Version: version, Checksum: checksum, Index: index}
	m.logger.Debug().
		Str("assembly", name).
		Str("version", version).
		Uint32("checksum", checksum).
		Uint16("index", index).
		Msg("Registered device assembly")
	var pending []Mismatch
	if m.scans > 0 {
		pending = m.evaluateLocked(stem)
	}
	m.mu.Unlock()
	m.notify(pending)
}

// ScanLocalAssemblies walks the search paths and indexes every assembly
// binary found, then re-evaluates all registered device assemblies.
// Artifacts whose bytes have not changed since the previous scan are not
// re-hashed and cannot re-trigger notifications. Returns the number of
// artifacts seen by the walk.
func (m *Manager) ScanLocalAssemblies() (int, error) {
	m.mu.Lock()
	if len(m.opts.searchPaths) == 0 {
		m.mu.Unlock()
		return 0, errors.New("no artifact search paths configured")
	}

	found := 0
	for _, dir := range m.opts.searchPaths {
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable subtree, keep walking the rest
			}
			if d.IsDir() || !isArtifact(path) {
				return nil
			}
			found++
			m.indexArtifactLocked(path, d)
			return nil
		})
	}
	m.scans++

	var pending []Mismatch
	for stem := range m.device {
		pending = append(pending, m.evaluateLocked(stem)...)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Assembly < pending[j].Assembly })

	m.logger.Info().
		Int("artifacts", found).
		Int("assemblies", len(m.local)).
		Int("mismatches", len(pending)).
		Msg("Scanned local assemblies")
	m.mu.Unlock()
	m.notify(pending)
	return found, nil
}

// LocalAssembly looks up a scanned artifact under any conventional form of
// its name.
func (m *Manager) LocalAssembly(name string) (LocalAssembly, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocalLocked(name)
}

// LocalAssemblies lists the scanned artifacts in name order.
func (m *Manager) LocalAssemblies() []LocalAssembly {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LocalAssembly, 0, len(m.local))
	for _, la := range m.local {
		out = append(out, la)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DeviceAssemblies lists the registered device assemblies in name order.
func (m *Manager) DeviceAssemblies() []DeviceAssembly {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeviceAssembly, 0, len(m.device))
	for _, da := range m.device {
		out = append(out, da)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Mismatches reports the current identity mismatches in name order,
// independent of what has already been notified.
func (m *Manager) Mismatches() []Mismatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Mismatch
	for stem := range m.device {
		if mm, bad := m.mismatchForLocked(stem); bad {
			out = append(out, mm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Assembly < out[j].Assembly })
	return out
}

// indexArtifactLocked hashes one artifact and updates the local index.
func (m *Manager) indexArtifactLocked(path string, d fs.DirEntry) {
	data, err := safe.ReadFile(path, &safe.ReadOptions{MaxSize: MaxArtifactSize})
	if err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable artifact")
		return
	}
	fp := xxh3.Hash(data)
	if prev, ok := m.seen[path]; ok && prev == fp {
		return // unchanged since the previous scan
	}
	m.seen[path] = fp

	fileName := filepath.Base(path)
	stem := pdbx.TrimExecutableExt(fileName)
	la := LocalAssembly{
		Name:        stem,
		FileName:    fileName,
		Path:        path,
		Checksum:    DeviceChecksum(data),
		Fingerprint: fp,
		Size:        int64(len(data)),
	}
	if info, err := d.Info(); err == nil {
		la.ModTime = info.ModTime()
	}
	if prev, ok := m.local[stem]; ok && prev.Path != path {
		m.logger.Debug().
			Str("assembly", stem).
			Str("previous", prev.Path).
			Str("path", path).
			Msg("Artifact name collision, later path wins")
	}
	m.local[stem] = la
	m.logger.Debug().Str("assembly", stem).Uint32("checksum", la.Checksum).Msg("Indexed local assembly")
}

// mismatchForLocked computes the current mismatch state for one device
// assembly. Checksum comparison needs both sides non-zero; a zero checksum
// means the side could not compute one.
func (m *Manager) mismatchForLocked(stem string) (Mismatch, bool) {
	dev, ok := m.device[stem]
	if !ok {
		return Mismatch{}, false
	}
	local, found := m.lookupLocalLocked(dev.Name)
	switch {
	case !found:
		return Mismatch{
			Assembly:       stem,
			Reason:         ReasonNotFound,
			DeviceChecksum: dev.Checksum,
			DeviceVersion:  dev.Version,
			Index:          dev.Index,
		}, true
	case dev.Checksum != 0 && local.Checksum != 0 && dev.Checksum != local.Checksum:
		return Mismatch{
			Assembly:       stem,
			Reason:         ReasonChecksumMismatch,
			DeviceChecksum: dev.Checksum,
			LocalChecksum:  local.Checksum,
			DeviceVersion:  dev.Version,
			Index:          dev.Index,
			Path:           local.Path,
		}, true
	default:
		return Mismatch{}, false
	}
}

// evaluateLocked re-checks one device assembly and returns the mismatch to
// notify, if its state is new. A restored match clears the notified state
// so a later regression reports again.
func (m *Manager) evaluateLocked(stem string) []Mismatch {
	mm, bad := m.mismatchForLocked(stem)
	if !bad {
		delete(m.notified, stem)
		return nil
	}
	key := mismatchKey(mm)
	if m.notified[stem] == key {
		return nil
	}
	m.notified[stem] = key
	m.logger.Warn().
		Str("assembly", stem).
		Str("reason", string(mm.Reason)).
		Uint32("device_checksum", mm.DeviceChecksum).
		Uint32("local_checksum", mm.LocalChecksum).
		Msg("Assembly identity mismatch")
	return []Mismatch{mm}
}

func (m *Manager) lookupLocalLocked(name string) (LocalAssembly, bool) {
	for _, cand := range pdbx.AssemblyNameCandidates(name) {
		if la, ok := m.local[cand]; ok {
			return la, true
		}
	}
	return LocalAssembly{}, false
}

func (m *Manager) notify(pending []Mismatch) {
	if m.opts.handler == nil {
		return
	}
	for _, mm := range pending {
		m.opts.handler(mm)
	}
}

func mismatchKey(mm Mismatch) string {
	return fmt.Sprintf("%s|%08x|%08x", mm.Reason, mm.DeviceChecksum, mm.LocalChecksum)
}

func isArtifact(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".exe", ".dll":
		return true
	}
	return false
}
