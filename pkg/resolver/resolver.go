package resolver

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/motevm/motesym/pkg/pdbx"
	"github.com/motevm/motesym/pkg/symbols"
)

// ErrClosed is returned by loads after Close.
var ErrClosed = errors.New("resolver is closed")

// defaultSystemPrefixes marks the runtime's own class libraries, which the
// entry-point search skips.
var defaultSystemPrefixes = []string{"mscorlib", "System.", "Mote."}

// Option adjusts resolver construction.
type Option func(*options)

type options struct {
	searchPaths    []string
	systemPrefixes []string
}

// WithSearchPaths adds directories consulted for symbol containers that are
// not next to their cross-reference file.
func WithSearchPaths(paths ...string) Option {
	return func(o *options) { o.searchPaths = append(o.searchPaths, paths...) }
}

// WithSystemAssemblyPrefixes replaces the assembly name prefixes treated as
// runtime-owned by GetEntryPointLocation.
func WithSystemAssemblyPrefixes(prefixes ...string) Option {
	return func(o *options) { o.systemPrefixes = prefixes }
}

// Resolver caches symbol data for one debug session and answers source and
// offset translation queries over it.
//
// Loads serialize on an internal mutex and publish their result as a new
// immutable snapshot; queries read the current snapshot without locking and
// never observe a load in progress.
type Resolver struct {
	logger zerolog.Logger
	opts   options

	snap atomic.Pointer[snapshot]

	mu      sync.Mutex
	sources map[string]string // assembly name -> cross-reference path
	binds   map[string]uint16 // assembly name -> device index
	closed  bool
}

// New returns an empty resolver for one debug session.
func New(logger zerolog.Logger, opts ...Option) *Resolver {
	o := options{systemPrefixes: defaultSystemPrefixes}
	for _, opt := range opts {
		opt(&o)
	}
	r := &Resolver{
		logger: logger.With().
			Str("component", "resolver").
			Str("session", uuid.NewString()[:8]).
			Logger(),
		opts:    o,
		sources: make(map[string]string),
		binds:   make(map[string]uint16),
	}
	r.snap.Store(newSnapshot())
	return r
}

// LoadSymbols parses a cross-reference file and caches symbol data for the
// assembly it describes. Loading the same assembly again replaces its
// entries wholesale, so a rebuilt program reloads in place.
//
// A missing or unreadable symbol container is not an error: the assembly is
// cached with offset maps only and source-level queries on it miss.
func (r *Resolver) LoadSymbols(pdbxPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return r.loadLocked(pdbxPath)
}

// LoadFromDirectory discovers cross-reference files under dir and loads
// each one. Files that fail to parse are skipped with a warning so one bad
// artifact cannot block the session. Returns the number of assemblies
// loaded; a missing directory loads nothing.
func (r *Resolver) LoadFromDirectory(dir string, recursive bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}
	loaded := 0
	for _, path := range discoverCrossRefs(dir, recursive) {
		if err := r.loadLocked(path); err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("Skipping unloadable cross-reference file")
			continue
		}
		loaded++
	}
	return loaded
}

// BindAssemblyIndex records the index the device assigned to an assembly in
// its deployment order. The binding survives reloads and is applied
// retroactively if the assembly loads later; it mints the combined method
// identities queries return.
func (r *Resolver) BindAssemblyIndex(assemblyName string, index uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.binds[pdbx.TrimExecutableExt(assemblyName)] = index

	cur := r.snap.Load()
	a, ok := cur.lookup(assemblyName)
	if !ok {
		r.logger.Debug().Str("assembly", assemblyName).Uint16("index", index).
			Msg("Assembly index recorded before its symbols loaded")
		return
	}
	if a.bound && a.index == index {
		return
	}
	rebound := *a
	rebound.index = index
	rebound.bound = true
	next := cur.clone()
	next.assemblies[a.name] = &rebound
	r.snap.Store(next)
	r.logger.Debug().Str("assembly", a.name).Uint16("index", index).Msg("Bound device assembly index")
}

// ReloadAll drops the cache and replays every recorded load, picking up
// rebuilt artifacts without restarting the session. Returns the number of
// assemblies that loaded again.
func (r *Resolver) ReloadAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}
	prev := r.snap.Swap(newSnapshot())
	closeReaders(prev, r.logger)

	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		path := r.sources[name]
		if err := r.loadLocked(path); err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("Reload failed, entry dropped")
			delete(r.sources, name)
			continue
		}
		loaded++
	}
	r.logger.Info().Int("assemblies", loaded).Msg("Reloaded symbol cache")
	return loaded
}

// Close discards the cache and releases every symbol container. Later
// loads fail with ErrClosed; queries simply miss.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	prev := r.snap.Swap(newSnapshot())
	closeReaders(prev, r.logger)
}

// AssemblyInfo summarizes one cached assembly for inspection surfaces.
type AssemblyInfo struct {
	Name       string
	Source     string
	Index      uint16
	IndexBound bool
	Methods    int
	Points     int
	Documents  []string
	HasSymbols bool
}

// Assemblies lists the cached assemblies in name order.
func (r *Resolver) Assemblies() []AssemblyInfo {
	s := r.snap.Load()
	out := make([]AssemblyInfo, 0, len(s.assemblies))
	for _, name := range s.sortedNames() {
		a := s.assemblies[name]
		info := AssemblyInfo{
			Name:       a.name,
			Source:     a.source,
			Index:      a.index,
			IndexBound: a.bound,
			Methods:    len(a.methods),
			Documents:  a.documents,
			HasSymbols: a.reader != nil,
		}
		for _, m := range a.methods {
			info.Points += len(m.points)
		}
		out = append(out, info)
	}
	return out
}

// loadLocked runs one load under r.mu and publishes the successor
// snapshot. The displaced reader, if any, closes only after the successor
// is visible; a lookup racing the swap then misses instead of touching a
// closed file.
func (r *Resolver) loadLocked(pdbxPath string) error {
	file, err := pdbx.Load(pdbxPath)
	if err != nil {
		return err
	}
	asm := &file.Assembly
	name := asm.BaseName()

	rd := r.openReader(pdbxPath, asm)
	entry := &assemblyEntry{
		name:    name,
		source:  pdbxPath,
		methods: r.buildMethods(name, asm, rd),
		reader:  rd,
	}
	if rd != nil {
		entry.documents = rd.Documents()
	}
	if idx, ok := r.binds[name]; ok {
		entry.index = idx
		entry.bound = true
	}

	cur := r.snap.Load()
	var displaced symbols.Reader
	if old, ok := cur.assemblies[name]; ok {
		displaced = old.reader
	}
	next := cur.clone()
	next.assemblies[name] = entry
	r.snap.Store(next)
	r.sources[name] = pdbxPath

	if displaced != nil && displaced != rd {
		_ = displaced.Close()
	}

	r.logger.Info().
		Str("assembly", name).
		Str("source", pdbxPath).
		Int("methods", len(entry.methods)).
		Bool("symbols", rd != nil).
		Msg("Loaded assembly symbols")
	return nil
}

// buildMethods flattens the cross-reference into per-row entries and
// translates every sequence point into device numbering while the offset
// map is at hand.
func (r *Resolver) buildMethods(assembly string, asm *pdbx.Assembly, rd symbols.Reader) map[uint16]*methodEntry {
	methods := make(map[uint16]*methodEntry, asm.MethodCount())
	for ci := range asm.Classes {
		c := &asm.Classes[ci]
		for mi := range c.Methods {
			m := &c.Methods[mi]
			e := &methodEntry{
				assembly:  assembly,
				hostToken: uint32(m.Token.Host),
				row:       uint16(uint32(m.Token.Device) & 0xFFFF),
				ilMap:     m.ILMap,
				hasCode:   m.HasByteCode,
			}
			if rd != nil && e.hasCode {
				e.points = translatePoints(e.ilMap, rd, e.hostToken)
			}
			methods[e.row] = e
		}
	}
	return methods
}

// translatePoints reads a method's sequence points and rewrites each
// offset through the instruction map.
func translatePoints(ilMap pdbx.ILMap, rd symbols.Reader, hostToken uint32) []devicePoint {
	pts, ok := rd.SequencePoints(hostToken)
	if !ok {
		return nil
	}
	out := make([]devicePoint, 0, len(pts))
	for _, sp := range pts {
		out = append(out, devicePoint{
			cil:      sp.Offset,
			device:   ilMap.DeviceOffset(sp.Offset),
			line:     sp.StartLine,
			column:   sp.StartColumn,
			endLine:  sp.EndLine,
			endCol:   sp.EndColumn,
			document: sp.Document,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].device < out[j].device })
	return out
}

// openReader locates and opens the symbol container for an assembly: the
// cross-reference file's directory first, then each search path. Within a
// directory the standalone symbol file wins and the assembly binary's
// embedded image is the fallback. Total failure degrades to nil.
func (r *Resolver) openReader(pdbxPath string, asm *pdbx.Assembly) symbols.Reader {
	stem := asm.BaseName()
	dirs := append([]string{filepath.Dir(pdbxPath)}, r.opts.searchPaths...)
	var firstErr error
	for _, dir := range dirs {
		symbolPath := filepath.Join(dir, stem+".pdb")
		if !fileExists(symbolPath) {
			symbolPath = ""
		}
		binaryPath := findBinary(dir, stem, asm.FileName)
		if symbolPath == "" && binaryPath == "" {
			continue
		}
		rd, err := symbols.Open(symbolPath, binaryPath, r.logger)
		if err == nil {
			return rd
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	evt := r.logger.Warn().Str("assembly", asm.FileName)
	if firstErr != nil {
		evt = evt.Err(firstErr)
	}
	evt.Msg("No usable symbol container, serving offset maps only")
	return nil
}

// findBinary returns the first assembly binary present in dir, preferring
// the exact file name the cross-reference records.
func findBinary(dir, stem, fileName string) string {
	for _, name := range []string{fileName, stem + ".dll", stem + ".exe"} {
		if name == "" {
			continue
		}
		if p := filepath.Join(dir, name); fileExists(p) {
			return p
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// closeReaders releases the symbol containers held by a retired snapshot.
func closeReaders(s *snapshot, logger zerolog.Logger) {
	for _, a := range s.assemblies {
		if a.reader == nil {
			continue
		}
		if err := a.reader.Close(); err != nil {
			logger.Debug().Err(err).Str("assembly", a.name).Msg("Closing symbol reader")
		}
	}
}

// discoverCrossRefs lists cross-reference files under dir in sorted order.
func discoverCrossRefs(dir string, recursive bool) []string {
	var paths []string
	if recursive {
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable subtree, keep walking the rest
			}
			if !d.IsDir() && isCrossRef(path) {
				paths = append(paths, path)
			}
			return nil
		})
	} else {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil
		}
		for _, e := range entries {
			if !e.IsDir() && isCrossRef(e.Name()) {
				paths = append(paths, filepath.Join(dir, e.Name()))
			}
		}
	}
	sort.Strings(paths)
	return paths
}

func isCrossRef(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdbx")
}
