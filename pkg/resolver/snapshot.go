package resolver

import (
	"sort"

	"github.com/motevm/motesym/pkg/pdbx"
	"github.com/motevm/motesym/pkg/symbols"
)

// devicePoint is one sequence point with its instruction offset already
// translated into the device's renumbered instruction space.
type devicePoint struct {
	cil      uint32
	device   uint32
	line     int
	column   int
	endLine  int
	endCol   int
	document string
}

// methodEntry pairs one method's offset map with its translated sequence
// points. Entries are immutable after they are published in a snapshot.
type methodEntry struct {
	assembly  string
	hostToken uint32 // MethodDef token in the build output
	row       uint16 // metadata row, shared by host and device numbering
	ilMap     pdbx.ILMap
	hasCode   bool
	points    []devicePoint // ascending device offset
}

// pointAtOrBefore returns the index of the last point at or before the
// device offset, or -1 when the offset precedes every point.
func (m *methodEntry) pointAtOrBefore(deviceOffset uint32) int {
	n := sort.Search(len(m.points), func(i int) bool {
		return m.points[i].device > deviceOffset
	})
	return n - 1
}

// assemblyEntry is the loaded state for one assembly. Published entries are
// never mutated; rebinding the device index replaces the entry with a copy.
type assemblyEntry struct {
	name      string
	source    string // cross-reference file this entry was loaded from
	index     uint16 // device-assigned assembly index, zero until bound
	bound     bool
	methods   map[uint16]*methodEntry
	documents []string
	reader    symbols.Reader // nil when no symbol container was found
}

// methodID mints the combined device identity for a row. Unbound
// assemblies use index zero, which still round-trips through queries that
// mask the row back out.
func (a *assemblyEntry) methodID(row uint16) uint32 {
	return uint32(a.index)<<16 | uint32(row)
}

// snapshot is the immutable state queries read. Loads build a successor
// and publish it with a single pointer swap, so a query sees either the
// old world or the new one, never a partial update.
type snapshot struct {
	assemblies map[string]*assemblyEntry
}

func newSnapshot() *snapshot {
	return &snapshot{assemblies: make(map[string]*assemblyEntry)}
}

// clone shallow-copies the assembly table so a load can swap one entry
// without disturbing in-flight readers of the current snapshot.
func (s *snapshot) clone() *snapshot {
	next := &snapshot{assemblies: make(map[string]*assemblyEntry, len(s.assemblies))}
	for name, a := range s.assemblies {
		next.assemblies[name] = a
	}
	return next
}

// lookup finds an assembly under the name a device reported, walking the
// conventional extension variants when the exact name is not loaded.
func (s *snapshot) lookup(name string) (*assemblyEntry, bool) {
	for _, cand := range pdbx.AssemblyNameCandidates(name) {
		if a, ok := s.assemblies[cand]; ok {
			return a, true
		}
	}
	return nil, false
}

// method resolves a device method token within an assembly. The token may
// be a combined identity, a full MethodDef token, or a bare row; only the
// low 16 bits identify the method on a device.
func (s *snapshot) method(assemblyName string, deviceToken uint32) (*assemblyEntry, *methodEntry, bool) {
	a, ok := s.lookup(assemblyName)
	if !ok {
		return nil, nil, false
	}
	m, ok := a.methods[uint16(deviceToken&0xFFFF)]
	if !ok {
		return nil, nil, false
	}
	return a, m, true
}

// sortedNames returns the loaded assembly names in stable order.
func (s *snapshot) sortedNames() []string {
	names := make([]string, 0, len(s.assemblies))
	for name := range s.assemblies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
