package resolver

import (
	"sort"
	"strings"

	"github.com/motevm/motesym/pkg/pdbx"
)

// SourceLocation ties a device instruction to its source position.
type SourceLocation struct {
	Assembly     string
	MethodToken  uint32 // MethodDef token in the build output
	MethodID     uint32 // combined device identity, index<<16|row
	CILOffset    uint32
	DeviceOffset uint32
	File         string
	Line         int
	Column       int
	EndLine      int
	EndColumn    int
}

// BreakpointLocation is a resolved breakpoint site on the device.
type BreakpointLocation struct {
	Assembly     string
	MethodToken  uint32
	MethodID     uint32
	DeviceOffset uint32
	File         string
	Line         int
}

// StepRange is a half-open device offset range [Start, End). End is
// pdbx.OffsetEndOfMethod when the range runs to the end of the method.
type StepRange struct {
	Start uint32
	End   uint32
}

func makeLocation(a *assemblyEntry, m *methodEntry, p devicePoint) SourceLocation {
	return SourceLocation{
		Assembly:     a.name,
		MethodToken:  m.hostToken,
		MethodID:     a.methodID(m.row),
		CILOffset:    p.cil,
		DeviceOffset: p.device,
		File:         p.document,
		Line:         p.line,
		Column:       p.column,
		EndLine:      p.endLine,
		EndColumn:    p.endCol,
	}
}

// GetSourceLocation maps a device execution position back to source: the
// sequence point the instruction belongs to, meaning the last point at or
// before the offset.
func (r *Resolver) GetSourceLocation(assemblyName string, deviceToken, deviceOffset uint32) (SourceLocation, bool) {
	s := r.snap.Load()
	a, m, ok := s.method(assemblyName, deviceToken)
	if !ok {
		return SourceLocation{}, false
	}
	i := m.pointAtOrBefore(deviceOffset)
	if i < 0 {
		return SourceLocation{}, false
	}
	return makeLocation(a, m, m.points[i]), true
}

// GetBreakpointLocation resolves a requested source position to a device
// breakpoint site. An exact line match wins; failing that, a statement
// whose span contains the line; failing that, the request slides forward
// to the nearest following line. Ties break on (line, assembly, method,
// offset) so repeated requests arm the same site.
func (r *Resolver) GetBreakpointLocation(sourceFile string, line int) (BreakpointLocation, bool) {
	s := r.snap.Load()

	type candidate struct {
		a *assemblyEntry
		m *methodEntry
		p devicePoint
	}
	var exact, containing, following []candidate

	for _, name := range s.sortedNames() {
		a := s.assemblies[name]
		for _, m := range a.methods {
			for _, p := range m.points {
				if !documentMatches(p.document, sourceFile) {
					continue
				}
				c := candidate{a, m, p}
				switch {
				case p.line == line:
					exact = append(exact, c)
				case p.line < line && line <= p.endLine:
					containing = append(containing, c)
				case p.line > line:
					following = append(following, c)
				}
			}
		}
	}

	tieBreak := func(x, y candidate) bool {
		if x.a.name != y.a.name {
			return x.a.name < y.a.name
		}
		if x.m.row != y.m.row {
			return x.m.row < y.m.row
		}
		return x.p.device < y.p.device
	}

	var chosen candidate
	switch {
	case len(exact) > 0:
		sort.Slice(exact, func(i, j int) bool { return tieBreak(exact[i], exact[j]) })
		chosen = exact[0]
	case len(containing) > 0:
		// The span starting closest to the requested line wins.
		sort.Slice(containing, func(i, j int) bool {
			x, y := containing[i], containing[j]
			if x.p.line != y.p.line {
				return x.p.line > y.p.line
			}
			return tieBreak(x, y)
		})
		chosen = containing[0]
	case len(following) > 0:
		sort.Slice(following, func(i, j int) bool {
			x, y := following[i], following[j]
			if x.p.line != y.p.line {
				return x.p.line < y.p.line
			}
			return tieBreak(x, y)
		})
		chosen = following[0]
	default:
		return BreakpointLocation{}, false
	}

	return BreakpointLocation{
		Assembly:     chosen.a.name,
		MethodToken:  chosen.m.hostToken,
		MethodID:     chosen.a.methodID(chosen.m.row),
		DeviceOffset: chosen.p.device,
		File:         chosen.p.document,
		Line:         chosen.p.line,
	}, true
}

// GetNextSourceLine finds where a source-level step from the given
// position lands: the first later point on a different line. When nothing
// follows the current line the search wraps to the first point on a
// different line, covering loop back edges that jump backwards.
func (r *Resolver) GetNextSourceLine(assemblyName string, deviceToken, deviceOffset uint32) (SourceLocation, bool) {
	s := r.snap.Load()
	a, m, ok := s.method(assemblyName, deviceToken)
	if !ok {
		return SourceLocation{}, false
	}
	i := m.pointAtOrBefore(deviceOffset)
	if i < 0 {
		return SourceLocation{}, false
	}
	cur := m.points[i]
	for _, p := range m.points[i+1:] {
		if p.line != cur.line || p.document != cur.document {
			return makeLocation(a, m, p), true
		}
	}
	for _, p := range m.points[:i] {
		if p.line != cur.line || p.document != cur.document {
			return makeLocation(a, m, p), true
		}
	}
	return SourceLocation{}, false
}

// GetAllStepTargets lists every stoppable point of a method in device
// offset order, for clients that arm transient breakpoints to implement
// stepping.
func (r *Resolver) GetAllStepTargets(assemblyName string, deviceToken uint32) []SourceLocation {
	s := r.snap.Load()
	a, m, ok := s.method(assemblyName, deviceToken)
	if !ok {
		return nil
	}
	out := make([]SourceLocation, 0, len(m.points))
	for _, p := range m.points {
		out = append(out, makeLocation(a, m, p))
	}
	return out
}

// GetILRangeForStepOver returns the device offsets a step-over from the
// given position must leave: every point on the current source line, up to
// but excluding the first point past the last of them.
func (r *Resolver) GetILRangeForStepOver(assemblyName string, deviceToken, deviceOffset uint32) (StepRange, bool) {
	s := r.snap.Load()
	_, m, ok := s.method(assemblyName, deviceToken)
	if !ok {
		return StepRange{}, false
	}
	i := m.pointAtOrBefore(deviceOffset)
	if i < 0 {
		return StepRange{}, false
	}
	cur := m.points[i]
	first, last := -1, -1
	for j, p := range m.points {
		if p.line == cur.line && p.document == cur.document {
			if first < 0 {
				first = j
			}
			last = j
		}
	}
	rng := StepRange{Start: m.points[first].device, End: pdbx.OffsetEndOfMethod}
	if last+1 < len(m.points) {
		rng.End = m.points[last+1].device
	}
	return rng, true
}

// GetEntryPointLocation guesses the program's first user-code stop: the
// lowest source line across all cached methods, ignoring runtime-owned
// assemblies.
func (r *Resolver) GetEntryPointLocation() (SourceLocation, bool) {
	s := r.snap.Load()
	var best SourceLocation
	found := false
	for _, name := range s.sortedNames() {
		if r.isSystemAssembly(name) {
			continue
		}
		a := s.assemblies[name]
		for _, m := range a.methods {
			for _, p := range m.points {
				loc := makeLocation(a, m, p)
				if !found || entryPointBefore(loc, best) {
					best, found = loc, true
				}
			}
		}
	}
	return best, found
}

// GetLocalVariableNames returns a method's local slot names in slot order,
// decoded lazily from the assembly's symbol container.
func (r *Resolver) GetLocalVariableNames(assemblyName string, deviceToken uint32) ([]string, bool) {
	s := r.snap.Load()
	a, m, ok := s.method(assemblyName, deviceToken)
	if !ok || a.reader == nil {
		return nil, false
	}
	return a.reader.LocalVariableNames(m.hostToken)
}

func entryPointBefore(x, y SourceLocation) bool {
	if x.Line != y.Line {
		return x.Line < y.Line
	}
	if x.Assembly != y.Assembly {
		return x.Assembly < y.Assembly
	}
	if x.MethodID != y.MethodID {
		return x.MethodID < y.MethodID
	}
	return x.DeviceOffset < y.DeviceOffset
}

func (r *Resolver) isSystemAssembly(name string) bool {
	for _, prefix := range r.opts.systemPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// normalizeDoc lowercases a path and folds the separators for comparison.
func normalizeDoc(p string) string {
	return strings.ToLower(strings.ReplaceAll(p, "\\", "/"))
}

// documentMatches reports whether a request naming want refers to the
// document recorded as have. Either side may carry the longer path, so a
// match is exact or a suffix starting at a path boundary.
func documentMatches(have, want string) bool {
	h, w := normalizeDoc(have), normalizeDoc(want)
	if h == w {
		return true
	}
	return strings.HasSuffix(h, "/"+w) || strings.HasSuffix(w, "/"+h)
}
