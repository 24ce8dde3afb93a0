package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motevm/motesym/pkg/pdbx"
)

// breakpointFixture has stoppable points on lines 10, 12 and 15 only.
func breakpointFixture() testAssembly {
	return testAssembly{
		fileName: "App.exe",
		methods: []testMethod{
			{
				hostToken:   0x06000001,
				deviceToken: 0x06000001,
				hasCode:     true,
				doc:         "Program.cs",
				points: []testPoint{
					{cil: 0x00, line: 10, col: 5, endLine: 10, endCol: 20},
					{cil: 0x06, line: 12, col: 5, endLine: 12, endCol: 25},
					{cil: 0x0C, line: 15, col: 5, endLine: 15, endCol: 18},
				},
			},
		},
	}
}

// stepFixture has one line with three points followed by a second line,
// plus a single-line method.
func stepFixture() testAssembly {
	return testAssembly{
		fileName: "App.exe",
		methods: []testMethod{
			{
				hostToken:   0x06000001,
				deviceToken: 0x06000001,
				hasCode:     true,
				doc:         "Loop.cs",
				points: []testPoint{
					{cil: 0x10, line: 30, col: 13, endLine: 30, endCol: 20},
					{cil: 0x14, line: 30, col: 22, endLine: 30, endCol: 30},
					{cil: 0x18, line: 30, col: 32, endLine: 30, endCol: 40},
					{cil: 0x20, line: 31, col: 13, endLine: 31, endCol: 25},
				},
			},
			{
				hostToken:   0x06000002,
				deviceToken: 0x06000002,
				hasCode:     true,
				doc:         "Loop.cs",
				points: []testPoint{
					{cil: 0x00, line: 50, col: 5, endLine: 50, endCol: 12},
					{cil: 0x04, line: 50, col: 14, endLine: 50, endCol: 20},
				},
			},
		},
	}
}

func TestGetBreakpointLocationDeterminism(t *testing.T) {
	dir := t.TempDir()
	r := newTestResolver(t)
	require.NoError(t, r.LoadSymbols(writeFixture(t, dir, breakpointFixture(), true)))
	r.BindAssemblyIndex("App", 1)

	tests := []struct {
		name     string
		line     int
		wantLine int
		wantOff  uint32
		wantMiss bool
	}{
		{name: "exact match", line: 12, wantLine: 12, wantOff: 0x06},
		{name: "slides to following line", line: 11, wantLine: 12, wantOff: 0x06},
		{name: "first line", line: 10, wantLine: 10, wantOff: 0x00},
		{name: "before first slides forward", line: 1, wantLine: 10, wantOff: 0x00},
		{name: "past last line misses", line: 20, wantMiss: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, ok := r.GetBreakpointLocation("Program.cs", tt.line)
			if tt.wantMiss {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.wantLine, loc.Line)
			assert.Equal(t, tt.wantOff, loc.DeviceOffset)
			assert.Equal(t, uint32(0x00010001), loc.MethodID)
			assert.Equal(t, "Program.cs", loc.File)
		})
	}

	t.Run("repeated requests land on one site", func(t *testing.T) {
		first, ok := r.GetBreakpointLocation("Program.cs", 11)
		require.True(t, ok)
		for i := 0; i < 16; i++ {
			next, ok := r.GetBreakpointLocation("Program.cs", 11)
			require.True(t, ok)
			assert.Equal(t, first, next)
		}
	})
}

func TestGetBreakpointLocationSpanContainment(t *testing.T) {
	fx := testAssembly{
		fileName: "App.exe",
		methods: []testMethod{
			{
				hostToken:   0x06000001,
				deviceToken: 0x06000001,
				hasCode:     true,
				doc:         "Query.cs",
				points: []testPoint{
					{cil: 0, line: 30, col: 9, endLine: 34, endCol: 10},
					{cil: 8, line: 40, col: 9, endLine: 40, endCol: 15},
				},
			},
		},
	}
	dir := t.TempDir()
	r := newTestResolver(t)
	require.NoError(t, r.LoadSymbols(writeFixture(t, dir, fx, true)))

	// Line 32 falls inside the statement spanning lines 30 to 34, so the
	// breakpoint lands at the statement's start.
	loc, ok := r.GetBreakpointLocation("Query.cs", 32)
	require.True(t, ok)
	assert.Equal(t, 30, loc.Line)
	assert.Equal(t, uint32(0), loc.DeviceOffset)

	// Past the span, the request slides to the next stoppable line.
	loc, ok = r.GetBreakpointLocation("Query.cs", 36)
	require.True(t, ok)
	assert.Equal(t, 40, loc.Line)
}

func TestGetBreakpointLocationDocumentMatching(t *testing.T) {
	fx := appFixture()
	fx.methods[0].doc = "src/app/Program.cs"
	dir := t.TempDir()
	r := newTestResolver(t)
	require.NoError(t, r.LoadSymbols(writeFixture(t, dir, fx, true)))

	tests := []struct {
		name string
		file string
		want bool
	}{
		{"exact", "src/app/Program.cs", true},
		{"base name", "Program.cs", true},
		{"partial path", "app/Program.cs", true},
		{"windows separators and case", `SRC\APP\PROGRAM.CS`, true},
		{"request with longer path", "/home/dev/src/app/Program.cs", true},
		{"partial component", "gram.cs", false},
		{"other file", "Util.cs", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := r.GetBreakpointLocation(tt.file, 20)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestGetBreakpointLocationCrossAssemblyTie(t *testing.T) {
	dir := t.TempDir()
	alpha := appFixture()
	alpha.fileName = "Alpha.exe"
	beta := appFixture()
	beta.fileName = "Beta.exe"

	r := newTestResolver(t)
	require.NoError(t, r.LoadSymbols(writeFixture(t, dir, alpha, true)))
	require.NoError(t, r.LoadSymbols(writeFixture(t, dir, beta, true)))

	loc, ok := r.GetBreakpointLocation("Program.cs", 20)
	require.True(t, ok)
	assert.Equal(t, "Alpha", loc.Assembly)
}

func TestGetILRangeForStepOver(t *testing.T) {
	dir := t.TempDir()
	r := newTestResolver(t)
	require.NoError(t, r.LoadSymbols(writeFixture(t, dir, stepFixture(), true)))

	tests := []struct {
		name   string
		offset uint32
		want   StepRange
		miss   bool
	}{
		{name: "first point of line", offset: 0x10, want: StepRange{Start: 0x10, End: 0x20}},
		{name: "between points of line", offset: 0x15, want: StepRange{Start: 0x10, End: 0x20}},
		{name: "last point of line", offset: 0x18, want: StepRange{Start: 0x10, End: 0x20}},
		{name: "final line runs to end of method", offset: 0x20, want: StepRange{Start: 0x20, End: pdbx.OffsetEndOfMethod}},
		{name: "before first point misses", offset: 0x04, miss: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng, ok := r.GetILRangeForStepOver("App", 0x06000001, tt.offset)
			if tt.miss {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, rng)
		})
	}

	t.Run("unknown method misses", func(t *testing.T) {
		_, ok := r.GetILRangeForStepOver("App", 0x06000063, 0)
		assert.False(t, ok)
	})
}

func TestGetNextSourceLine(t *testing.T) {
	dir := t.TempDir()
	r := newTestResolver(t)
	require.NoError(t, r.LoadSymbols(writeFixture(t, dir, stepFixture(), true)))

	t.Run("forward to next line", func(t *testing.T) {
		loc, ok := r.GetNextSourceLine("App", 1, 0x10)
		require.True(t, ok)
		assert.Equal(t, 31, loc.Line)
		assert.Equal(t, uint32(0x20), loc.DeviceOffset)
	})

	t.Run("wraps from the last line", func(t *testing.T) {
		loc, ok := r.GetNextSourceLine("App", 1, 0x20)
		require.True(t, ok)
		assert.Equal(t, 30, loc.Line)
		assert.Equal(t, uint32(0x10), loc.DeviceOffset)
	})

	t.Run("single line method misses", func(t *testing.T) {
		_, ok := r.GetNextSourceLine("App", 2, 0x00)
		assert.False(t, ok)
	})
}

func TestGetAllStepTargets(t *testing.T) {
	dir := t.TempDir()
	r := newTestResolver(t)
	require.NoError(t, r.LoadSymbols(writeFixture(t, dir, stepFixture(), true)))

	targets := r.GetAllStepTargets("App", 0x06000001)
	require.Len(t, targets, 4)
	for i := 1; i < len(targets); i++ {
		assert.Less(t, targets[i-1].DeviceOffset, targets[i].DeviceOffset)
	}
	assert.Equal(t, 30, targets[0].Line)
	assert.Equal(t, "Loop.cs", targets[0].File)
	assert.Equal(t, 31, targets[3].Line)

	assert.Nil(t, r.GetAllStepTargets("App", 0x06000063))
	assert.Nil(t, r.GetAllStepTargets("Ghost", 1))
}

func TestGetEntryPointLocation(t *testing.T) {
	app := appFixture()

	lib := appFixture()
	lib.fileName = "Mote.Hardware.dll"
	lib.methods[0].doc = "Hardware.cs"
	lib.methods[0].points = []testPoint{{cil: 0, line: 3, col: 1, endLine: 3, endCol: 9}}

	core := appFixture()
	core.fileName = "mscorlib.dll"
	core.methods[0].doc = "Core.cs"
	core.methods[0].points = []testPoint{{cil: 0, line: 1, col: 1, endLine: 1, endCol: 5}}

	dir := t.TempDir()
	r := newTestResolver(t)
	for _, fx := range []testAssembly{app, lib, core} {
		require.NoError(t, r.LoadSymbols(writeFixture(t, dir, fx, true)))
	}

	// The class libraries hold the lowest lines but are runtime-owned.
	loc, ok := r.GetEntryPointLocation()
	require.True(t, ok)
	assert.Equal(t, "App", loc.Assembly)
	assert.Equal(t, 19, loc.Line)

	t.Run("custom prefixes", func(t *testing.T) {
		r2 := newTestResolver(t, WithSystemAssemblyPrefixes("App"))
		for _, fx := range []testAssembly{app, lib} {
			require.NoError(t, r2.LoadSymbols(writeFixture(t, t.TempDir(), fx, true)))
		}
		loc, ok := r2.GetEntryPointLocation()
		require.True(t, ok)
		assert.Equal(t, "Mote.Hardware", loc.Assembly)
	})

	t.Run("only system assemblies", func(t *testing.T) {
		r3 := newTestResolver(t)
		require.NoError(t, r3.LoadSymbols(writeFixture(t, t.TempDir(), core, true)))
		_, ok := r3.GetEntryPointLocation()
		assert.False(t, ok)
	})
}

func TestGetLocalVariableNames(t *testing.T) {
	dir := t.TempDir()
	r := newTestResolver(t)
	require.NoError(t, r.LoadSymbols(writeFixture(t, dir, appFixture(), true)))
	r.BindAssemblyIndex("App", 1)

	names, ok := r.GetLocalVariableNames("App", 0x00010001)
	require.True(t, ok)
	assert.Equal(t, []string{"i", "total"}, names)

	_, ok = r.GetLocalVariableNames("App", 0x06000099)
	assert.False(t, ok)
}

func TestDocumentMatches(t *testing.T) {
	tests := []struct {
		have string
		want string
		ok   bool
	}{
		{"src/Program.cs", "src/Program.cs", true},
		{"src/Program.cs", "Program.cs", true},
		{"Program.cs", "src/Program.cs", true},
		{`C:\proj\src\Program.cs`, "src/Program.cs", true},
		{"src/Program.cs", "PROGRAM.CS", true},
		{"src/Program.cs", "gram.cs", false},
		{"src/Program.cs", "Util.cs", false},
		{"", "Program.cs", false},
	}
	for _, tt := range tests {
		if got := documentMatches(tt.have, tt.want); got != tt.ok {
			t.Errorf("documentMatches(%q, %q) = %v, want %v", tt.have, tt.want, got, tt.ok)
		}
	}
}
