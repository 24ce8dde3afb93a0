// Package resolver builds the per-session symbol cache a source-level
// debugger queries while a device is running.
//
// A Resolver loads cross-reference files and their sibling symbol
// containers, pairs every method's sequence points with its instruction
// offset map, and keys the result by the device runtime's method identity.
// Queries translate in both directions: source positions to device
// breakpoint sites and device (token, offset) pairs back to source lines,
// plus the stepping lookups built on top of them.
//
// Usage:
//
//	res := resolver.New(logger)
//	defer res.Close()
//
//	res.LoadFromDirectory(buildDir, true)
//	res.BindAssemblyIndex("App", 1)
//
//	if loc, ok := res.GetBreakpointLocation("Program.cs", 20); ok {
//		arm(loc.MethodID, loc.DeviceOffset)
//	}
//
// Loads serialize among themselves and publish an immutable snapshot;
// queries read whichever snapshot is current and never block a load. All
// misses are reported as (zero, false), never as errors: debugging without
// symbols is a supported, degraded state.
package resolver
