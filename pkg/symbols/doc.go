// Package symbols reads sequence points and local variable names from the
// debug symbol files that accompany mote assemblies.
//
// Two container formats are supported behind one Reader interface:
//
//   - Portable metadata images ("BSJB" signature): the standalone portable
//     symbol format, with Document, MethodDebugInformation, LocalScope, and
//     LocalVariable tables.
//   - Program-database containers ("Microsoft C/C++ MSF 7.00" signature):
//     the multi-stream format whose module streams carry managed procedure
//     records and C13 line subsections.
//
// A binary supplied in place of a symbol file is probed for an embedded
// portable image in its PE debug directory and read through the portable
// path.
//
// Open sniffs the container magic once and constructs the matching backend;
// callers hold only the Reader. Sequence point queries are keyed by method
// metadata token in the host compiler's token space. Offsets in returned
// sequence points are CIL instruction offsets; translating them into device
// offsets is the caller's concern.
package symbols
