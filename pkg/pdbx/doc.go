// Package pdbx parses build-time cross-reference files that relate CIL
// instruction offsets to mote device instruction offsets.
//
// The mote metadata generator emits one cross-reference file per compiled
// assembly, next to the binary and its debug symbols. The file records, for
// every class, field, and method, the pair of metadata tokens assigned by the
// host compiler and by the device linker, and for every method body an
// instruction-offset map sampled at each CIL instruction boundary.
//
// Two encodings of the same document exist in the wild: an XML element form
// and a JSON object form. Parse detects the encoding from the first
// significant byte and normalizes both into the same model.
//
// Offset maps are immutable after parsing. Translation in either direction
// interpolates between the nearest preceding pair, so callers never need to
// know which instructions the generator sampled:
//
//	m := method.ILMap
//	dev := m.DeviceOffset(0x0007) // CIL space -> device space
//	cil := m.CILOffset(dev)       // and back
package pdbx
