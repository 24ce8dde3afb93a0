// Package inventory tracks which assemblies a device is running against
// the build artifacts available on the host.
//
// A device enumerates its assemblies as (name, version, checksum, index)
// tuples; a Manager indexes the host's build output directories and flags
// every device assembly whose identity cannot be confirmed locally, either
// because no artifact matches the name or because the checksums diverge.
// Detection is advisory: nothing is blocked on a mismatch, the debugger
// keeps serving whatever symbols it has.
package inventory
