package safe

import (
	"math"
)

// Uint64ToInt64 safely converts an uint64 value to int64, clamping to math.MaxInt64 if overflow
// would occur.
// Returns the converted value and a boolean indicating whether clamping occurred.
func Uint64ToInt64(val uint64) (int64, bool) {
	if val > math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(val), false
}

// Uint32ToInt32 safely converts an uint32 value to int32, clamping to math.MaxInt32 if overflow
// would occur.
// Returns the converted value and a boolean indicating whether clamping occurred.
func Uint32ToInt32(val uint32) (int32, bool) {
	if val > math.MaxInt32 {
		return math.MaxInt32, true
	}
	return int32(val), false
}

// MulUint32 multiplies two uint32 values in 64-bit space.
// Returns the product and a boolean indicating whether it fits in uint32.
// Stream directory and section arithmetic in binary containers must not wrap.
func MulUint32(a, b uint32) (uint64, bool) {
	prod := uint64(a) * uint64(b)
	return prod, prod <= math.MaxUint32
}

// AddUint32 adds two uint32 values, reporting overflow instead of wrapping.
func AddUint32(a, b uint32) (uint32, bool) {
	sum := uint64(a) + uint64(b)
	if sum > math.MaxUint32 {
		return 0, false
	}
	return uint32(sum), true
}
