package common

// Coalesce returns the first non-zero value from the provided values, or the zero value if all are zero.
//
// Parameters:
//   - values: a variadic list of values to check for non-zero status
//
// Returns:
//   - T: the first non-zero value from the input, or the zero value if all are zero
func Coalesce[T comparable](values ...T) T {
	var zero T
	for _, v := range values {
		if v != zero {
			return v
		}
	}
	return zero
}

// AlignUp rounds x up to the next multiple of alignment. The alignment must be a power of two;
// an alignment of zero returns x unchanged.
//
// Parameters:
//   - x: the value to round
//   - alignment: the power-of-two alignment
//
// Returns:
//   - uint64: the smallest multiple of alignment that is >= x
func AlignUp(x, alignment uint64) uint64 {
	if alignment == 0 {
		return x
	}
	return (x + alignment - 1) &^ (alignment - 1)
}

// IsPowerOfTwo reports whether v is a non-zero power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
