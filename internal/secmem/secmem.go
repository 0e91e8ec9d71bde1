// Package secmem wipes key material once it is no longer needed.
package secmem

// Zero overwrites b with zeros in place. Go's GC may have copied the
// backing array earlier, so this is defense in depth, not a guarantee.
// The slice stays usable afterwards.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
