// Package ranged answers HTTP byte-range requests from the offline cache.
// It locates the partition holding either the whole object or chunk 0 of
// the requested URL, then slices the requested window out of the stored
// bytes, concatenating consecutive chunks when the window spans several.
package ranged
