//go:build !linux

package console

// canSelect is a stub for platforms where we don't probe STDIN with
// select; claiming input is pending degrades to a blocking read.
func canSelect() bool {
	return true
}
