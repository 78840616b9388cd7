package health

// IndexState reports whether the index mutation lane is still running.
type IndexState interface {
	Halted() bool
}
