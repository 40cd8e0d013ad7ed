package ringbuf

// Throttle turns a sustained overflow into a bounded drop window. After Arm
// the next Window calls to Skip report true. It is owned by the producer and
// is not safe for concurrent use.
type Throttle struct {
	Window int
	count  int
}

// Skip consumes one unit of the drop window
func (t *Throttle) Skip() bool {
	if t.count < 0 {
		t.count++
		return true
	}
	return false
}

// Arm starts a new drop window
func (t *Throttle) Arm() {
	t.count = -t.Window
}

// Remaining returns how many arrivals are still to be dropped
func (t *Throttle) Remaining() int {
	return -t.count
}

// Clear cancels any pending drop window
func (t *Throttle) Clear() {
	t.count = 0
}
