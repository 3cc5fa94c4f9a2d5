package rts

// ReverseScan walks win backward through a MapState DFA starting at
// startState, used for signatures that are more naturally matched from the
// end of a captured window (e.g. a trailing-suffix pattern). It preserves
// the original engine's off-manipulation trick exactly rather than
// introducing a separate reverse cursor: win.off is first advanced past
// the window's last byte (off += length) and then decremented once per
// byte consumed, so that at every step [win.off, original end) is a valid
// "window observed so far" range — the same shape a forward scan's
// in-progress capture window has — and a capture taken mid-walk reads a
// coherent, already-consumed suffix instead of an empty or inverted range.
func ReverseScan(states []MapState, win Buffer, startState int) (matched bool, observed Buffer) {
	if win.Empty() || startState < 0 || startState >= len(states) {
		return false, win
	}

	data := win.Bytes()
	end := win.off + win.length
	win.off = end // the trick: push off past the end first

	cur := startState
	ok := true
	for i := len(data) - 1; i >= 0; i-- {
		win.off-- // ...then walk it back down one byte at a time

		c := data[i]
		if cur < 0 || cur >= len(states) {
			ok = false
			break
		}
		edge, found := states[cur].Next(c)
		if !found {
			ok = false
			break
		}
		if edge.HasDest {
			cur = edge.Dest
		}
	}

	win.length = end - win.off // the window actually observed, narrowed if the walk broke early
	return ok, win
}
