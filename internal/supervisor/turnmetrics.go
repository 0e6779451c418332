package supervisor

// TurnMetrics accumulates the signals observed over one turn, from the
// first prompt sent to the terminal done/error/timeout event.
type TurnMetrics struct {
	Chars      int
	Tools      int
	Events     int
	HadError   bool
}

// Reset clears accumulated counters for a new turn.
func (m *TurnMetrics) Reset() {
	*m = TurnMetrics{}
}

// Classify reports this turn's classification given whether it timed out.
func (m *TurnMetrics) Classify(timedOut bool) Classification {
	return Classify(m.Chars, m.Tools, m.HadError, timedOut)
}
