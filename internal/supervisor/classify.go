package supervisor

import (
	"math"
	"time"
)

// Classification is the outcome of one completed turn.
type Classification string

const (
	ClassProductive Classification = "productive"
	ClassOK         Classification = "ok"
	ClassIdle       Classification = "idle"
	ClassEmpty      Classification = "empty"
	ClassError      Classification = "error"
)

// Classify applies the fixed turn-classification rules: productive turns
// did real tool work (or ran the full 15-minute turn out); idle/empty turns
// produced little or no text and no tool calls; error turns saw an error
// event; everything else is ok.
func Classify(chars, tools int, hadError, timedOut bool) Classification {
	if hadError {
		return ClassError
	}
	if tools >= 1 || timedOut {
		return ClassProductive
	}
	if chars == 0 {
		return ClassEmpty
	}
	if chars < 200 {
		return ClassIdle
	}
	return ClassOK
}

const (
	emptyThreshold = 3
	idleCap        = 10 * time.Minute
	emptyCap       = 10 * time.Minute
)

// Delay computes the scheduling delay after a turn, given the classification
// and the running idle/empty streak counters (already incremented for this
// turn by the caller).
func Delay(class Classification, idleStreak, emptyStreak int) time.Duration {
	switch class {
	case ClassProductive:
		return 15 * time.Second
	case ClassOK:
		return 30 * time.Second
	case ClassIdle:
		d := 5 * time.Minute * time.Duration(idleStreak)
		if d > idleCap {
			return idleCap
		}
		return d
	case ClassEmpty:
		if emptyStreak < emptyThreshold {
			return 2 * time.Minute
		}
		d := time.Duration(float64(2*time.Minute) * math.Pow(2, float64(emptyStreak-emptyThreshold)))
		if d > emptyCap {
			return emptyCap
		}
		return d
	case ClassError:
		return 2 * time.Minute
	default:
		return 30 * time.Second
	}
}

// RecoveryTier reports the escalation tier implied by a run of consecutive
// empty turns: 0 none, 1 resend full prompt, 2 recovery directive, 3 full
// re-initialization.
func RecoveryTier(consecutiveEmpty int) int {
	switch {
	case consecutiveEmpty >= 20:
		return 3
	case consecutiveEmpty >= 10:
		return 2
	case consecutiveEmpty >= 5:
		return 1
	default:
		return 0
	}
}
