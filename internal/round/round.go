package round

import "fmt"

// WindowSec is the fixed length of one trading round.
const WindowSec int64 = 900

// Info is the round view shared by every component within one tick.
type Info struct {
	ID               string `json:"id"`
	StartMs          int64  `json:"start_ms"`
	SecondsRemaining int64  `json:"seconds_remaining"`
}

func StartSec(tMs int64) int64 {
	sec := floorDiv(tMs, 1000)
	return floorDiv(sec, WindowSec) * WindowSec
}

func ID(market string, tMs int64) string {
	return fmt.Sprintf("%s-%d", market, StartSec(tMs))
}

func SecondsRemaining(tMs int64) int64 {
	elapsed := floorDiv(tMs, 1000) - StartSec(tMs)
	left := WindowSec - elapsed
	if left < 0 {
		return 0
	}
	return left
}

// At derives the full round view from a single timestamp. Callers take one
// Info per tick so that round id and seconds remaining cannot disagree.
func At(market string, tMs int64) Info {
	return Info{
		ID:               ID(market, tMs),
		StartMs:          StartSec(tMs) * 1000,
		SecondsRemaining: SecondsRemaining(tMs),
	}
}

// EndMs is the exclusive end of the round containing tMs.
func EndMs(tMs int64) int64 {
	return (StartSec(tMs) + WindowSec) * 1000
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
