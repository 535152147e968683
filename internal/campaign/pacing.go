package campaign

import (
	"math"
	"time"

	"github.com/acme/campaign-dialer/internal/domain"
)

// TickInterval returns the pacing tick period for a dial mode. Preview's
// timer only performs bookkeeping; it never auto-dials.
func TickInterval(mode domain.DialMode) time.Duration {
	switch mode {
	case domain.DialModePredictive:
		return 500 * time.Millisecond
	case domain.DialModeProgressive:
		return time.Second
	default:
		return 5 * time.Second
	}
}

// CallsToMake computes how many calls a pacing tick may originate.
//
// Predictive overdials by the campaign's ratio; progressive matches available
// agents one to one; preview places calls only through the explicit
// agent-initiated path. The result never exceeds the campaign's remaining
// concurrency capacity.
func CallsToMake(mode domain.DialMode, availableAgents int, dialRatio float64, remainingCapacity int) int {
	if remainingCapacity <= 0 || availableAgents < 0 {
		return 0
	}

	switch mode {
	case domain.DialModePredictive:
		if dialRatio < 1 {
			dialRatio = 1
		}
		n := int(math.Ceil(float64(availableAgents) * dialRatio))
		if n > remainingCapacity {
			n = remainingCapacity
		}
		return n
	case domain.DialModeProgressive:
		if availableAgents > remainingCapacity {
			return remainingCapacity
		}
		return availableAgents
	default:
		return 0
	}
}
