package anomaly

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Detector flags purchases whose amount is far above the meter's history.
// Flagging is advisory; purchases are never blocked.
type Detector struct {
	spikeThreshold            float64
	minDataPointsForDetection int
	historyWindow             int
}

// NewDetector creates a detector. historyWindow is how many recent vended
// amounts the caller should load.
func NewDetector(spikeThreshold float64, minDataPointsForDetection, historyWindow int) *Detector {
	if historyWindow < minDataPointsForDetection {
		historyWindow = minDataPointsForDetection
	}
	return &Detector{
		spikeThreshold:            spikeThreshold,
		minDataPointsForDetection: minDataPointsForDetection,
		historyWindow:             historyWindow,
	}
}

// HistoryWindow is the number of past amounts worth loading.
func (d *Detector) HistoryWindow() int {
	return d.historyWindow
}

// DetectSpike compares amount with the rolling average of previous vended
// amounts for the same meter.
func (d *Detector) DetectSpike(amount decimal.Decimal, history []float64) (bool, string) {
	if len(history) < d.minDataPointsForDetection || d.spikeThreshold <= 0 {
		return false, ""
	}

	sum := 0.0
	for _, v := range history {
		sum += v
	}
	average := sum / float64(len(history))

	value := amount.InexactFloat64()
	if average > 0 && value > d.spikeThreshold*average {
		return true, fmt.Sprintf("amount spike: %.2f exceeds %.1fx rolling average %.2f of last %d purchases",
			value, d.spikeThreshold, average, len(history))
	}

	return false, ""
}
