package training

import (
	"fmt"
	"time"
)

// Timing summarises the wall clock spent so far in a run
type Timing struct {
	Elapsed  time.Duration
	PerEpoch time.Duration
	PerBatch time.Duration
	ETA      time.Duration // Projected from the average epoch time so far
}

// EpochTiming computes the timing after epochsDone complete epochs of
// batchesPerEpoch batches out of totalEpochs
func EpochTiming(elapsed time.Duration, epochsDone, batchesPerEpoch, totalEpochs int) Timing {
	t := Timing{Elapsed: elapsed}
	if epochsDone <= 0 {
		return t
	}

	t.PerEpoch = elapsed / time.Duration(epochsDone)
	if batchesPerEpoch > 0 {
		t.PerBatch = t.PerEpoch / time.Duration(batchesPerEpoch)
	}
	t.ETA = t.PerEpoch*time.Duration(totalEpochs) - elapsed
	return t
}

func (t Timing) String() string {
	return fmt.Sprintf("Elapsed %.2fs, %.2f s/epoch, %.2f s/batch, ets %.2fs",
		t.Elapsed.Seconds(), t.PerEpoch.Seconds(), t.PerBatch.Seconds(), t.ETA.Seconds())
}

// trainLine formats a periodic training log line
func trainLine(epoch, seen, total int, loss, acc, lr float64) string {
	return fmt.Sprintf("Train Epoch: %d [%d/%d] Loss: %.6f Acc: %.4f lr: %.2e",
		epoch, seen, total, loss, acc, lr)
}

// summaryLine formats the end-of-run line
func summaryLine(elapsed time.Duration, best float64) string {
	return fmt.Sprintf("Total Elapse: %.2f, Best Result: %.3f%%", elapsed.Seconds(), best)
}
