package dataproc

import (
	"fmt"
	"time"
)

// Item is one raw acquisition handed from an instrument worker (MDO,
// mainly) to the data-processor pool, grounded on dataproc.py's item
// dict convention (uubnum/chan/volt/yall/meas.point keys).
type Item struct {
	Timestamp time.Time
	UUBNum    int
	MeasPoint string
	Volt      *float64
	// YAll holds one column per channel, column index 0 == channel 1.
	YAll [][]float64
}

// label builds the same "u%04d_c%d_v%02d"-shaped name item2label
// constructs in dataproc.py, joining whichever parts apply. ch is
// 1-based; following the original's "chan 10 -> c0" wraparound, ch%10
// is used in the channel segment.
func (it Item) label(ch int) string {
	var parts []string
	if it.UUBNum != 0 {
		parts = append(parts, fmt.Sprintf("u%04d", it.UUBNum))
	}
	if ch > 0 {
		parts = append(parts, fmt.Sprintf("c%d", ch%10))
	}
	if it.Volt != nil {
		parts = append(parts, fmt.Sprintf("v%02d", int(*it.Volt*10)))
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "_"
		}
		out += p
	}
	return out
}
