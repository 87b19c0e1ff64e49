package netsampler

import (
	"fmt"
	"math"
	"time"
)

// RTTInfinite marks an RTT that has not been measured or could not be measured.
const RTTInfinite = time.Duration(math.MaxInt64)

// Unmeasured is the value of a rate that has no accepted measurement yet.
const Unmeasured int64 = -1

// Sample is the last known state of the network towards the clone.
// Rates are bits per second.
type Sample struct {
	RTT         time.Duration
	UlRate      int64
	DlRate      int64
	NetworkType string
}

// EmptySample is the sample of a network that was never measured.
func EmptySample(networkType string) Sample {
	return Sample{RTT: RTTInfinite, UlRate: Unmeasured, DlRate: Unmeasured, NetworkType: networkType}
}

// Complete reports whether all three measurements are available.
func (s Sample) Complete() bool {
	return s.RTT != RTTInfinite && s.UlRate != Unmeasured && s.DlRate != Unmeasured
}

// RTTNanos returns the RTT in nanoseconds, -1 when unknown.
func (s Sample) RTTNanos() int64 {
	if s.RTT == RTTInfinite {
		return -1
	}
	return int64(s.RTT)
}

func (s Sample) String() string {
	rtt := "inf"
	if s.RTT != RTTInfinite {
		rtt = s.RTT.String()
	}
	return fmt.Sprintf("%s rtt=%s ul=%d b/s dl=%d b/s", s.NetworkType, rtt, s.UlRate, s.DlRate)
}

// Rate converts a transfer into bits per second.
func Rate(bytes int64, elapsed time.Duration) int64 {
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(8*bytes) * float64(time.Second) / float64(elapsed))
}

// acceptable filters transfers too short to be trusted.
func acceptable(bytes int64, rate int64) bool {
	if bytes < 10*1000 {
		return false
	}
	if bytes < 50*1000 && rate > 250*1000 {
		return false
	}
	return true
}
