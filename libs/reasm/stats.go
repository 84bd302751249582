package reasm

// Reason classifies a rejected datagram.
type Reason int

// Rejection reasons. None of these are reported to the sender; they only feed
// counters.
const (
	ShortHeader Reason = iota
	Oversize
	BadIndex
	ZeroFrame
	CountMismatch
	Duplicate
	ShortMetadata
	BadMetadata
	NoMetadata
	Overflow
	numReasons
)

var reasonNames = [numReasons]string{
	"short-header",
	"oversize",
	"bad-index",
	"zero-frame",
	"count-mismatch",
	"duplicate",
	"short-metadata",
	"bad-metadata",
	"no-metadata",
	"overflow",
}

func (r Reason) String() string {
	if r < 0 || r >= numReasons {
		return "unknown"
	}
	return reasonNames[r]
}

// Stats are cumulative engine counters.
type Stats struct {
	Packets   uint64
	Completed uint64
	Evicted   uint64 // in-flight frames sacrificed for pool space
	Expired   uint64 // in-flight frames dropped for exceeding the latency budget
	Rejected  [numReasons]uint64
}

// TotalRejected sums all rejection counters.
func (st Stats) TotalRejected() (n uint64) {
	for _, v := range st.Rejected {
		n += v
	}
	return
}

// RejectedByReason maps reason names to counts, omitting zeros.
func (st Stats) RejectedByReason() map[string]uint64 {
	m := make(map[string]uint64)
	for i, v := range st.Rejected {
		if v != 0 {
			m[Reason(i).String()] = v
		}
	}
	return m
}
