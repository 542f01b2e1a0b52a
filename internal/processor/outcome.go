package processor

// Outcome is one step in the handling of a playing event.
type Outcome string

const (
	OutcomeEvent         Outcome = "event"
	OutcomeFetchFailed   Outcome = "fetch_failed"
	OutcomeUnresolved    Outcome = "unresolved"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeFiltered      Outcome = "filtered"
	OutcomeMatched       Outcome = "matched"
	OutcomePublished     Outcome = "published"
	OutcomePublishFailed Outcome = "publish_failed"
	OutcomeRemoved       Outcome = "removed"
)

// Outcomes lists every Outcome.
var Outcomes = []Outcome{
	OutcomeEvent,
	OutcomeFetchFailed,
	OutcomeUnresolved,
	OutcomeDuplicate,
	OutcomeFiltered,
	OutcomeMatched,
	OutcomePublished,
	OutcomePublishFailed,
	OutcomeRemoved,
}

// Recorder observes outcomes, e.g. to export them as metrics. Observe is
// called on the processing goroutine.
type Recorder interface {
	Observe(Outcome)
}

type nopRecorder struct{}

func (nopRecorder) Observe(Outcome) {}

// Counts totals outcomes since the processor was created.
type Counts struct {
	Events        uint64 `json:"events"`
	FetchFailures uint64 `json:"fetch_failures"`
	Unresolved    uint64 `json:"unresolved"`
	Duplicates    uint64 `json:"duplicates"`
	Filtered      uint64 `json:"filtered"`
	Matched       uint64 `json:"matched"`
	Published     uint64 `json:"published"`
	PublishFailed uint64 `json:"publish_failed"`
	Removed       uint64 `json:"removed"`
}

func (c *Counts) add(o Outcome) {
	switch o {
	case OutcomeEvent:
		c.Events++
	case OutcomeFetchFailed:
		c.FetchFailures++
	case OutcomeUnresolved:
		c.Unresolved++
	case OutcomeDuplicate:
		c.Duplicates++
	case OutcomeFiltered:
		c.Filtered++
	case OutcomeMatched:
		c.Matched++
	case OutcomePublished:
		c.Published++
	case OutcomePublishFailed:
		c.PublishFailed++
	case OutcomeRemoved:
		c.Removed++
	}
}
