package submit

import (
	"github.com/3leaps/emop/pkg/scheduler"
)

// Plan is a submission: NumJobs jobs of PagesPerJob pages each.
type Plan struct {
	NumJobs     int `json:"num_jobs"`
	PagesPerJob int `json:"pages_per_job"`
}

// Pages is the total number of pages the plan reserves.
func (p Plan) Pages() int { return p.NumJobs * p.PagesPerJob }

// OptimizeSubmit spreads pending pages over the job slots left under the
// scheduler's job limit. Each job is sized so its estimated runtime falls
// between the minimum and maximum job runtime; when too few pages are
// pending to reach the minimum, a single job takes them all.
//
// The plan never exceeds the free slots and never schedules more pages than
// are pending, so some pages may be left for the next submission.
func OptimizeSubmit(s scheduler.Settings, pending, current int) Plan {
	slots := s.MaxJobs - current
	if slots <= 0 || pending <= 0 {
		return Plan{}
	}

	avg := max(s.AvgPageRuntime, 1)
	minPages := max(ceilDiv(s.MinJobRuntime, avg), 1)
	maxPages := pending
	if s.MaxJobRuntime > 0 {
		maxPages = max(s.MaxJobRuntime/avg, 1)
	}
	minPages = min(minPages, maxPages)

	perJob := pending / slots
	perJob = max(perJob, minPages)
	perJob = min(perJob, maxPages, pending)

	return Plan{
		NumJobs:     min(slots, pending/perJob),
		PagesPerJob: perJob,
	}
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
