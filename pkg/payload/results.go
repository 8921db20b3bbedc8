package payload

import "github.com/3leaps/emop/pkg/job"

// Results is the output payload of a compute job and the document uploaded
// to the dashboard.
type Results struct {
	JobQueues       JobQueues            `json:"job_queues"`
	PageResults     []job.PageResult     `json:"page_results"`
	PostprocResults []job.PostprocResult `json:"postproc_results"`
}

// JobQueues lists the outcome of every unit in the batch.
type JobQueues struct {
	Completed []int64      `json:"completed"`
	Failed    []FailedUnit `json:"failed"`
}

// FailedUnit is a unit that did not complete and why.
type FailedUnit struct {
	ID      int64  `json:"id"`
	Results string `json:"results"`
}

// NewResults returns an empty Results that serializes with empty lists
// rather than nulls.
func NewResults() *Results {
	r := &Results{}
	r.normalize()
	return r
}

func (r *Results) normalize() {
	if r.JobQueues.Completed == nil {
		r.JobQueues.Completed = []int64{}
	}
	if r.JobQueues.Failed == nil {
		r.JobQueues.Failed = []FailedUnit{}
	}
	if r.PageResults == nil {
		r.PageResults = []job.PageResult{}
	}
	if r.PostprocResults == nil {
		r.PostprocResults = []job.PostprocResult{}
	}
}
