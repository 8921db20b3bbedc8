// Package query answers read-only questions about the work queue and about
// finished compute jobs.
package query

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/3leaps/emop/pkg/dashboard"
	"github.com/3leaps/emop/pkg/job"
	"github.com/3leaps/emop/pkg/output"
	"github.com/3leaps/emop/pkg/stage"
)

// Stages are the pipeline stages reported by Runtimes.
var Stages = stage.Names

var (
	pageRe  = regexp.MustCompile(`Job \[.*\] COMPLETE: Duration: ([0-9.]+) secs`)
	totalRe = regexp.MustCompile(`TOTAL TIME: ([0-9.]+)(?:$|[^0-9.])`)
	stageRe = func() map[string]*regexp.Regexp {
		m := make(map[string]*regexp.Regexp, len(Stages))
		for _, s := range Stages {
			m[s] = regexp.MustCompile(regexp.QuoteMeta(s) + ` \[.*\] COMPLETE: Duration: ([0-9.]+) secs`)
		}
		return m
	}()
)

// Pending is the part of the dashboard API used for queue queries.
type Pending interface {
	PendingCount(ctx context.Context, filter dashboard.Filter) (int, error)
	PendingPages(ctx context.Context, filter dashboard.Filter) ([]job.Record, error)
}

// Querier runs queries.
type Querier struct {
	dash   Pending
	logger *zap.Logger
}

func New(dash Pending, logger *zap.Logger) *Querier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Querier{dash: dash, logger: logger}
}

// PendingPagesCount counts not-started pages matching filter.
func (q *Querier) PendingPagesCount(ctx context.Context, filter dashboard.Filter) (*output.PendingRecord, error) {
	n, err := q.dash.PendingCount(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query pending pages: %w", err)
	}
	return &output.PendingRecord{Count: n, Filter: filter}, nil
}

// PendingPages lists not-started pages matching filter.
func (q *Querier) PendingPages(ctx context.Context, filter dashboard.Filter) ([]job.Record, error) {
	recs, err := q.dash.PendingPages(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list pending pages: %w", err)
	}
	return recs, nil
}

type samples struct {
	pages  []float64
	totals []float64
	stages map[string][]float64
}

// Runtimes aggregates the timing lines of every *.out log in logdir.
func (q *Querier) Runtimes(logdir string) (*output.RuntimeRecord, error) {
	files, err := doublestar.FilepathGlob(filepath.Join(logdir, "*.out"))
	if err != nil {
		return nil, fmt.Errorf("list logs in %s: %w", logdir, err)
	}

	s := &samples{stages: map[string][]float64{}}
	for _, f := range files {
		if err := s.parse(f); err != nil {
			q.logger.Warn("Skipping unreadable log", zap.String("file", f), zap.Error(err))
		}
	}

	rec := &output.RuntimeRecord{
		PagesCompleted:   len(s.pages),
		TotalPageRuntime: round3(lo.Sum(s.pages)),
		AvgPageRuntime:   round3(lo.Mean(s.pages)),
		JobsCompleted:    len(s.totals),
		AvgJobRuntime:    round3(lo.Mean(s.totals)),
	}
	for _, name := range Stages {
		v := s.stages[name]
		rec.Processes = append(rec.Processes, output.ProcessRuntimeStat{
			Name:      name,
			Completed: len(v),
			Total:     round3(lo.Sum(v)),
			Average:   round3(lo.Mean(v)),
		})
	}
	return rec, nil
}

func (s *samples) parse(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if v, ok := match(pageRe, line); ok {
			s.pages = append(s.pages, v)
			continue
		}
		if v, ok := match(totalRe, line); ok {
			s.totals = append(s.totals, v)
			continue
		}
		for _, name := range Stages {
			if v, ok := match(stageRe[name], line); ok {
				s.stages[name] = append(s.stages[name], v)
				break
			}
		}
	}
	return sc.Err()
}

func match(re *regexp.Regexp, line string) (float64, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
