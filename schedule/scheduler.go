package schedule

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/example/netguard/queue"
)

// Entry declares when a job fires: at the given minute of each listed hour.
type Entry struct {
	Job    string
	Hours  []int
	Minute int
}

// matchesAt reports whether the entry fires at the given wall-clock time.
func (e Entry) matchesAt(t time.Time) bool {
	if t.Minute() != e.Minute {
		return false
	}
	for _, h := range e.Hours {
		if t.Hour() == h {
			return true
		}
	}
	return false
}

// TestingGroup is the group every scheduled job is enqueued into.
const TestingGroup = "testing"

// DefaultEntries is the bound probe schedule: full latency sweeps four times
// a day, best-set refreshes and bandwidth checks hourly through the day.
func DefaultEntries() []Entry {
	business := []int{8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18}
	return []Entry{
		{Job: "tcping_test", Hours: []int{9, 12, 15, 18}, Minute: 0},
		{Job: "tcping_test_monitor_list", Hours: business, Minute: 30},
		{Job: "curl_test", Hours: business, Minute: 45},
	}
}

// Scheduler fires entries on a wall-clock tick and enqueues their jobs into
// the group runner; it never executes jobs itself.
type Scheduler struct {
	services.Service

	runner  *queue.GroupRunner
	entries []Entry
	group   string
	logger  log.Logger

	tick time.Duration
	now  func() time.Time
	last map[int]time.Time
}

// New returns a scheduler for the entries, targeting the testing group.
func New(runner *queue.GroupRunner, entries []Entry, logger log.Logger) *Scheduler {
	s := &Scheduler{
		runner:  runner,
		entries: entries,
		group:   TestingGroup,
		logger:  log.With(logger, "component", "scheduler"),
		tick:    20 * time.Second,
		now:     time.Now,
		last:    map[int]time.Time{},
	}
	s.Service = services.NewBasicService(nil, s.running, nil)
	return s
}

func (s *Scheduler) running(ctx context.Context) error {
	level.Info(s.logger).Log("msg", "scheduler running", "entries", len(s.entries))
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

// fireDue enqueues every entry matching the current minute, at most once per
// minute per entry.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()
	minute := now.Truncate(time.Minute)
	for i, entry := range s.entries {
		if !entry.matchesAt(now) {
			continue
		}
		if fired, ok := s.last[i]; ok && fired.Equal(minute) {
			continue
		}
		s.last[i] = minute
		level.Info(s.logger).Log("msg", "schedule fired", "job", entry.Job)
		s.runner.EnqueueToGroup(s.group, entry.Job, nil)
		s.runner.StartGroup(ctx, s.group)
	}
}
