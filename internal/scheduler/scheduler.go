// Package scheduler fires dose notifications at their due instants.
//
// A single goroutine owns a min-heap of pending entries and one timer armed for
// the earliest of them. Due entries are handed to a bounded pool of delivery
// workers. The store remains the ground truth: the heap is rebuilt from it on
// startup and topped up by a periodic cron sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pathakanu/medMemo/internal/apperr"
	"github.com/pathakanu/medMemo/internal/gateway"
	"github.com/pathakanu/medMemo/internal/model"
	"github.com/pathakanu/medMemo/internal/schedule"
	"github.com/pathakanu/medMemo/internal/store"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// CourseStore is the part of the reminder store the scheduler needs.
type CourseStore interface {
	MarkNextDoseTaken(ctx context.Context, courseID uint) (bool, error)
	RemainingDoseCount(ctx context.Context, courseID uint) (int, error)
	NextDoseTime(ctx context.Context, courseID uint) (string, bool, error)
	GetCourse(ctx context.Context, courseID uint) (*model.ReminderCourse, *model.Identity, error)
	PendingCourses(ctx context.Context) ([]store.PendingCourse, error)
}

// DoseNotifier delivers a rendered dose notice.
type DoseNotifier interface {
	NotifyDose(ctx context.Context, handle string, notice gateway.DoseNotice) error
}

// DoseState is the lifecycle position of one scheduled dose.
type DoseState string

const (
	StateScheduled    DoseState = "scheduled"
	StateFired        DoseState = "fired"
	StateStoreMarked  DoseState = "store_marked"
	StateNotified     DoseState = "notified"
	StateNotifyFailed DoseState = "notify_failed"
)

// Outcome is the final state reached by one fired entry. Offset is the
// position of the dose counted from the head at registration time.
type Outcome struct {
	CourseID uint
	Offset   int
	State    DoseState
	Err      error
}

// Stats is a snapshot of the scheduler counters.
type Stats struct {
	Pending   int   `json:"pending"`
	InFlight  int   `json:"in_flight"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

// Options configures a Scheduler.
type Options struct {
	Workers       int
	ReconcileSpec string
	Location      *time.Location
	Now           func() time.Time
	Observer      func(Outcome)
}

// Scheduler is the delivery scheduler.
type Scheduler struct {
	store    CourseStore
	notifier DoseNotifier
	log      logrus.FieldLogger
	opts     Options

	mu       sync.Mutex
	queue    queue
	live     map[uint]int
	inFlight int

	wake chan struct{}
	jobs chan entry
	cron *cron.Cron

	cancel   context.CancelFunc
	stopOnce sync.Once
	loopWG   sync.WaitGroup
	poolWG sync.WaitGroup

	delivered atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// New creates a stopped scheduler.
func New(st CourseStore, notifier DoseNotifier, log logrus.FieldLogger, opts Options) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		store:    st,
		notifier: notifier,
		log:      log,
		opts:     opts,
		live:     make(map[uint]int),
		wake:     make(chan struct{}, 1),
		jobs:     make(chan entry, opts.Workers),
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(cron.PrintfLogger(log)),
		),
	}
}

// Start launches the timer loop, the worker pool and the reconcile sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	if s.opts.ReconcileSpec != "" {
		_, err := s.cron.AddFunc(s.opts.ReconcileSpec, func() {
			if n, err := s.Recover(ctx); err != nil {
				s.log.WithError(err).Error("scheduler: reconcile failed")
			} else if n > 0 {
				s.log.Infof("scheduler: reconcile registered %d course(s)", n)
			}
		})
		if err != nil {
			cancel()
			return fmt.Errorf("scheduler: reconcile spec %q: %w", s.opts.ReconcileSpec, err)
		}
	}
	s.cancel = cancel

	for i := 0; i < s.opts.Workers; i++ {
		s.poolWG.Add(1)
		go s.worker(ctx)
	}
	s.loopWG.Add(1)
	go s.run(ctx)
	s.cron.Start()

	s.log.Infof("scheduler: started with %d delivery worker(s)", s.opts.Workers)
	return nil
}

// Stop halts the sweep, the timer loop and the workers. Entries still queued
// are dropped; Recover restores them from the store on the next start. Calls
// after the first are no-ops.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		if s.cancel != nil {
			s.cancel()
		}
		s.loopWG.Wait()
		close(s.jobs)
		s.poolWG.Wait()
		s.log.Info("scheduler: stopped")
	})
}

// Register queues one entry per pending dose of a course, the first at the
// next occurrence of head and each following one intervalHours later. A
// course that already has queued or in-flight entries is left untouched.
func (s *Scheduler) Register(courseID uint, head schedule.TimeOfDay, intervalHours, pending int) error {
	if intervalHours < 1 || pending < 1 {
		return apperr.Validation("nothing to schedule")
	}
	if intervalHours > schedule.MaxIntervalHours || pending > schedule.MaxDoseCount {
		return apperr.Validation("prescription out of range")
	}
	due := schedule.Plan(head, intervalHours, pending, s.opts.Now().In(s.opts.Location))

	s.mu.Lock()
	if s.live[courseID] > 0 {
		s.mu.Unlock()
		return nil
	}
	for i, at := range due {
		s.queue.push(entry{due: at, courseID: courseID, offset: i})
	}
	s.live[courseID] = len(due)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"course_id": courseID, "first_due": due[0]}).
		Debugf("scheduler: registered %d dose(s)", len(due))
	s.poke()
	return nil
}

// Cancel drops every queued entry of a course. An entry already handed to a
// worker runs to completion and finds the course gone in the store.
func (s *Scheduler) Cancel(courseID uint) {
	s.mu.Lock()
	removed := s.queue.removeCourse(courseID)
	s.release(courseID, removed)
	s.mu.Unlock()

	if removed > 0 {
		s.log.WithField("course_id", courseID).Debugf("scheduler: cancelled %d dose(s)", removed)
		s.poke()
	}
}

// Recover registers every course with untaken doses that has no live entries
// and returns how many courses it registered.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	pending, err := s.store.PendingCourses(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: recover: %w", err)
	}

	registered := 0
	for _, p := range pending {
		if s.isLive(p.CourseID) {
			continue
		}
		head, err := schedule.ParseTimeOfDay(p.HeadTime)
		if err != nil {
			s.log.WithField("course_id", p.CourseID).WithError(err).Warn("scheduler: stored dose time unreadable")
			continue
		}
		if err := s.Register(p.CourseID, head, p.IntervalHours, p.Pending); err != nil {
			return registered, err
		}
		registered++
	}
	return registered, nil
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:   s.queue.Len(),
		InFlight:  s.inFlight,
		Delivered: s.delivered.Load(),
		Failed:    s.failed.Load(),
		Skipped:   s.skipped.Load(),
	}
}

func (s *Scheduler) isLive(courseID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[courseID] > 0
}

// release must be called with s.mu held.
func (s *Scheduler) release(courseID uint, n int) {
	if n == 0 {
		return
	}
	if left := s.live[courseID] - n; left > 0 {
		s.live[courseID] = left
	} else {
		delete(s.live, courseID)
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// takeDue pops every entry due at or before now and reports how long to wait
// for the next one.
func (s *Scheduler) takeDue() (due []entry, wait time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	for {
		head, found := s.queue.peek()
		if !found {
			return due, 0, false
		}
		if head.due.After(now) {
			return due, head.due.Sub(now), true
		}
		due = append(due, s.queue.pop())
		s.inFlight++
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.loopWG.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		due, wait, ok := s.takeDue()
		for i, e := range due {
			select {
			case s.jobs <- e:
			case <-ctx.Done():
				s.mu.Lock()
				s.inFlight -= len(due) - i
				s.mu.Unlock()
				return
			}
		}

		var fire <-chan time.Time
		if ok {
			timer.Reset(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-fire:
		}
		timer.Stop()
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.poolWG.Done()
	for e := range s.jobs {
		if ctx.Err() != nil {
			s.finish(e, Outcome{CourseID: e.courseID, Offset: e.offset, State: StateFired, Err: ctx.Err()})
			continue
		}
		s.finish(e, s.deliver(ctx, e))
	}
}

func (s *Scheduler) finish(e entry, out Outcome) {
	s.mu.Lock()
	s.inFlight--
	s.release(e.courseID, 1)
	s.mu.Unlock()

	switch out.State {
	case StateNotified:
		s.delivered.Add(1)
	case StateNotifyFailed:
		s.failed.Add(1)
	default:
		s.skipped.Add(1)
	}
	if s.opts.Observer != nil {
		s.opts.Observer(out)
	}
}

// deliver marks the next dose of the course taken, then notifies its owner.
// A failed notification is not retried and the dose stays taken.
func (s *Scheduler) deliver(ctx context.Context, e entry) Outcome {
	out := Outcome{CourseID: e.courseID, Offset: e.offset, State: StateFired}
	log := s.log.WithFields(logrus.Fields{"course_id": e.courseID, "dose_offset": e.offset})

	marked, err := s.store.MarkNextDoseTaken(ctx, e.courseID)
	if err != nil {
		out.Err = err
		if errors.Is(err, apperr.ErrNotFound) {
			log.Debug("scheduler: course gone, skipping")
		} else {
			log.WithError(err).Error("scheduler: mark dose taken")
		}
		return out
	}
	if !marked {
		log.Debug("scheduler: no untaken dose left, skipping")
		return out
	}
	out.State = StateStoreMarked

	notice, handle, err := s.notice(ctx, e.courseID)
	if err != nil {
		out.State = StateNotifyFailed
		out.Err = apperr.Delivery(err)
		log.WithError(err).Error("scheduler: build dose notice")
		return out
	}

	if err := s.notifier.NotifyDose(ctx, handle, notice); err != nil {
		if !errors.Is(err, apperr.ErrDelivery) {
			err = apperr.Delivery(err)
		}
		out.State = StateNotifyFailed
		out.Err = err
		log.WithField("identity", handle).WithError(err).Warn("scheduler: dose notification failed")
		return out
	}
	out.State = StateNotified
	log.WithField("identity", handle).Info("scheduler: dose notification sent")
	return out
}

func (s *Scheduler) notice(ctx context.Context, courseID uint) (gateway.DoseNotice, string, error) {
	course, owner, err := s.store.GetCourse(ctx, courseID)
	if err != nil {
		return gateway.DoseNotice{}, "", err
	}
	left, err := s.store.RemainingDoseCount(ctx, courseID)
	if err != nil {
		return gateway.DoseNotice{}, "", err
	}
	next, hasNext, err := s.store.NextDoseTime(ctx, courseID)
	if err != nil {
		return gateway.DoseNotice{}, "", err
	}
	return gateway.DoseNotice{
		Medication: course.Medication,
		Dose:       course.Dose,
		Remaining:  left,
		NextDose:   next,
		HasNext:    hasNext,
	}, owner.Handle, nil
}
