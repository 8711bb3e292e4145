package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pathakanu/medMemo/internal/apperr"
	"github.com/pathakanu/medMemo/internal/model"
	"github.com/pathakanu/medMemo/internal/schedule"
	"gorm.io/gorm"
)

// CourseInput is a fully collected "set reminder" request.
type CourseInput struct {
	IdentityID    uint
	Medication    string
	Dose          string
	IntervalHours int
	StartTime     string
	DoseCount     int
}

// PendingCourse is an active course with at least one untaken dose.
type PendingCourse struct {
	CourseID      uint
	IntervalHours int
	HeadSeq       int
	HeadTime      string
	Pending       int
}

const courseNotFound = "reminder not found"

// doseBatchSize keeps each dose insert under SQLite's bound-variable limit.
const doseBatchSize = 100

// CreateCourse validates the request, computes its timetable and inserts the
// course together with one ScheduledDose row per dose.
func (s *Store) CreateCourse(ctx context.Context, in CourseInput) (*model.ReminderCourse, error) {
	medication := strings.TrimSpace(in.Medication)
	dose := strings.TrimSpace(in.Dose)
	if medication == "" {
		return nil, apperr.Validation("the medication name is required")
	}
	if dose == "" {
		return nil, apperr.Validation("the dose is required")
	}

	times, err := schedule.Timetable(in.StartTime, in.IntervalHours, in.DoseCount)
	if err != nil {
		return nil, err
	}

	course := model.ReminderCourse{
		IdentityID:    in.IdentityID,
		Medication:    medication,
		Dose:          dose,
		IntervalHours: in.IntervalHours,
		StartTime:     times[0].String(),
		DoseCount:     in.DoseCount,
		Active:        true,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner model.Identity
		if err := tx.Select("id").First(&owner, in.IdentityID).Error; err != nil {
			return notFoundOr(err, "user not found")
		}
		if err := tx.Omit("Doses").Create(&course).Error; err != nil {
			return err
		}

		doses := make([]model.ScheduledDose, len(times))
		for i, t := range times {
			doses[i] = model.ScheduledDose{CourseID: course.ID, Seq: i, ScheduledTime: t.String()}
		}
		if err := tx.CreateInBatches(&doses, doseBatchSize).Error; err != nil {
			return err
		}
		course.Doses = doses
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create course: %w", err)
	}
	return &course, nil
}

// GetCourse returns an active course with its owner.
func (s *Store) GetCourse(ctx context.Context, courseID uint) (*model.ReminderCourse, *model.Identity, error) {
	course, err := activeCourse(s.db.WithContext(ctx), courseID)
	if err != nil {
		return nil, nil, err
	}
	owner, err := s.GetIdentity(ctx, course.IdentityID)
	if err != nil {
		return nil, nil, err
	}
	return course, owner, nil
}

func activeCourse(db *gorm.DB, courseID uint) (*model.ReminderCourse, error) {
	var course model.ReminderCourse
	if err := db.Where("id = ? AND active = ?", courseID, true).First(&course).Error; err != nil {
		return nil, notFoundOr(err, courseNotFound)
	}
	return &course, nil
}

// MarkNextDoseTaken flips the earliest untaken dose of the course and reports
// whether one was flipped. Calls for the same course are serialized and each
// call flips at most one dose; the conditional update keeps this true even
// when another process races on the same row.
func (s *Store) MarkNextDoseTaken(ctx context.Context, courseID uint) (bool, error) {
	unlock := s.courseLocks.Lock(courseID)
	defer unlock()

	marked := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := activeCourse(tx, courseID); err != nil {
			return err
		}
		for {
			var dose model.ScheduledDose
			err := tx.Where("course_id = ? AND taken = ?", courseID, false).
				Order("seq ASC, id ASC").
				Take(&dose).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			if err != nil {
				return err
			}

			res := tx.Model(&model.ScheduledDose{}).
				Where("id = ? AND taken = ?", dose.ID, false).
				Updates(map[string]any{"taken": true, "taken_at": s.now()})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				marked = true
				return nil
			}
		}
	})
	if err != nil {
		return false, fmt.Errorf("mark next dose of course %d: %w", courseID, err)
	}
	return marked, nil
}

// RemainingDoseCount counts the untaken doses of an active course.
func (s *Store) RemainingDoseCount(ctx context.Context, courseID uint) (int, error) {
	db := s.db.WithContext(ctx)
	if _, err := activeCourse(db, courseID); err != nil {
		return 0, err
	}
	return remaining(db, courseID)
}

func remaining(db *gorm.DB, courseID uint) (int, error) {
	var count int64
	err := db.Model(&model.ScheduledDose{}).
		Where("course_id = ? AND taken = ?", courseID, false).
		Count(&count).Error
	return int(count), err
}

// NextDoseTime returns the time-of-day of the earliest untaken dose; ok is
// false when the course has no dose left.
func (s *Store) NextDoseTime(ctx context.Context, courseID uint) (next string, ok bool, err error) {
	db := s.db.WithContext(ctx)
	if _, err := activeCourse(db, courseID); err != nil {
		return "", false, err
	}
	dose, err := headDose(db, courseID)
	if err != nil || dose == nil {
		return "", false, err
	}
	return dose.ScheduledTime, true, nil
}

func headDose(db *gorm.DB, courseID uint) (*model.ScheduledDose, error) {
	var dose model.ScheduledDose
	err := db.Where("course_id = ? AND taken = ?", courseID, false).
		Order("seq ASC, id ASC").
		Take(&dose).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dose, nil
}

// ListActiveCourses summarizes the identity's active courses, oldest first.
func (s *Store) ListActiveCourses(ctx context.Context, identityID uint) ([]model.CourseSummary, error) {
	db := s.db.WithContext(ctx)

	var courses []model.ReminderCourse
	if err := db.Where("identity_id = ? AND active = ?", identityID, true).Order("id ASC").Find(&courses).Error; err != nil {
		return nil, fmt.Errorf("list courses of identity %d: %w", identityID, err)
	}

	summaries := make([]model.CourseSummary, 0, len(courses))
	for _, c := range courses {
		left, err := remaining(db, c.ID)
		if err != nil {
			return nil, fmt.Errorf("count doses of course %d: %w", c.ID, err)
		}
		head, err := headDose(db, c.ID)
		if err != nil {
			return nil, fmt.Errorf("next dose of course %d: %w", c.ID, err)
		}
		summary := model.CourseSummary{
			CourseID:      c.ID,
			Medication:    c.Medication,
			Dose:          c.Dose,
			IntervalHours: c.IntervalHours,
			StartTime:     c.StartTime,
			DoseCount:     c.DoseCount,
			Remaining:     left,
		}
		if head != nil {
			summary.NextDose = head.ScheduledTime
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// CountActiveCourses counts the identity's active courses.
func (s *Store) CountActiveCourses(ctx context.Context, identityID uint) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.ReminderCourse{}).
		Where("identity_id = ? AND active = ?", identityID, true).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count courses of identity %d: %w", identityID, err)
	}
	return int(count), nil
}

// DeleteCourse deactivates a course and removes all of its doses as one unit.
// A deleted course is reported as not found by every other operation.
func (s *Store) DeleteCourse(ctx context.Context, courseID uint) error {
	unlock := s.courseLocks.Lock(courseID)
	defer unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := activeCourse(tx, courseID); err != nil {
			return err
		}
		if err := tx.Where("course_id = ?", courseID).Delete(&model.ScheduledDose{}).Error; err != nil {
			return err
		}
		return tx.Model(&model.ReminderCourse{}).Where("id = ?", courseID).Update("active", false).Error
	})
	if err != nil {
		return fmt.Errorf("delete course %d: %w", courseID, err)
	}
	return nil
}

// PendingCourses lists every active course that still has untaken doses,
// with its earliest untaken dose. The scheduler rebuilds its timers from it.
func (s *Store) PendingCourses(ctx context.Context) ([]PendingCourse, error) {
	db := s.db.WithContext(ctx)

	var courses []model.ReminderCourse
	if err := db.Where("active = ?", true).Order("id ASC").Find(&courses).Error; err != nil {
		return nil, fmt.Errorf("list active courses: %w", err)
	}

	pending := make([]PendingCourse, 0, len(courses))
	for _, c := range courses {
		head, err := headDose(db, c.ID)
		if err != nil {
			return nil, fmt.Errorf("next dose of course %d: %w", c.ID, err)
		}
		if head == nil {
			continue
		}
		left, err := remaining(db, c.ID)
		if err != nil {
			return nil, fmt.Errorf("count doses of course %d: %w", c.ID, err)
		}
		pending = append(pending, PendingCourse{
			CourseID:      c.ID,
			IntervalHours: c.IntervalHours,
			HeadSeq:       head.Seq,
			HeadTime:      head.ScheduledTime,
			Pending:       left,
		})
	}
	return pending, nil
}
