package model

import "time"

// ReminderCourse is one prescribed regimen. StartTime is "HH:MM".
type ReminderCourse struct {
	ID            uint            `gorm:"primaryKey"`
	IdentityID    uint            `gorm:"index;not null"`
	Medication    string          `gorm:"type:text;not null"`
	Dose          string          `gorm:"type:text;not null"`
	IntervalHours int             `gorm:"not null"`
	StartTime     string          `gorm:"size:5;not null"`
	DoseCount     int             `gorm:"not null"`
	Active        bool            `gorm:"index;not null;default:true"`
	CreatedAt     time.Time       `gorm:"autoCreateTime"`
	Doses         []ScheduledDose `gorm:"foreignKey:CourseID;constraint:OnDelete:CASCADE"`
}

// ScheduledDose is one occurrence within a course. Seq is its position in the
// timetable; doses are delivered in Seq order.
type ScheduledDose struct {
	ID            uint   `gorm:"primaryKey"`
	CourseID      uint   `gorm:"index:idx_dose_course_seq,priority:1;not null"`
	Seq           int    `gorm:"index:idx_dose_course_seq,priority:2;not null"`
	ScheduledTime string `gorm:"size:5;not null"`
	Taken         bool   `gorm:"not null;default:false"`
	TakenAt       *time.Time
}

// CourseSummary is the read model shown to users when listing reminders.
// NextDose is empty when no dose remains.
type CourseSummary struct {
	CourseID      uint
	Medication    string
	Dose          string
	IntervalHours int
	StartTime     string
	DoseCount     int
	Remaining     int
	NextDose      string
}
