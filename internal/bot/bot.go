// Package bot drives the per-identity conversation that collects reminder
// requests, lists and deletes courses, looks up medication info and points
// users at the premium upgrade.
package bot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pathakanu/medMemo/internal/apperr"
	"github.com/pathakanu/medMemo/internal/keylock"
	"github.com/pathakanu/medMemo/internal/model"
	"github.com/pathakanu/medMemo/internal/schedule"
	"github.com/pathakanu/medMemo/internal/store"
	"github.com/sirupsen/logrus"
)

// State is a node of the conversation graph.
type State string

const (
	StateInitial           State = "initial"
	StateMenu              State = "menu"
	StateSettingReminder   State = "setting_reminder"
	StateGettingDosage     State = "getting_dosage"
	StateGettingFrequency  State = "getting_frequency"
	StateGettingDoses      State = "getting_doses"
	StateGettingStartTime  State = "getting_start_time"
	StateAskMedicationInfo State = "ask_medication_info"
	StateGettingMedication State = "getting_medication"
	StateDeletingReminder  State = "deleting_reminder"
	StatePremiumRedirect   State = "premium_redirect"
)

// maxListedTimes bounds the timetable echoed back after a course is created.
const maxListedTimes = 24

// Keys of the transient conversation data.
const (
	keyMedication   = "medication"
	keyDose         = "dose"
	keyInterval     = "interval_hours"
	keyDoseCount    = "dose_count"
	keyOptionPrefix = "option:"
)

// Event is one inbound conversational turn.
type Event struct {
	Handle      string
	DisplayName string
	Text        string
}

// Reply is one outbound message. Keyboard holds optional reply options, one
// slice per row.
type Reply struct {
	Text     string
	Keyboard [][]string
}

// Store is the part of the reminder store the conversation needs.
type Store interface {
	EnsureIdentity(ctx context.Context, handle, name string) (*model.Identity, error)
	LoadConversation(ctx context.Context, handle string) (*model.ConversationState, error)
	SaveConversation(ctx context.Context, state *model.ConversationState) error
	CreateCourse(ctx context.Context, in store.CourseInput) (*model.ReminderCourse, error)
	DeleteCourse(ctx context.Context, courseID uint) error
	ListActiveCourses(ctx context.Context, identityID uint) ([]model.CourseSummary, error)
	CountActiveCourses(ctx context.Context, identityID uint) (int, error)
}

// Scheduler registers and cancels dose timers.
type Scheduler interface {
	Register(courseID uint, head schedule.TimeOfDay, intervalHours, pending int) error
	Cancel(courseID uint)
}

// DrugInfo looks up a medication and returns a ready-to-send card.
type DrugInfo interface {
	Lookup(ctx context.Context, medication string) (string, error)
}

// Options tunes the conversation.
type Options struct {
	FreeCourseLimit int
	PremiumURL      string
}

// Machine is the conversation state machine. Turns of one identity are
// serialized; turns of different identities run in parallel.
type Machine struct {
	store     Store
	scheduler Scheduler
	drugInfo  DrugInfo
	opts      Options
	locks     *keylock.Locker[string]
	log       logrus.FieldLogger
}

// New creates a Machine.
func New(st Store, sched Scheduler, drugInfo DrugInfo, opts Options, log logrus.FieldLogger) *Machine {
	return &Machine{
		store:     st,
		scheduler: sched,
		drugInfo:  drugInfo,
		opts:      opts,
		locks:     keylock.New[string](),
		log:       log,
	}
}

type turn struct {
	ctx      context.Context
	identity *model.Identity
	conv     *model.ConversationState
	text     string
	log      logrus.FieldLogger

	// committed is set once the turn has saved a state that is safe to keep
	// even when the final save fails.
	committed bool
}

func (t *turn) state() State { return State(t.conv.State) }

func (t *turn) moveTo(s State) { t.conv.State = string(s) }

func (t *turn) reset(s State) {
	t.conv.State = string(s)
	t.conv.Data = make(map[string]string)
}

// Handle runs one turn: load the identity's state, apply the transition and
// persist the new state. State is only saved when the transition succeeds.
func (m *Machine) Handle(ctx context.Context, ev Event) ([]Reply, error) {
	handle := strings.TrimSpace(ev.Handle)
	if handle == "" {
		return nil, apperr.Validation("an identity handle is required")
	}

	unlock := m.locks.Lock(handle)
	defer unlock()

	identity, err := m.store.EnsureIdentity(ctx, handle, ev.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("bot: identity %q: %w", handle, err)
	}
	conv, err := m.store.LoadConversation(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("bot: load state of %q: %w", handle, err)
	}
	if conv == nil {
		conv = &model.ConversationState{Handle: handle, State: string(StateInitial), Data: make(map[string]string)}
	}

	t := &turn{
		ctx:      ctx,
		identity: identity,
		conv:     conv,
		text:     strings.TrimSpace(ev.Text),
		log:      m.log.WithFields(logrus.Fields{"identity": handle, "state": conv.State}),
	}
	replies, err := m.transition(t)
	if err != nil {
		return nil, err
	}

	if err := m.store.SaveConversation(ctx, conv); err != nil {
		if !t.committed {
			return nil, fmt.Errorf("bot: save state of %q: %w", handle, err)
		}
		t.log.WithError(err).Error("bot: save state after course change")
	}
	t.log.WithField("next_state", conv.State).Debug("bot: turn handled")
	return replies, nil
}

func (m *Machine) transition(t *turn) ([]Reply, error) {
	if isRestart(t.text) {
		t.reset(StateMenu)
		return []Reply{menuReply(greeting)}, nil
	}

	switch t.state() {
	case StateInitial:
		t.reset(StateMenu)
		return []Reply{menuReply(greeting)}, nil
	case StateMenu:
		return m.onMenu(t)
	case StateSettingReminder:
		return m.onText(t, keyMedication, StateGettingDosage, promptDose, promptMedication)
	case StateGettingDosage:
		return m.onText(t, keyDose, StateGettingFrequency, promptFrequency, promptDose)
	case StateGettingFrequency:
		return m.onNumber(t, keyInterval, schedule.MaxIntervalHours, StateGettingDoses, promptDoseCount, invalidFrequency)
	case StateGettingDoses:
		return m.onNumber(t, keyDoseCount, schedule.MaxDoseCount, StateGettingStartTime, promptStartTime, invalidDoseCount)
	case StateGettingStartTime:
		return m.onStartTime(t)
	case StateAskMedicationInfo:
		return m.onAskMedicationInfo(t)
	case StateGettingMedication:
		return m.onGettingMedication(t)
	case StateDeletingReminder:
		return m.onDeleting(t)
	case StatePremiumRedirect:
		t.reset(StateMenu)
		return m.onMenu(t)
	default:
		t.log.Warnf("bot: unknown state %q, returning to menu", t.conv.State)
		t.reset(StateMenu)
		return []Reply{menuReply(greeting)}, nil
	}
}

func (m *Machine) onMenu(t *turn) ([]Reply, error) {
	choice, ok := parseMenuChoice(t.text)
	if !ok {
		return []Reply{menuReply(chooseOption)}, nil
	}

	switch choice {
	case choiceSetReminder:
		blocked, err := m.overFreeLimit(t)
		if err != nil {
			return nil, err
		}
		if blocked {
			return []Reply{menuReply(m.limitReached())}, nil
		}
		t.reset(StateSettingReminder)
		return []Reply{{Text: promptMedication}}, nil
	case choiceMedicationInfo:
		t.reset(StateGettingMedication)
		return []Reply{{Text: promptLookup}}, nil
	case choiceListReminders:
		return m.listCourses(t)
	case choiceDeleteReminder:
		return m.startDeleting(t)
	default:
		if t.identity.Premium {
			return []Reply{menuReply(alreadyPremium)}, nil
		}
		t.reset(StatePremiumRedirect)
		return []Reply{{Text: fmt.Sprintf(premiumRedirect, m.premiumLink(t.identity.Handle))}}, nil
	}
}

func (m *Machine) overFreeLimit(t *turn) (bool, error) {
	if t.identity.Premium || m.opts.FreeCourseLimit <= 0 {
		return false, nil
	}
	active, err := m.store.CountActiveCourses(t.ctx, t.identity.ID)
	if err != nil {
		return false, fmt.Errorf("bot: count courses: %w", err)
	}
	return active >= m.opts.FreeCourseLimit, nil
}

func (m *Machine) limitReached() string {
	return fmt.Sprintf(limitReached, m.opts.FreeCourseLimit)
}

func (m *Machine) premiumLink(handle string) string {
	link, err := url.Parse(m.opts.PremiumURL)
	if err != nil {
		return m.opts.PremiumURL
	}
	q := link.Query()
	q.Set("handle", handle)
	link.RawQuery = q.Encode()
	return link.String()
}

func (m *Machine) onText(t *turn, key string, next State, prompt, reprompt string) ([]Reply, error) {
	if t.text == "" {
		return []Reply{{Text: reprompt}}, nil
	}
	t.conv.Data[key] = t.text
	t.moveTo(next)
	return []Reply{{Text: prompt}}, nil
}

func (m *Machine) onNumber(t *turn, key string, limit int, next State, prompt, reprompt string) ([]Reply, error) {
	n, ok := positiveInt(t.text)
	if !ok || n > limit {
		return []Reply{{Text: reprompt}}, nil
	}
	t.conv.Data[key] = strconv.Itoa(n)
	t.moveTo(next)
	return []Reply{{Text: prompt}}, nil
}

// onStartTime completes the reminder flow. The course and its timers are
// created together; when registration fails the course is removed again.
func (m *Machine) onStartTime(t *turn) ([]Reply, error) {
	start, err := schedule.ParseTimeOfDay(t.text)
	if err != nil {
		return []Reply{{Text: invalidStartTime}}, nil
	}

	interval, okInterval := positiveInt(t.conv.Data[keyInterval])
	count, okCount := positiveInt(t.conv.Data[keyDoseCount])
	medication := t.conv.Data[keyMedication]
	if !okInterval || !okCount || medication == "" {
		t.log.Warn("bot: reminder data incomplete, restarting flow")
		t.reset(StateMenu)
		return []Reply{menuReply(flowLost)}, nil
	}

	blocked, err := m.overFreeLimit(t)
	if err != nil {
		return nil, err
	}
	if blocked {
		t.reset(StateMenu)
		return []Reply{menuReply(m.limitReached())}, nil
	}

	// Leave the flow before creating anything, so a repeated turn lands in
	// the menu instead of creating the course twice.
	dose := t.conv.Data[keyDose]
	t.reset(StateMenu)
	if err := m.store.SaveConversation(t.ctx, t.conv); err != nil {
		return nil, fmt.Errorf("bot: leave reminder flow: %w", err)
	}
	t.committed = true

	course, err := m.store.CreateCourse(t.ctx, store.CourseInput{
		IdentityID:    t.identity.ID,
		Medication:    medication,
		Dose:          dose,
		IntervalHours: interval,
		StartTime:     start.String(),
		DoseCount:     count,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrValidation) {
			return []Reply{menuReply(apperr.UserMessage(err, flowLost))}, nil
		}
		t.log.WithError(err).Error("bot: create course")
		return []Reply{menuReply(schedulingFailed)}, nil
	}

	log := t.log.WithField("course_id", course.ID)
	if err := m.scheduler.Register(course.ID, start, interval, count); err != nil {
		log.WithError(err).Error("bot: register timers, removing course")
		if delErr := m.store.DeleteCourse(t.ctx, course.ID); delErr != nil {
			log.WithError(delErr).Error("bot: remove unscheduled course")
		}
		return []Reply{menuReply(schedulingFailed)}, nil
	}
	log.Info("bot: reminder course created")

	times := make([]string, 0, min(len(course.Doses), maxListedTimes)+1)
	for _, d := range course.Doses {
		if len(times) == maxListedTimes {
			times = append(times, "…")
			break
		}
		times = append(times, d.ScheduledTime)
	}
	t.reset(StateAskMedicationInfo)
	t.conv.Data[keyMedication] = medication
	return []Reply{
		{Text: fmt.Sprintf(remindersSet, strings.Join(times, ", "))},
		{Text: askMedicationInfo, Keyboard: [][]string{{"Yes", "No"}}},
	}, nil
}

func (m *Machine) onAskMedicationInfo(t *turn) ([]Reply, error) {
	var replies []Reply
	if isYes(t.text) {
		replies = append(replies, Reply{Text: m.lookup(t, t.conv.Data[keyMedication])})
	}
	t.reset(StateMenu)
	return append(replies, menuReply(anythingElse)), nil
}

func (m *Machine) onGettingMedication(t *turn) ([]Reply, error) {
	if t.text == "" {
		return []Reply{{Text: promptLookup}}, nil
	}
	info := m.lookup(t, t.text)
	t.reset(StateMenu)
	return []Reply{{Text: info}, menuReply(anythingElse)}, nil
}

func (m *Machine) lookup(t *turn, medication string) string {
	info, err := m.drugInfo.Lookup(t.ctx, medication)
	if err != nil {
		t.log.WithError(err).WithField("medication", medication).Warn("bot: drug info lookup failed")
	}
	if info == "" {
		return noDrugInfo
	}
	return info
}

func (m *Machine) listCourses(t *turn) ([]Reply, error) {
	courses, err := m.store.ListActiveCourses(t.ctx, t.identity.ID)
	if err != nil {
		return nil, fmt.Errorf("bot: list courses: %w", err)
	}
	if len(courses) == 0 {
		return []Reply{menuReply(noReminders)}, nil
	}

	replies := make([]Reply, 0, len(courses)+1)
	for _, c := range courses {
		replies = append(replies, Reply{Text: renderSummary(c)})
	}
	return append(replies, menuReply(anythingElse)), nil
}

func (m *Machine) startDeleting(t *turn) ([]Reply, error) {
	courses, err := m.store.ListActiveCourses(t.ctx, t.identity.ID)
	if err != nil {
		return nil, fmt.Errorf("bot: list courses: %w", err)
	}
	if len(courses) == 0 {
		return []Reply{menuReply(noRemindersToDelete)}, nil
	}

	t.reset(StateDeletingReminder)
	var sb strings.Builder
	sb.WriteString("📋 Your active reminders:\n\n")
	keyboard := make([][]string, 0, len(courses)+1)
	for i, c := range courses {
		ordinal := strconv.Itoa(i + 1)
		t.conv.Data[keyOptionPrefix+ordinal] = strconv.FormatUint(uint64(c.CourseID), 10)
		fmt.Fprintf(&sb, "%s. %s\n   - Dose: %s\n   - Doses remaining: %d\n   - Next dose: %s\n\n",
			ordinal, c.Medication, c.Dose, c.Remaining, nextDoseLabel(c.NextDose))
		keyboard = append(keyboard, []string{ordinal})
	}
	sb.WriteString(promptDeleteChoice)
	keyboard = append(keyboard, []string{"Cancel"})
	return []Reply{{Text: sb.String(), Keyboard: keyboard}}, nil
}

func (m *Machine) onDeleting(t *turn) ([]Reply, error) {
	if strings.EqualFold(t.text, "cancel") {
		t.reset(StateMenu)
		return []Reply{menuReply(deletionCancelled)}, nil
	}

	n, ok := positiveInt(t.text)
	if !ok {
		return []Reply{{Text: invalidDeleteChoice}}, nil
	}
	raw, ok := t.conv.Data[keyOptionPrefix+strconv.Itoa(n)]
	if !ok {
		return []Reply{{Text: unknownDeleteChoice}}, nil
	}
	courseID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		t.reset(StateMenu)
		return []Reply{menuReply(flowLost)}, nil
	}

	t.reset(StateMenu)
	if err := m.store.DeleteCourse(t.ctx, uint(courseID)); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return []Reply{menuReply(reminderGone)}, nil
		}
		return nil, fmt.Errorf("bot: delete course %d: %w", courseID, err)
	}
	m.scheduler.Cancel(uint(courseID))
	t.log.WithField("course_id", courseID).Info("bot: reminder course deleted")
	return []Reply{menuReply(reminderDeleted)}, nil
}

func renderSummary(c model.CourseSummary) string {
	return fmt.Sprintf("💊 *Medication:* %s\n📏 *Dose:* %s\n🔢 *Doses remaining:* %d\n🕒 *Next dose:* %s",
		c.Medication, c.Dose, c.Remaining, nextDoseLabel(c.NextDose))
}

func nextDoseLabel(next string) string {
	if next == "" {
		return "not scheduled"
	}
	return next
}

func positiveInt(text string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func isRestart(text string) bool {
	lower := strings.ToLower(text)
	return lower == "/start" || lower == "/menu"
}

func isYes(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes", "y", "sí", "si":
		return true
	}
	return false
}
