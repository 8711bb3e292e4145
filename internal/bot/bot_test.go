package bot

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/pathakanu/medMemo/internal/logging"
	"github.com/pathakanu/medMemo/internal/model"
	"github.com/pathakanu/medMemo/internal/schedule"
	"github.com/pathakanu/medMemo/internal/store"
	"github.com/pathakanu/medMemo/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type registration struct {
	courseID uint
	head     string
	interval int
	pending  int
}

type fakeScheduler struct {
	mu         sync.Mutex
	err        error
	registered []registration
	cancelled  []uint
}

func (f *fakeScheduler) Register(courseID uint, head schedule.TimeOfDay, intervalHours, pending int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.registered = append(f.registered, registration{courseID, head.String(), intervalHours, pending})
	return nil
}

func (f *fakeScheduler) Cancel(courseID uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, courseID)
}

type fakeDrugInfo struct {
	lookups []string
}

func (f *fakeDrugInfo) Lookup(_ context.Context, medication string) (string, error) {
	f.lookups = append(f.lookups, medication)
	return "info about " + medication, nil
}

type fixture struct {
	store    *store.Store
	sched    *fakeScheduler
	drugInfo *fakeDrugInfo
	machine  *Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.New(testutil.NewDB(t)),
		sched:    &fakeScheduler{},
		drugInfo: &fakeDrugInfo{},
	}
	f.machine = f.newMachine()
	return f
}

func (f *fixture) newMachine() *Machine {
	return New(f.store, f.sched, f.drugInfo, Options{FreeCourseLimit: 3, PremiumURL: "https://medmemo.example/premium"}, logging.Discard())
}

func (f *fixture) say(t *testing.T, handle, text string) []Reply {
	t.Helper()
	replies, err := f.machine.Handle(context.Background(), Event{Handle: handle, DisplayName: "Ana", Text: text})
	require.NoError(t, err)
	require.NotEmpty(t, replies)
	return replies
}

func (f *fixture) state(t *testing.T, handle string) State {
	t.Helper()
	conv, err := f.store.LoadConversation(context.Background(), handle)
	require.NoError(t, err)
	require.NotNil(t, conv)
	return State(conv.State)
}

func (f *fixture) seedCourses(t *testing.T, handle string, n int) uint {
	t.Helper()
	ctx := context.Background()
	identity, err := f.store.EnsureIdentity(ctx, handle, "Ana")
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := f.store.CreateCourse(ctx, store.CourseInput{
			IdentityID:    identity.ID,
			Medication:    "Med" + strconv.Itoa(i+1),
			Dose:          "1 tablet",
			IntervalHours: 8,
			StartTime:     "08:00",
			DoseCount:     3,
		})
		require.NoError(t, err)
	}
	return identity.ID
}

func TestFirstContactShowsMenu(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	replies := f.say(t, "u1", "hello")
	assert.Equal(t, greeting, replies[0].Text)
	assert.Equal(t, menuKeyboard, replies[0].Keyboard)
	assert.Equal(t, StateMenu, f.state(t, "u1"))

	replies = f.say(t, "u1", "what?")
	assert.Equal(t, chooseOption, replies[0].Text)
	assert.Equal(t, StateMenu, f.state(t, "u1"))
}

func TestSetReminderFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.say(t, "u1", "/start")
	assert.Equal(t, promptMedication, f.say(t, "u1", "1. Set reminder")[0].Text)
	assert.Equal(t, promptDose, f.say(t, "u1", "Ibuprofen")[0].Text)
	assert.Equal(t, promptFrequency, f.say(t, "u1", "1 tablet")[0].Text)

	for _, bad := range []string{"abc", "0", "-2", "4.5", "8761", "3000000"} {
		assert.Equal(t, invalidFrequency, f.say(t, "u1", bad)[0].Text, bad)
		assert.Equal(t, StateGettingFrequency, f.state(t, "u1"))
	}
	assert.Equal(t, promptDoseCount, f.say(t, "u1", "6")[0].Text)

	for _, bad := range []string{"two", "100001"} {
		assert.Equal(t, invalidDoseCount, f.say(t, "u1", bad)[0].Text, bad)
		assert.Equal(t, StateGettingDoses, f.state(t, "u1"))
	}
	assert.Equal(t, promptStartTime, f.say(t, "u1", "2")[0].Text)

	for _, bad := range []string{"25:00", "8:00", "abc"} {
		assert.Equal(t, invalidStartTime, f.say(t, "u1", bad)[0].Text, bad)
		assert.Equal(t, StateGettingStartTime, f.state(t, "u1"))
	}
	assert.Empty(t, f.sched.registered, "invalid times never reach course creation")

	replies := f.say(t, "u1", "09:00")
	require.Len(t, replies, 2)
	assert.Equal(t, "✅ Reminders set for: 09:00, 15:00", replies[0].Text)
	assert.Equal(t, [][]string{{"Yes", "No"}}, replies[1].Keyboard)
	assert.Equal(t, StateAskMedicationInfo, f.state(t, "u1"))

	identity, err := f.store.GetIdentityByHandle(ctx, "u1")
	require.NoError(t, err)
	courses, err := f.store.ListActiveCourses(ctx, identity.ID)
	require.NoError(t, err)
	require.Len(t, courses, 1)
	assert.Equal(t, "Ibuprofen", courses[0].Medication)
	assert.Equal(t, "1 tablet", courses[0].Dose)
	assert.Equal(t, 2, courses[0].Remaining)
	assert.Equal(t, []registration{{courses[0].CourseID, "09:00", 6, 2}}, f.sched.registered)

	replies = f.say(t, "u1", "Sí")
	require.Len(t, replies, 2)
	assert.Equal(t, "info about Ibuprofen", replies[0].Text)
	assert.Equal(t, anythingElse, replies[1].Text)
	assert.Equal(t, StateMenu, f.state(t, "u1"))
}

func TestDecliningMedicationInfoReturnsToMenu(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say(t, "u1", "/start")
	for _, text := range []string{"1", "Amoxicillin", "500 mg", "8", "3", "20:00"} {
		f.say(t, "u1", text)
	}

	replies := f.say(t, "u1", "No")
	require.Len(t, replies, 1)
	assert.Equal(t, anythingElse, replies[0].Text)
	assert.Empty(t, f.drugInfo.lookups)
	assert.Equal(t, StateMenu, f.state(t, "u1"))
}

func TestFreeLimitGate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	identityID := f.seedCourses(t, "u1", 3)
	f.say(t, "u1", "/start")

	replies := f.say(t, "u1", "1")
	assert.Contains(t, replies[0].Text, "limit of 3 reminders")
	assert.Equal(t, StateMenu, f.state(t, "u1"))

	require.NoError(t, f.store.SetPremium(ctx, identityID))
	assert.Equal(t, promptMedication, f.say(t, "u1", "1")[0].Text)
	assert.Equal(t, StateSettingReminder, f.state(t, "u1"))
}

func TestFreeLimitRecheckedAtCompletion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedCourses(t, "u1", 2)
	f.say(t, "u1", "/start")
	for _, text := range []string{"1", "A", "1", "8", "3"} {
		f.say(t, "u1", text)
	}
	f.seedCourses(t, "u1", 1)

	replies := f.say(t, "u1", "08:00")
	assert.Contains(t, replies[0].Text, "limit of 3 reminders")
	assert.Empty(t, f.sched.registered)
	assert.Equal(t, StateMenu, f.state(t, "u1"))
}

func TestSchedulingFailureLeavesNothingBehind(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.sched.err = errors.New("queue closed")

	f.say(t, "u1", "/start")
	for _, text := range []string{"1", "Ibuprofen", "1 tablet", "6", "2"} {
		f.say(t, "u1", text)
	}
	replies := f.say(t, "u1", "09:00")
	assert.Equal(t, schedulingFailed, replies[0].Text)
	assert.Equal(t, StateMenu, f.state(t, "u1"))

	identity, err := f.store.GetIdentityByHandle(ctx, "u1")
	require.NoError(t, err)
	active, err := f.store.CountActiveCourses(ctx, identity.ID)
	require.NoError(t, err)
	assert.Zero(t, active)
	pending, err := f.store.PendingCourses(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

type failingSaveStore struct {
	*store.Store
	failOn State
}

func (s *failingSaveStore) SaveConversation(ctx context.Context, conv *model.ConversationState) error {
	if State(conv.State) == s.failOn {
		return errors.New("disk full")
	}
	return s.Store.SaveConversation(ctx, conv)
}

func TestLostFinalSaveNeverDuplicatesCourse(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.say(t, "u1", "/start")
	for _, text := range []string{"1", "Ibuprofen", "1 tablet", "6", "2"} {
		f.say(t, "u1", text)
	}

	f.machine = New(&failingSaveStore{Store: f.store, failOn: StateAskMedicationInfo}, f.sched, f.drugInfo,
		Options{FreeCourseLimit: 3}, logging.Discard())

	replies := f.say(t, "u1", "09:00")
	assert.Equal(t, "✅ Reminders set for: 09:00, 15:00", replies[0].Text)
	assert.Equal(t, StateMenu, f.state(t, "u1"))

	assert.Equal(t, chooseOption, f.say(t, "u1", "09:00")[0].Text)
	identity, err := f.store.GetIdentityByHandle(ctx, "u1")
	require.NoError(t, err)
	active, err := f.store.CountActiveCourses(ctx, identity.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
	assert.Len(t, f.sched.registered, 1)
}

func TestDeleteReminderFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	identityID := f.seedCourses(t, "u1", 2)
	before, err := f.store.ListActiveCourses(ctx, identityID)
	require.NoError(t, err)
	f.say(t, "u1", "/start")

	replies := f.say(t, "u1", "4. Delete reminder")
	assert.Contains(t, replies[0].Text, "1. Med1")
	assert.Contains(t, replies[0].Text, "2. Med2")
	assert.Equal(t, [][]string{{"1"}, {"2"}, {"Cancel"}}, replies[0].Keyboard)
	assert.Equal(t, StateDeletingReminder, f.state(t, "u1"))

	assert.Equal(t, invalidDeleteChoice, f.say(t, "u1", "the second")[0].Text)
	assert.Equal(t, unknownDeleteChoice, f.say(t, "u1", "3")[0].Text)
	assert.Equal(t, StateDeletingReminder, f.state(t, "u1"))

	assert.Equal(t, reminderDeleted, f.say(t, "u1", "2")[0].Text)
	assert.Equal(t, StateMenu, f.state(t, "u1"))
	assert.Equal(t, []uint{before[1].CourseID}, f.sched.cancelled)

	after, err := f.store.ListActiveCourses(ctx, identityID)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "Med1", after[0].Medication)

	conv, err := f.store.LoadConversation(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, conv.Data, "the ordinal map is discarded after a decision")
}

func TestDeleteReminderCancelAndEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say(t, "u1", "/start")

	assert.Equal(t, noRemindersToDelete, f.say(t, "u1", "4")[0].Text)
	assert.Equal(t, StateMenu, f.state(t, "u1"))

	f.seedCourses(t, "u1", 1)
	f.say(t, "u1", "4")
	assert.Equal(t, deletionCancelled, f.say(t, "u1", "Cancel")[0].Text)
	assert.Equal(t, StateMenu, f.state(t, "u1"))
	assert.Empty(t, f.sched.cancelled)
}

func TestListReminders(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say(t, "u1", "/start")

	assert.Equal(t, noReminders, f.say(t, "u1", "3")[0].Text)

	f.seedCourses(t, "u1", 2)
	replies := f.say(t, "u1", "my reminders")
	require.Len(t, replies, 3)
	assert.Contains(t, replies[0].Text, "Med1")
	assert.Contains(t, replies[0].Text, "*Doses remaining:* 3")
	assert.Contains(t, replies[0].Text, "*Next dose:* 08:00")
	assert.Equal(t, anythingElse, replies[2].Text)
	assert.Equal(t, StateMenu, f.state(t, "u1"))
}

func TestMedicationLookup(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say(t, "u1", "/start")

	assert.Equal(t, promptLookup, f.say(t, "u1", "2")[0].Text)
	replies := f.say(t, "u1", "paracetamol")
	assert.Equal(t, "info about paracetamol", replies[0].Text)
	assert.Equal(t, StateMenu, f.state(t, "u1"))
}

func TestPremiumRedirect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say(t, "+34 600", "/start")

	replies := f.say(t, "+34 600", "5")
	assert.Contains(t, replies[0].Text, "https://medmemo.example/premium?handle=%2B34+600")
	assert.Equal(t, StatePremiumRedirect, f.state(t, "+34 600"))

	replies = f.say(t, "+34 600", "3")
	assert.Equal(t, noReminders, replies[0].Text, "the next input is handled as a menu choice")
	assert.Equal(t, StateMenu, f.state(t, "+34 600"))

	identity, err := f.store.GetIdentityByHandle(context.Background(), "+34 600")
	require.NoError(t, err)
	require.NoError(t, f.store.SetPremium(context.Background(), identity.ID))
	assert.Equal(t, alreadyPremium, f.say(t, "+34 600", "5")[0].Text)
}

func TestStartResetsFlowData(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say(t, "u1", "/start")
	f.say(t, "u1", "1")
	f.say(t, "u1", "Ibuprofen")

	assert.Equal(t, greeting, f.say(t, "u1", "/start")[0].Text)
	conv, err := f.store.LoadConversation(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, string(StateMenu), conv.State)
	assert.Empty(t, conv.Data)
}

func TestStateSurvivesRestart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say(t, "u1", "/start")
	f.say(t, "u1", "1")
	f.say(t, "u1", "Ibuprofen")

	f.machine = f.newMachine()
	assert.Equal(t, promptFrequency, f.say(t, "u1", "1 tablet")[0].Text)
	conv, err := f.store.LoadConversation(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ibuprofen", conv.Data[keyMedication])
	assert.Equal(t, "1 tablet", conv.Data[keyDose])
}

func TestConcurrentTurnsOfOneIdentityAreSerialized(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say(t, "u1", "/start")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.machine.Handle(context.Background(), Event{Handle: "u1", Text: "1"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	conv, err := f.store.LoadConversation(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, string(StateGettingStartTime), conv.State)
	assert.Equal(t, "1", conv.Data[keyMedication])
	assert.Equal(t, "1", conv.Data[keyDose])
	assert.Equal(t, "1", conv.Data[keyInterval])
	assert.Equal(t, "1", conv.Data[keyDoseCount])
}

func TestParseMenuChoice(t *testing.T) {
	t.Parallel()
	cases := map[string]menuChoice{
		"1":                  choiceSetReminder,
		"1.":                 choiceSetReminder,
		"1. Set reminder":    choiceSetReminder,
		"set REMINDER":       choiceSetReminder,
		"2. Medication info": choiceMedicationInfo,
		"3":                  choiceListReminders,
		" 4 ":                choiceDeleteReminder,
		"5. go premium":      choiceGoPremium,
	}
	for in, want := range cases {
		got, ok := parseMenuChoice(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "6", "0", "premium please", "1 set reminder"} {
		_, ok := parseMenuChoice(in)
		assert.False(t, ok, in)
	}
}
