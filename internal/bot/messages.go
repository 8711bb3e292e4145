package bot

import (
	"strings"
)

type menuChoice int

const (
	choiceSetReminder menuChoice = iota + 1
	choiceMedicationInfo
	choiceListReminders
	choiceDeleteReminder
	choiceGoPremium
)

var menuLabels = map[menuChoice]string{
	choiceSetReminder:    "Set reminder",
	choiceMedicationInfo: "Medication info",
	choiceListReminders:  "My reminders",
	choiceDeleteReminder: "Delete reminder",
	choiceGoPremium:      "Go premium",
}

var menuKeyboard = [][]string{
	{"1. Set reminder", "2. Medication info"},
	{"3. My reminders", "4. Delete reminder"},
	{"5. Go premium"},
}

const (
	greeting     = "👋 Hi! I'm medMemo, your medication reminder. Choose an option:"
	chooseOption = "Please choose one of the options below."
	anythingElse = "Anything else I can help you with?"

	promptMedication = "Please enter the name of the medication."
	promptDose       = "Enter the dose (e.g. 1 tablet)."
	promptFrequency  = "Every how many hours should it be taken? (e.g. 4)"
	promptDoseCount  = "How many doses do you need?"
	promptStartTime  = "Enter the start time (HH:MM, 24-hour)."
	promptLookup     = "Enter the generic name of the medication you want to look up."

	invalidFrequency = "Please enter a whole number of hours, 1 or more, for the frequency."
	invalidDoseCount = "Please enter a whole number, 1 or more, for the number of doses."
	invalidStartTime = "Please enter a valid time in HH:MM format (e.g. 20:00)."

	remindersSet      = "✅ Reminders set for: %s"
	askMedicationInfo = "Would you like information about this medication?"
	schedulingFailed  = "❌ I couldn't schedule that reminder. Nothing was saved, please try again."
	flowLost          = "I lost track of that reminder. Please start again."
	noDrugInfo        = "❌ No information found for that medication."

	limitReached = "❌ You have reached the limit of %d reminders.\n" +
		"Upgrade to Premium for unlimited reminders!\n\n" +
		"Choose '5. Go premium' for more information."
	premiumRedirect = "⭐ To subscribe to Premium, please complete the form on our website:\n%s"
	alreadyPremium  = "⭐ You are already a Premium user."

	noReminders         = "📭 You have no active reminders."
	noRemindersToDelete = "📭 You have no active reminders to delete."
	promptDeleteChoice  = "Reply with the number of the reminder you want to delete, or Cancel."
	invalidDeleteChoice = "❌ Please enter only the number of the reminder."
	unknownDeleteChoice = "❌ That number is not in the list. Try again, or reply Cancel."
	deletionCancelled   = "Deletion cancelled."
	reminderDeleted     = "✅ Reminder deleted."
	reminderGone        = "That reminder no longer exists."
)

func menuReply(text string) Reply {
	return Reply{Text: text, Keyboard: menuKeyboard}
}

// parseMenuChoice accepts "3. My reminders", "My reminders", "3" or "3.".
func parseMenuChoice(text string) (menuChoice, bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return 0, false
	}
	for choice, label := range menuLabels {
		number := string(rune('0' + int(choice)))
		switch lower {
		case number, number + ".", number + ". " + strings.ToLower(label), strings.ToLower(label):
			return choice, true
		}
	}
	return 0, false
}
