package billing

import "github.com/anjiri1684/lesson_billing/models"

var lessonTransitions = map[models.LessonStatus][]models.LessonStatus{
	models.LessonScheduled:  {models.LessonInProgress, models.LessonCancelled, models.LessonCompleted},
	models.LessonInProgress: {models.LessonCompleted, models.LessonEndedEarly, models.LessonCancelled},
	models.LessonEndedEarly: {models.LessonCompleted, models.LessonCancelled},
}

var billingTransitions = map[models.BillingStatus][]models.BillingStatus{
	models.BillingPending:    {models.BillingAuthorized, models.BillingNoShow, models.BillingRefunded},
	models.BillingAuthorized: {models.BillingCharged, models.BillingNoShow, models.BillingRefunded},
	models.BillingCharged:    {models.BillingRefunded},
}

// CanTransition reports whether a lesson may move from one status to another.
// scheduled -> completed is allowed only for the sweep, which finalizes lessons whose
// start signal was never recorded.
func CanTransition(from, to models.LessonStatus) bool {
	for _, s := range lessonTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func CanTransitionBilling(from, to models.BillingStatus) bool {
	if from == to {
		return true
	}
	for _, s := range billingTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NonTerminalLessonStatuses are the statuses the auto-finalization sweep picks up.
var NonTerminalLessonStatuses = []models.LessonStatus{
	models.LessonScheduled,
	models.LessonInProgress,
	models.LessonEndedEarly,
}
