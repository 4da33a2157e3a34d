package services

import (
	"testing"
	"time"

	"github.com/anjiri1684/lesson_billing/billing"
	"github.com/anjiri1684/lesson_billing/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestCreateLessonValidation(t *testing.T) {
	h := newHarness(t)
	student, tutor := uuid.New(), uuid.New()
	start := h.now.Add(time.Hour)

	tests := []struct {
		name string
		in   LessonInput
		code string
	}{
		{"missing tutor", LessonInput{StudentID: student, Price: dec("50"), StartTime: start, EndTime: start.Add(time.Hour)}, "participants_required"},
		{"self booking", LessonInput{StudentID: student, TutorID: student, Price: dec("50"), StartTime: start, EndTime: start.Add(time.Hour)}, "self_booking"},
		{"zero price", LessonInput{StudentID: student, TutorID: tutor, Price: decimal.Zero, StartTime: start, EndTime: start.Add(time.Hour)}, "invalid_price"},
		{"end before start", LessonInput{StudentID: student, TutorID: tutor, Price: dec("50"), StartTime: start, EndTime: start}, "invalid_schedule"},
		{"metered without rate", LessonInput{StudentID: student, TutorID: tutor, LessonType: models.LessonTypeOfficeHours, Price: dec("30"), StartTime: start, EndTime: start.Add(time.Hour)}, "invalid_rate"},
		{"unknown type", LessonInput{StudentID: student, TutorID: tutor, LessonType: "group", Price: dec("30"), StartTime: start, EndTime: start.Add(time.Hour)}, "invalid_lesson_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.lessons.CreateLesson(h.ctx, tt.in)
			if billing.KindOf(err) != billing.KindValidation || billing.CodeOf(err) != tt.code {
				t.Fatalf("expected validation %s, got %v", tt.code, err)
			}
		})
	}

	l, err := h.lessons.CreateLesson(h.ctx, LessonInput{StudentID: student, TutorID: tutor, Price: dec("49.999"), StartTime: start, EndTime: start.Add(time.Hour)})
	if err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}
	if l.LessonType != models.LessonTypeStandard || !l.Price.Equal(dec("50")) || l.Status != models.LessonScheduled {
		t.Fatalf("unexpected lesson %+v", l)
	}
}

func TestCallLifecycleCapturesAndCompletes(t *testing.T) {
	h := newHarness(t)
	l := h.lesson("50")
	h.directAccount(l.TutorID)
	p := h.bookCard(l)

	for _, signal := range []string{SignalTutorJoined, SignalStudentJoined} {
		if _, err := h.lessons.RecordAttendance(h.ctx, l.ID, signal, l.StartTime); err != nil {
			t.Fatalf("%s: %v", signal, err)
		}
	}
	started, err := h.lessons.RecordAttendance(h.ctx, l.ID, SignalCallStarted, l.StartTime)
	if err != nil {
		t.Fatalf("call start: %v", err)
	}
	if started.Status != models.LessonInProgress {
		t.Fatalf("expected in progress, got %s", started.Status)
	}
	if got := h.payment(p.ID); !got.IsCaptured() || !got.ChargedAmount.Equal(dec("50")) {
		t.Fatalf("expected capture at call start, got %s", got.Status)
	}

	ended, err := h.lessons.RecordAttendance(h.ctx, l.ID, SignalCallEnded, l.EndTime)
	if err != nil {
		t.Fatalf("call end: %v", err)
	}
	if ended.Status != models.LessonCompleted || !ended.RevenueRecognized {
		t.Fatalf("expected completed and recognized, got %s recognized=%v", ended.Status, ended.RevenueRecognized)
	}
	if ended.ActualDurationMinutes == nil || *ended.ActualDurationMinutes != 60 {
		t.Fatalf("expected 60 minutes, got %v", ended.ActualDurationMinutes)
	}
	if n := len(h.processor.Transfers()); n != 1 {
		t.Fatalf("expected the tutor paid once, got %d transfers", n)
	}
}

func TestCallEndedEarlyWaitsForScheduledEnd(t *testing.T) {
	h := newHarness(t)
	l := h.lesson("50")
	h.mutateLesson(l.ID, func(l *models.Lesson) {
		l.StartTime = h.now.Add(-10 * time.Minute)
		l.EndTime = h.now.Add(50 * time.Minute)
	})
	p := h.bookCard(l)

	if _, err := h.lessons.RecordAttendance(h.ctx, l.ID, SignalCallStarted, h.now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("call start: %v", err)
	}
	ended, err := h.lessons.RecordAttendance(h.ctx, l.ID, SignalCallEnded, h.now)
	if err != nil {
		t.Fatalf("call end: %v", err)
	}
	if ended.Status != models.LessonEndedEarly {
		t.Fatalf("expected ended early, got %s", ended.Status)
	}
	if got := h.payment(p.ID); got.RevenueRecognized {
		t.Fatal("expected recognition to wait for the scheduled end")
	}
}

func TestRecordAttendanceRejects(t *testing.T) {
	h := newHarness(t)
	l := h.lesson("50")

	if _, err := h.lessons.RecordAttendance(h.ctx, l.ID, SignalCallEnded, h.now); billing.CodeOf(err) != "call_not_started" {
		t.Fatalf("expected call_not_started, got %v", err)
	}
	if _, err := h.lessons.RecordAttendance(h.ctx, l.ID, "screen_shared", h.now); billing.CodeOf(err) != "invalid_signal" {
		t.Fatalf("expected invalid_signal, got %v", err)
	}
	if _, err := h.lessons.RecordAttendance(h.ctx, uuid.New(), SignalTutorJoined, h.now); billing.CodeOf(err) != "lesson_not_found" {
		t.Fatalf("expected lesson_not_found, got %v", err)
	}
}
