package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"deskflow/internal/events"
	"deskflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newSLATestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{}, &models.Team{}, &models.Tag{}, &models.Conversation{},
		&models.SlaPolicy{}, &models.AppliedSla{}, &models.SlaEvent{}, &models.Holiday{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func seedPolicy(t *testing.T, db *gorm.DB) *models.SlaPolicy {
	policy := &models.SlaPolicy{
		Name:              "Standard",
		FirstResponseTime: "30m",
		NextResponseTime:  "1h",
		ResolutionTime:    "8h",
	}
	if err := db.Create(policy).Error; err != nil {
		t.Fatalf("failed to insert policy: %v", err)
	}
	return policy
}

func seedConversation(t *testing.T, db *gorm.DB) *models.Conversation {
	conversation := &models.Conversation{
		Subject:   "Printer on fire",
		ContactID: "contact-1",
		Status:    models.StatusOpen,
	}
	if err := db.Create(conversation).Error; err != nil {
		t.Fatalf("failed to insert conversation: %v", err)
	}
	return conversation
}

func TestSLAService_ApplySla(t *testing.T) {
	db := newSLATestDB(t)
	svc := NewSLAService(db, logrus.New())

	policy := seedPolicy(t, db)
	conversation := seedConversation(t, db)

	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	applied, err := svc.ApplySla(context.Background(), conversation.ID, policy.ID, base)
	if err != nil {
		t.Fatalf("ApplySla failed: %v", err)
	}
	if applied.Status != models.SlaStatusPending {
		t.Fatalf("expected pending applied SLA, got %s", applied.Status)
	}

	var rows []models.SlaEvent
	if err := db.Where("applied_sla_id = ?", applied.ID).Find(&rows).Error; err != nil {
		t.Fatalf("failed to load SLA events: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 SLA events, got %d", len(rows))
	}

	byType := map[string]models.SlaEvent{}
	for _, row := range rows {
		if row.Status != models.SlaStatusPending {
			t.Fatalf("expected pending %s event, got %s", row.EventType, row.Status)
		}
		byType[row.EventType] = row
	}
	for _, want := range []string{models.SlaEventFirstResponse, models.SlaEventNextResponse, models.SlaEventResolution} {
		if _, ok := byType[want]; !ok {
			t.Fatalf("missing %s event", want)
		}
	}

	// No team calendar: a 24/7 clock runs wall time from the base instant.
	wantFirst := base.Add(30 * time.Minute)
	if !byType[models.SlaEventFirstResponse].DeadlineAt.Equal(wantFirst) {
		t.Fatalf("first_response deadline %s, want %s", byType[models.SlaEventFirstResponse].DeadlineAt, wantFirst)
	}
	wantResolution := base.Add(8 * time.Hour)
	if !byType[models.SlaEventResolution].DeadlineAt.Equal(wantResolution) {
		t.Fatalf("resolution deadline %s, want %s", byType[models.SlaEventResolution].DeadlineAt, wantResolution)
	}
}

func TestSLAService_ApplySla_AlreadyApplied(t *testing.T) {
	db := newSLATestDB(t)
	svc := NewSLAService(db, logrus.New())

	policy := seedPolicy(t, db)
	conversation := seedConversation(t, db)

	if _, err := svc.ApplySla(context.Background(), conversation.ID, policy.ID, time.Now().UTC()); err != nil {
		t.Fatalf("first ApplySla failed: %v", err)
	}

	if _, err := svc.ApplySla(context.Background(), conversation.ID, policy.ID, time.Now().UTC()); !errors.Is(err, ErrSlaAlreadyApplied) {
		t.Fatalf("expected ErrSlaAlreadyApplied, got %v", err)
	}
}

func TestSLAService_ApplySla_MissingReferences(t *testing.T) {
	db := newSLATestDB(t)
	svc := NewSLAService(db, logrus.New())

	conversation := seedConversation(t, db)
	if _, err := svc.ApplySla(context.Background(), conversation.ID, 999, time.Now().UTC()); !errors.Is(err, ErrPolicyNotFound) {
		t.Fatalf("expected ErrPolicyNotFound, got %v", err)
	}

	policy := seedPolicy(t, db)
	if _, err := svc.ApplySla(context.Background(), 999, policy.ID, time.Now().UTC()); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestSLAService_ApplySlaUsesTeamCalendar(t *testing.T) {
	db := newSLATestDB(t)
	svc := NewSLAService(db, logrus.New())

	policy := seedPolicy(t, db)

	raw, err := json.Marshal(weekdayHours())
	if err != nil {
		t.Fatalf("failed to marshal business hours: %v", err)
	}
	team := &models.Team{Name: "Support", BusinessHours: string(raw)}
	if err := db.Create(team).Error; err != nil {
		t.Fatalf("failed to insert team: %v", err)
	}

	conversation := &models.Conversation{
		Subject:        "Calendar check",
		ContactID:      "contact-2",
		Status:         models.StatusOpen,
		AssignedTeamID: &team.ID,
	}
	if err := db.Create(conversation).Error; err != nil {
		t.Fatalf("failed to insert conversation: %v", err)
	}

	applied, err := svc.ApplySla(context.Background(), conversation.ID, policy.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("ApplySla failed: %v", err)
	}

	var first models.SlaEvent
	if err := db.Where("applied_sla_id = ? AND event_type = ?", applied.ID, models.SlaEventFirstResponse).First(&first).Error; err != nil {
		t.Fatalf("failed to load first_response event: %v", err)
	}

	// Deadlines land inside an open window or exactly on its closing edge,
	// never in the middle of a night or weekend.
	cal, err := NewBusinessCalendar(weekdayHours(), nil)
	if err != nil {
		t.Fatalf("NewBusinessCalendar: %v", err)
	}
	deadline := first.DeadlineAt
	if !cal.IsBusinessTime(deadline) && !cal.IsBusinessTime(deadline.Add(-time.Minute)) {
		t.Fatalf("deadline %s outside business hours", deadline)
	}
	if !deadline.After(time.Now().UTC().Add(-time.Minute)) {
		t.Fatalf("deadline %s not in the future", deadline)
	}
}

func TestSLAService_GetByConversation_NoSla(t *testing.T) {
	db := newSLATestDB(t)
	svc := NewSLAService(db, logrus.New())

	conversation := seedConversation(t, db)
	applied, err := svc.GetByConversation(context.Background(), conversation.ID)
	if err != nil {
		t.Fatalf("GetByConversation failed: %v", err)
	}
	if applied != nil {
		t.Fatalf("expected nil applied SLA, got %+v", applied)
	}
}

func TestSLAService_MarkMet(t *testing.T) {
	db := newSLATestDB(t)
	svc := NewSLAService(db, logrus.New())

	policy := seedPolicy(t, db)
	conversation := seedConversation(t, db)
	applied, err := svc.ApplySla(context.Background(), conversation.ID, policy.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("ApplySla failed: %v", err)
	}

	replyAt := time.Now().UTC()
	if err := svc.MarkMet(context.Background(), conversation.ID, models.SlaEventFirstResponse, replyAt); err != nil {
		t.Fatalf("MarkMet failed: %v", err)
	}

	var row models.SlaEvent
	if err := db.Where("applied_sla_id = ? AND event_type = ?", applied.ID, models.SlaEventFirstResponse).First(&row).Error; err != nil {
		t.Fatalf("failed to load first_response event: %v", err)
	}
	if row.Status != models.SlaStatusMet || row.MetAt == nil {
		t.Fatalf("expected met first_response with met_at, got status=%s met_at=%v", row.Status, row.MetAt)
	}

	// other clocks still run, so the rollup stays pending
	var fresh models.AppliedSla
	if err := db.First(&fresh, applied.ID).Error; err != nil {
		t.Fatalf("failed to reload applied SLA: %v", err)
	}
	if fresh.Status != models.SlaStatusPending {
		t.Fatalf("expected pending rollup, got %s", fresh.Status)
	}

	// marking a settled event again is a no-op, even with a later instant
	metAt := *row.MetAt
	if err := svc.MarkMet(context.Background(), conversation.ID, models.SlaEventFirstResponse, replyAt.Add(time.Hour)); err != nil {
		t.Fatalf("repeat MarkMet failed: %v", err)
	}
	var again models.SlaEvent
	if err := db.First(&again, row.ID).Error; err != nil {
		t.Fatalf("failed to reload event: %v", err)
	}
	if again.Status != models.SlaStatusMet || !again.MetAt.Equal(metAt) {
		t.Fatalf("repeat MarkMet changed the row: status=%s met_at=%v", again.Status, again.MetAt)
	}
}

func TestSLAService_MarkMet_RollupAllMet(t *testing.T) {
	db := newSLATestDB(t)
	svc := NewSLAService(db, logrus.New())

	policy := seedPolicy(t, db)
	conversation := seedConversation(t, db)
	applied, err := svc.ApplySla(context.Background(), conversation.ID, policy.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("ApplySla failed: %v", err)
	}

	for _, eventType := range []string{models.SlaEventFirstResponse, models.SlaEventNextResponse, models.SlaEventResolution} {
		if err := svc.MarkMet(context.Background(), conversation.ID, eventType, time.Now().UTC()); err != nil {
			t.Fatalf("MarkMet(%s) failed: %v", eventType, err)
		}
	}

	var fresh models.AppliedSla
	if err := db.First(&fresh, applied.ID).Error; err != nil {
		t.Fatalf("failed to reload applied SLA: %v", err)
	}
	if fresh.Status != models.SlaStatusMet {
		t.Fatalf("expected met rollup, got %s", fresh.Status)
	}
}

func TestSLAService_AgentReplySettlesResponseClocks(t *testing.T) {
	db := newSLATestDB(t)
	svc := NewSLAService(db, logrus.New())
	bus := events.NewBus(nil)
	svc.RegisterEventHandlers(bus)

	policy := seedPolicy(t, db)
	conversation := seedConversation(t, db)
	applied, err := svc.ApplySla(context.Background(), conversation.ID, policy.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("ApplySla failed: %v", err)
	}

	bus.Publish(context.Background(), events.Event{
		Type:           events.ConversationMessageSent,
		ConversationID: conversation.ID,
		ActorID:        "agent-7",
		Payload:        events.MessageSentPayload{MessageID: "m-1", AgentID: "agent-7"},
	})

	statuses := map[string]string{}
	var rows []models.SlaEvent
	if err := db.Where("applied_sla_id = ?", applied.ID).Find(&rows).Error; err != nil {
		t.Fatalf("failed to load SLA events: %v", err)
	}
	for _, row := range rows {
		statuses[row.EventType] = row.Status
	}

	if statuses[models.SlaEventFirstResponse] != models.SlaStatusMet {
		t.Fatalf("expected met first_response, got %s", statuses[models.SlaEventFirstResponse])
	}
	if statuses[models.SlaEventNextResponse] != models.SlaStatusMet {
		t.Fatalf("expected met next_response, got %s", statuses[models.SlaEventNextResponse])
	}
	if statuses[models.SlaEventResolution] != models.SlaStatusPending {
		t.Fatalf("expected pending resolution, got %s", statuses[models.SlaEventResolution])
	}
}

func TestSLAService_InboundMessageNextResponseClock(t *testing.T) {
	db := newSLATestDB(t)
	svc := NewSLAService(db, logrus.New())
	bus := events.NewBus(nil)
	svc.RegisterEventHandlers(bus)

	policy := seedPolicy(t, db)
	conversation := seedConversation(t, db)
	applied, err := svc.ApplySla(context.Background(), conversation.ID, policy.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("ApplySla failed: %v", err)
	}

	// a pending next_response clock already runs, so an inbound message
	// must not start a second one
	bus.Publish(context.Background(), events.Event{
		Type:           events.ConversationMessageReceived,
		ConversationID: conversation.ID,
		ActorID:        "contact-1",
		Payload:        events.MessageReceivedPayload{MessageID: "m-1", ContactID: "contact-1"},
	})

	var count int64
	if err := db.Model(&models.SlaEvent{}).
		Where("applied_sla_id = ? AND event_type = ?", applied.ID, models.SlaEventNextResponse).
		Count(&count).Error; err != nil {
		t.Fatalf("failed to count next_response events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single next_response event, got %d", count)
	}

	// agent reply settles the clock; the next inbound message starts a new one
	bus.Publish(context.Background(), events.Event{
		Type:           events.ConversationMessageSent,
		ConversationID: conversation.ID,
		ActorID:        "agent-7",
		Payload:        events.MessageSentPayload{MessageID: "m-2", AgentID: "agent-7"},
	})
	bus.Publish(context.Background(), events.Event{
		Type:           events.ConversationMessageReceived,
		ConversationID: conversation.ID,
		ActorID:        "contact-1",
		Payload:        events.MessageReceivedPayload{MessageID: "m-3", ContactID: "contact-1"},
	})

	var rows []models.SlaEvent
	if err := db.Where("applied_sla_id = ? AND event_type = ?", applied.ID, models.SlaEventNextResponse).
		Order("id").Find(&rows).Error; err != nil {
		t.Fatalf("failed to load next_response events: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected two next_response events, got %d", len(rows))
	}
	if rows[0].Status != models.SlaStatusMet {
		t.Fatalf("expected first clock met, got %s", rows[0].Status)
	}
	if rows[1].Status != models.SlaStatusPending {
		t.Fatalf("expected second clock pending, got %s", rows[1].Status)
	}
}

func TestSLAService_ResolveSettlesResolutionClock(t *testing.T) {
	db := newSLATestDB(t)
	svc := NewSLAService(db, logrus.New())
	bus := events.NewBus(nil)
	svc.RegisterEventHandlers(bus)

	policy := seedPolicy(t, db)
	conversation := seedConversation(t, db)
	applied, err := svc.ApplySla(context.Background(), conversation.ID, policy.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("ApplySla failed: %v", err)
	}

	bus.Publish(context.Background(), events.Event{
		Type:           events.ConversationStatusChanged,
		ConversationID: conversation.ID,
		ActorID:        "agent-7",
		Payload:        events.StatusChangedPayload{OldStatus: models.StatusOpen, NewStatus: models.StatusResolved},
	})

	var row models.SlaEvent
	if err := db.Where("applied_sla_id = ? AND event_type = ?", applied.ID, models.SlaEventResolution).First(&row).Error; err != nil {
		t.Fatalf("failed to load resolution event: %v", err)
	}
	if row.Status != models.SlaStatusMet {
		t.Fatalf("expected met resolution, got %s", row.Status)
	}
}

func TestSLAService_AutoApplyOnTeamAssignment(t *testing.T) {
	db := newSLATestDB(t)
	svc := NewSLAService(db, logrus.New())
	bus := events.NewBus(nil)
	svc.RegisterEventHandlers(bus)

	policy := seedPolicy(t, db)
	team := &models.Team{Name: "Support", SlaPolicyID: &policy.ID}
	if err := db.Create(team).Error; err != nil {
		t.Fatalf("failed to insert team: %v", err)
	}
	conversation := seedConversation(t, db)

	assignment := events.Event{
		Type:           events.ConversationAssigned,
		ConversationID: conversation.ID,
		ActorID:        "agent-1",
		Payload:        events.AssignmentChangedPayload{AssignedTeamID: &team.ID},
	}
	bus.Publish(context.Background(), assignment)

	applied, err := svc.GetByConversation(context.Background(), conversation.ID)
	if err != nil {
		t.Fatalf("GetByConversation failed: %v", err)
	}
	if applied == nil || applied.SlaPolicyID != policy.ID {
		t.Fatalf("expected auto-applied SLA for policy %d, got %+v", policy.ID, applied)
	}

	// a second assignment event must not duplicate the SLA
	bus.Publish(context.Background(), assignment)

	var count int64
	if err := db.Model(&models.AppliedSla{}).Where("conversation_id = ?", conversation.ID).Count(&count).Error; err != nil {
		t.Fatalf("failed to count applied SLAs: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one applied SLA, got %d", count)
	}
}

func TestSLAService_CreatePolicy_RejectsBadDuration(t *testing.T) {
	db := newSLATestDB(t)
	svc := NewSLAService(db, logrus.New())

	_, err := svc.CreatePolicy(context.Background(), &SlaPolicyCreateRequest{
		Name:              "Broken",
		FirstResponseTime: "45x",
		NextResponseTime:  "1h",
		ResolutionTime:    "8h",
	})
	if !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
}

func TestSLAService_DeletePolicy_InUse(t *testing.T) {
	db := newSLATestDB(t)
	svc := NewSLAService(db, logrus.New())

	policy := seedPolicy(t, db)
	conversation := seedConversation(t, db)
	if _, err := svc.ApplySla(context.Background(), conversation.ID, policy.ID, time.Now().UTC()); err != nil {
		t.Fatalf("ApplySla failed: %v", err)
	}

	if err := svc.DeletePolicy(context.Background(), policy.ID); err == nil {
		t.Fatalf("expected error deleting a policy in use")
	}
}
