package services

import (
	"context"
	"testing"

	"deskflow/internal/events"
	"deskflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newConversationTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	err = db.AutoMigrate(
		&models.User{},
		&models.Team{},
		&models.Tag{},
		&models.Conversation{},
		&models.SlaPolicy{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return db
}

func newWiredConversationService(t *testing.T) (*ConversationService, *[]events.Event) {
	t.Helper()

	db := newConversationTestDB(t)
	service := NewConversationService(db, logrus.New())
	bus := events.NewBus(nil)
	service.SetEventBus(bus)

	captured := &[]events.Event{}
	for _, eventType := range events.AllConversationTypes {
		bus.Subscribe(eventType, func(ctx context.Context, ev events.Event) error {
			*captured = append(*captured, ev)
			return nil
		})
	}

	return service, captured
}

func TestConversationService_Create(t *testing.T) {
	service, captured := newWiredConversationService(t)

	conversation, err := service.Create(context.Background(), &ConversationCreateRequest{
		Subject:   "Printer on fire",
		ContactID: "contact-1",
		Priority:  models.PriorityHigh,
	}, "agent-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if conversation.Status != models.StatusOpen {
		t.Errorf("Expected status open, got %s", conversation.Status)
	}
	if len(*captured) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(*captured))
	}
	ev := (*captured)[0]
	if ev.Type != events.ConversationCreated {
		t.Errorf("Expected conversation.created, got %s", ev.Type)
	}
	if ev.ConversationID != conversation.ID {
		t.Errorf("Expected conversation id %d, got %d", conversation.ID, ev.ConversationID)
	}
	if ev.ActorID != "agent-1" {
		t.Errorf("Expected actor agent-1, got %s", ev.ActorID)
	}
	if ev.CascadeDepth != 0 {
		t.Errorf("Expected cascade depth 0, got %d", ev.CascadeDepth)
	}
}

func TestConversationService_Create_InvalidPriority(t *testing.T) {
	service, captured := newWiredConversationService(t)

	_, err := service.Create(context.Background(), &ConversationCreateRequest{
		ContactID: "contact-1",
		Priority:  "urgent",
	}, "agent-1")
	if err == nil {
		t.Fatal("Expected error for invalid priority")
	}
	if len(*captured) != 0 {
		t.Errorf("Expected no events on rejected create, got %d", len(*captured))
	}
}

func TestConversationService_SetStatus(t *testing.T) {
	service, captured := newWiredConversationService(t)

	conversation, err := service.Create(context.Background(), &ConversationCreateRequest{
		ContactID: "contact-1",
	}, "agent-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	*captured = nil

	updated, err := service.SetStatus(context.Background(), conversation.ID, models.StatusSnoozed, "agent-1", 0)
	if err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if updated.Status != models.StatusSnoozed {
		t.Errorf("Expected status snoozed, got %s", updated.Status)
	}

	if len(*captured) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(*captured))
	}
	payload, ok := (*captured)[0].Payload.(events.StatusChangedPayload)
	if !ok {
		t.Fatalf("Expected StatusChangedPayload, got %T", (*captured)[0].Payload)
	}
	if payload.OldStatus != models.StatusOpen || payload.NewStatus != models.StatusSnoozed {
		t.Errorf("Unexpected payload: %+v", payload)
	}

	// Setting the same status again publishes nothing.
	if _, err := service.SetStatus(context.Background(), conversation.ID, models.StatusSnoozed, "agent-1", 0); err != nil {
		t.Fatalf("SetStatus repeat failed: %v", err)
	}
	if len(*captured) != 1 {
		t.Errorf("Expected no event for unchanged status, got %d total", len(*captured))
	}

	if _, err := service.SetStatus(context.Background(), conversation.ID, "archived", "agent-1", 0); err == nil {
		t.Error("Expected error for invalid status")
	}
}

func TestConversationService_SetStatus_ResolvedTimestamp(t *testing.T) {
	service, _ := newWiredConversationService(t)

	conversation, err := service.Create(context.Background(), &ConversationCreateRequest{
		ContactID: "contact-1",
	}, "agent-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	updated, err := service.SetStatus(context.Background(), conversation.ID, models.StatusResolved, "agent-1", 0)
	if err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if updated.ResolvedAt == nil {
		t.Error("Expected resolved_at to be set")
	}
}

func TestConversationService_AssignToUser(t *testing.T) {
	service, captured := newWiredConversationService(t)

	user := models.User{Name: "Alice", Email: "alice@example.com"}
	if err := service.db.Create(&user).Error; err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	conversation, err := service.Create(context.Background(), &ConversationCreateRequest{
		ContactID: "contact-1",
	}, "agent-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	*captured = nil

	updated, err := service.AssignToUser(context.Background(), conversation.ID, user.ID, "agent-2", 0)
	if err != nil {
		t.Fatalf("AssignToUser failed: %v", err)
	}
	if updated.AssignedUserID == nil || *updated.AssignedUserID != user.ID {
		t.Errorf("Expected assigned user %d, got %v", user.ID, updated.AssignedUserID)
	}
	if updated.AssignedBy != "agent-2" {
		t.Errorf("Expected assigned_by agent-2, got %s", updated.AssignedBy)
	}

	if len(*captured) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(*captured))
	}
	payload, ok := (*captured)[0].Payload.(events.AssignmentChangedPayload)
	if !ok {
		t.Fatalf("Expected AssignmentChangedPayload, got %T", (*captured)[0].Payload)
	}
	if payload.AssignedUserID == nil || *payload.AssignedUserID != user.ID {
		t.Errorf("Expected payload user %d, got %v", user.ID, payload.AssignedUserID)
	}
	if payload.AssignedTeamID != nil {
		t.Errorf("Expected nil team in payload, got %v", payload.AssignedTeamID)
	}
}

func TestConversationService_AssignToUser_MissingUser(t *testing.T) {
	service, captured := newWiredConversationService(t)

	conversation, err := service.Create(context.Background(), &ConversationCreateRequest{
		ContactID: "contact-1",
	}, "agent-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	*captured = nil

	_, err = service.AssignToUser(context.Background(), conversation.ID, 999, "agent-1", 0)
	if err != ErrUserNotFound {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
	if len(*captured) != 0 {
		t.Errorf("Expected no events on failed assignment, got %d", len(*captured))
	}
}

func TestConversationService_AssignToTeam(t *testing.T) {
	service, captured := newWiredConversationService(t)

	user := models.User{Name: "Alice", Email: "alice@example.com"}
	if err := service.db.Create(&user).Error; err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	team := models.Team{Name: "Support"}
	if err := service.db.Create(&team).Error; err != nil {
		t.Fatalf("Failed to create team: %v", err)
	}
	conversation, err := service.Create(context.Background(), &ConversationCreateRequest{
		ContactID: "contact-1",
	}, "agent-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := service.AssignToUser(context.Background(), conversation.ID, user.ID, "agent-1", 0); err != nil {
		t.Fatalf("AssignToUser failed: %v", err)
	}
	*captured = nil

	updated, err := service.AssignToTeam(context.Background(), conversation.ID, team.ID, "agent-1", 0)
	if err != nil {
		t.Fatalf("AssignToTeam failed: %v", err)
	}
	if updated.AssignedTeamID == nil || *updated.AssignedTeamID != team.ID {
		t.Errorf("Expected assigned team %d, got %v", team.ID, updated.AssignedTeamID)
	}

	if len(*captured) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(*captured))
	}
	payload, ok := (*captured)[0].Payload.(events.AssignmentChangedPayload)
	if !ok {
		t.Fatalf("Expected AssignmentChangedPayload, got %T", (*captured)[0].Payload)
	}
	// The user assignment survives a team assignment and rides in the payload.
	if payload.AssignedUserID == nil || *payload.AssignedUserID != user.ID {
		t.Errorf("Expected payload to keep user %d, got %v", user.ID, payload.AssignedUserID)
	}
	if payload.AssignedTeamID == nil || *payload.AssignedTeamID != team.ID {
		t.Errorf("Expected payload team %d, got %v", team.ID, payload.AssignedTeamID)
	}
}

func TestConversationService_Unassign(t *testing.T) {
	service, captured := newWiredConversationService(t)

	user := models.User{Name: "Alice", Email: "alice@example.com"}
	if err := service.db.Create(&user).Error; err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	conversation, err := service.Create(context.Background(), &ConversationCreateRequest{
		ContactID: "contact-1",
	}, "agent-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Unassigning an unassigned conversation publishes nothing.
	*captured = nil
	if _, err := service.Unassign(context.Background(), conversation.ID, "agent-1", 0); err != nil {
		t.Fatalf("Unassign failed: %v", err)
	}
	if len(*captured) != 0 {
		t.Errorf("Expected no events for already unassigned conversation, got %d", len(*captured))
	}

	if _, err := service.AssignToUser(context.Background(), conversation.ID, user.ID, "agent-1", 0); err != nil {
		t.Fatalf("AssignToUser failed: %v", err)
	}
	*captured = nil

	updated, err := service.Unassign(context.Background(), conversation.ID, "agent-1", 0)
	if err != nil {
		t.Fatalf("Unassign failed: %v", err)
	}
	if updated.AssignedUserID != nil || updated.AssignedTeamID != nil {
		t.Error("Expected assignments cleared")
	}

	if len(*captured) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(*captured))
	}
	payload, ok := (*captured)[0].Payload.(events.UnassignedPayload)
	if !ok {
		t.Fatalf("Expected UnassignedPayload, got %T", (*captured)[0].Payload)
	}
	if payload.PreviousUserID == nil || *payload.PreviousUserID != user.ID {
		t.Errorf("Expected previous user %d, got %v", user.ID, payload.PreviousUserID)
	}
}

func TestConversationService_SetPriority(t *testing.T) {
	service, captured := newWiredConversationService(t)

	conversation, err := service.Create(context.Background(), &ConversationCreateRequest{
		ContactID: "contact-1",
		Priority:  models.PriorityLow,
	}, "agent-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	*captured = nil

	updated, err := service.SetPriority(context.Background(), conversation.ID, models.PriorityHigh, "agent-1", 0)
	if err != nil {
		t.Fatalf("SetPriority failed: %v", err)
	}
	if updated.Priority != models.PriorityHigh {
		t.Errorf("Expected priority high, got %s", updated.Priority)
	}

	if len(*captured) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(*captured))
	}
	payload, ok := (*captured)[0].Payload.(events.PriorityChangedPayload)
	if !ok {
		t.Fatalf("Expected PriorityChangedPayload, got %T", (*captured)[0].Payload)
	}
	if payload.OldPriority != models.PriorityLow || payload.NewPriority != models.PriorityHigh {
		t.Errorf("Unexpected payload: %+v", payload)
	}

	if _, err := service.SetPriority(context.Background(), conversation.ID, models.PriorityHigh, "agent-1", 0); err != nil {
		t.Fatalf("SetPriority repeat failed: %v", err)
	}
	if len(*captured) != 1 {
		t.Errorf("Expected no event for unchanged priority, got %d total", len(*captured))
	}
}

func TestConversationService_Tags(t *testing.T) {
	service, captured := newWiredConversationService(t)

	conversation, err := service.Create(context.Background(), &ConversationCreateRequest{
		ContactID: "contact-1",
	}, "agent-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	*captured = nil

	// First use of a tag creates it.
	updated, err := service.AddTag(context.Background(), conversation.ID, "vip", "agent-1", 0)
	if err != nil {
		t.Fatalf("AddTag failed: %v", err)
	}
	if len(updated.TagNames()) != 1 || updated.TagNames()[0] != "vip" {
		t.Errorf("Expected tags [vip], got %v", updated.TagNames())
	}
	var tagCount int64
	if err := service.db.Model(&models.Tag{}).Where("name = ?", "vip").Count(&tagCount).Error; err != nil {
		t.Fatalf("Failed to count tags: %v", err)
	}
	if tagCount != 1 {
		t.Errorf("Expected tag row to be created, got %d", tagCount)
	}

	if len(*captured) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(*captured))
	}
	payload, ok := (*captured)[0].Payload.(events.TagsChangedPayload)
	if !ok {
		t.Fatalf("Expected TagsChangedPayload, got %T", (*captured)[0].Payload)
	}
	if len(payload.PreviousTags) != 0 {
		t.Errorf("Expected empty previous tags, got %v", payload.PreviousTags)
	}
	if len(payload.NewTags) != 1 || payload.NewTags[0] != "vip" {
		t.Errorf("Expected new tags [vip], got %v", payload.NewTags)
	}

	// Adding a tag that is already attached publishes nothing.
	if _, err := service.AddTag(context.Background(), conversation.ID, "vip", "agent-1", 0); err != nil {
		t.Fatalf("AddTag repeat failed: %v", err)
	}
	if len(*captured) != 1 {
		t.Errorf("Expected no event for duplicate tag, got %d total", len(*captured))
	}

	updated, err = service.RemoveTag(context.Background(), conversation.ID, "vip", "agent-1", 0)
	if err != nil {
		t.Fatalf("RemoveTag failed: %v", err)
	}
	if len(updated.TagNames()) != 0 {
		t.Errorf("Expected no tags, got %v", updated.TagNames())
	}
	if len(*captured) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(*captured))
	}
	payload, ok = (*captured)[1].Payload.(events.TagsChangedPayload)
	if !ok {
		t.Fatalf("Expected TagsChangedPayload, got %T", (*captured)[1].Payload)
	}
	if len(payload.PreviousTags) != 1 || len(payload.NewTags) != 0 {
		t.Errorf("Unexpected removal payload: %+v", payload)
	}

	if _, err := service.RemoveTag(context.Background(), conversation.ID, "vip", "agent-1", 0); err != nil {
		t.Fatalf("RemoveTag repeat failed: %v", err)
	}
	if len(*captured) != 2 {
		t.Errorf("Expected no event for absent tag, got %d total", len(*captured))
	}
}

func TestConversationService_Messages(t *testing.T) {
	service, captured := newWiredConversationService(t)

	conversation, err := service.Create(context.Background(), &ConversationCreateRequest{
		ContactID: "contact-1",
	}, "agent-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	*captured = nil

	inboundID, err := service.RecordInboundMessage(context.Background(), conversation.ID, "contact-1", 0)
	if err != nil {
		t.Fatalf("RecordInboundMessage failed: %v", err)
	}
	if inboundID == "" {
		t.Error("Expected a generated message id")
	}
	outboundID, err := service.RecordOutboundMessage(context.Background(), conversation.ID, "agent-1", 0)
	if err != nil {
		t.Fatalf("RecordOutboundMessage failed: %v", err)
	}
	if err := service.RecordFailedMessage(context.Background(), conversation.ID, outboundID, 2, 0); err != nil {
		t.Fatalf("RecordFailedMessage failed: %v", err)
	}

	if len(*captured) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(*captured))
	}
	received, ok := (*captured)[0].Payload.(events.MessageReceivedPayload)
	if !ok || received.MessageID != inboundID || received.ContactID != "contact-1" {
		t.Errorf("Unexpected inbound payload: %+v", (*captured)[0].Payload)
	}
	sent, ok := (*captured)[1].Payload.(events.MessageSentPayload)
	if !ok || sent.MessageID != outboundID || sent.AgentID != "agent-1" {
		t.Errorf("Unexpected outbound payload: %+v", (*captured)[1].Payload)
	}
	failed, ok := (*captured)[2].Payload.(events.MessageFailedPayload)
	if !ok || failed.MessageID != outboundID || failed.RetryCount != 2 {
		t.Errorf("Unexpected failure payload: %+v", (*captured)[2].Payload)
	}

	if _, err := service.RecordInboundMessage(context.Background(), 999, "contact-1", 0); err != ErrConversationNotFound {
		t.Errorf("Expected ErrConversationNotFound, got %v", err)
	}
}

func TestConversationService_CascadeDepthPropagation(t *testing.T) {
	service, captured := newWiredConversationService(t)

	conversation, err := service.Create(context.Background(), &ConversationCreateRequest{
		ContactID: "contact-1",
	}, "agent-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	*captured = nil

	if _, err := service.SetStatus(context.Background(), conversation.ID, models.StatusClosed, events.SystemActor, 3); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	if len(*captured) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(*captured))
	}
	if (*captured)[0].CascadeDepth != 3 {
		t.Errorf("Expected cascade depth 3, got %d", (*captured)[0].CascadeDepth)
	}
}

func TestConversationService_CreateTeam(t *testing.T) {
	service, _ := newWiredConversationService(t)

	policy := models.SlaPolicy{Name: "Standard", FirstResponseTime: "30m", NextResponseTime: "1h", ResolutionTime: "8h"}
	if err := service.db.Create(&policy).Error; err != nil {
		t.Fatalf("Failed to create policy: %v", err)
	}

	if _, err := service.CreateTeam(context.Background(), &TeamCreateRequest{
		Name:          "Support",
		BusinessHours: "{not json",
	}); err == nil {
		t.Error("Expected error for malformed business hours")
	}

	missing := uint(999)
	if _, err := service.CreateTeam(context.Background(), &TeamCreateRequest{
		Name:        "Support",
		SlaPolicyID: &missing,
	}); err != ErrPolicyNotFound {
		t.Errorf("Expected ErrPolicyNotFound, got %v", err)
	}

	team, err := service.CreateTeam(context.Background(), &TeamCreateRequest{
		Name:        "Support",
		SlaPolicyID: &policy.ID,
	})
	if err != nil {
		t.Fatalf("CreateTeam failed: %v", err)
	}
	if team.SlaPolicyID == nil || *team.SlaPolicyID != policy.ID {
		t.Errorf("Expected policy %d, got %v", policy.ID, team.SlaPolicyID)
	}

	if _, err := service.CreateTeam(context.Background(), &TeamCreateRequest{Name: "Support"}); err == nil {
		t.Error("Expected error for duplicate team name")
	}

	loaded, err := service.GetTeam(context.Background(), team.ID)
	if err != nil {
		t.Fatalf("GetTeam failed: %v", err)
	}
	if loaded.Name != "Support" {
		t.Errorf("Expected team Support, got %s", loaded.Name)
	}

	if _, err := service.GetTeam(context.Background(), 999); err != ErrTeamNotFound {
		t.Errorf("Expected ErrTeamNotFound, got %v", err)
	}
}
