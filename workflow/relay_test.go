package workflow

import (
	"context"
	"errors"
	"testing"

	"bitbucket.org/atelierworks/bridge_backend/models"
	"bitbucket.org/atelierworks/bridge_backend/store"
	"bitbucket.org/atelierworks/bridge_backend/utils"
	"gorm.io/gorm"
)

func outboundRows(t *testing.T, db *gorm.DB, orderId string) []models.OutboundMessage {
	t.Helper()
	var rows []models.OutboundMessage
	if err := db.Where("order_id = ?", orderId).Order("id ASC").Find(&rows).Error; err != nil {
		t.Fatalf("load outbound rows: %v", err)
	}
	return rows
}

func TestRouteChatMessageGuildToMessaging(t *testing.T) {
	db := newTestDB(t)
	router := NewRelayRouter(db, newTestLogger())
	ctx := context.Background()

	if _, err := store.ResolveOrCreate(ctx, db, "2001"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// The customer wrote from messaging first, so the relay has a recipient.
	if err := store.AttachThreadRef(ctx, db, "2001", models.PlatformMessaging, "m-2001"); err != nil {
		t.Fatalf("bind messaging: %v", err)
	}

	err := router.RouteChatMessage(ctx, ChatMessage{
		EventId:     "chat-1",
		Platform:    models.PlatformGuild,
		ThreadRef:   "g-2001",
		OrderIdHint: "2001",
		SenderName:  "Aoi",
		Body:        "engraving proof attached",
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}

	rows := outboundRows(t, db, "2001")
	if len(rows) != 1 {
		t.Fatalf("expected 1 outbound row, got %d", len(rows))
	}
	row := rows[0]
	if row.TargetPlatform != models.PlatformMessaging {
		t.Fatalf("wrong target: %s", row.TargetPlatform)
	}
	if row.Kind != models.OutboundKindRelay {
		t.Fatalf("wrong kind: %s", row.Kind)
	}
	if row.Body != "Aoi: engraving proof attached" {
		t.Fatalf("wrong body: %q", row.Body)
	}
	if utils.DereferencePtr(row.ThreadRef) != "m-2001" {
		t.Fatalf("wrong thread ref: %v", row.ThreadRef)
	}

	// The source ref got bound as a side effect.
	thread, _ := store.FindByOrderId(ctx, db, "2001")
	if utils.DereferencePtr(thread.GuildThreadRef) != "g-2001" {
		t.Fatal("guild thread ref not bound on first contact")
	}
}

func TestRouteChatMessageReplayProducesOneRow(t *testing.T) {
	db := newTestDB(t)
	router := NewRelayRouter(db, newTestLogger())
	ctx := context.Background()

	if _, err := store.ResolveOrCreate(ctx, db, "2002"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := store.AttachThreadRef(ctx, db, "2002", models.PlatformMessaging, "m-2002"); err != nil {
		t.Fatalf("bind messaging: %v", err)
	}

	msg := ChatMessage{
		EventId:     "chat-2",
		Platform:    models.PlatformGuild,
		ThreadRef:   "g-2002",
		OrderIdHint: "2002",
		Body:        "hello",
	}
	for i := 0; i < 3; i++ {
		if err := router.RouteChatMessage(ctx, msg); err != nil {
			t.Fatalf("route attempt %d: %v", i+1, err)
		}
	}

	if rows := outboundRows(t, db, "2002"); len(rows) != 1 {
		t.Fatalf("replays created %d rows, want 1", len(rows))
	}
}

func TestRouteChatMessageSkipsUnboundMessagingTarget(t *testing.T) {
	db := newTestDB(t)
	router := NewRelayRouter(db, newTestLogger())
	ctx := context.Background()

	if _, err := store.ResolveOrCreate(ctx, db, "2003"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	err := router.RouteChatMessage(ctx, ChatMessage{
		EventId:     "chat-3",
		Platform:    models.PlatformGuild,
		ThreadRef:   "g-2003",
		OrderIdHint: "2003",
		Body:        "any word from the customer?",
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if rows := outboundRows(t, db, "2003"); len(rows) != 0 {
		t.Fatalf("push platform has no recipient yet, want 0 rows, got %d", len(rows))
	}

	// The skip is recorded; the redelivery stays silent too.
	if err := router.RouteChatMessage(ctx, ChatMessage{
		EventId:     "chat-3",
		Platform:    models.PlatformGuild,
		ThreadRef:   "g-2003",
		OrderIdHint: "2003",
		Body:        "any word from the customer?",
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
}

func TestRouteChatMessageThreadConflictAlertsOperator(t *testing.T) {
	db := newTestDB(t)
	router := NewRelayRouter(db, newTestLogger())
	ctx := context.Background()

	if _, err := store.ResolveOrCreate(ctx, db, "2004"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := store.AttachThreadRef(ctx, db, "2004", models.PlatformGuild, "g-first"); err != nil {
		t.Fatalf("bind guild: %v", err)
	}

	err := router.RouteChatMessage(ctx, ChatMessage{
		EventId:     "chat-4",
		Platform:    models.PlatformGuild,
		ThreadRef:   "g-second",
		OrderIdHint: "2004",
		Body:        "stray",
	})
	if !errors.Is(err, utils.ErrThreadConflict) {
		t.Fatalf("expected thread conflict, got %v", err)
	}

	rows := outboundRows(t, db, "2004")
	if len(rows) != 1 || rows[0].Kind != models.OutboundKindOperatorAlert {
		t.Fatalf("expected a single operator alert row, got %+v", rows)
	}
}

func TestRouteChatMessageUnknownThread(t *testing.T) {
	db := newTestDB(t)
	router := NewRelayRouter(db, newTestLogger())

	err := router.RouteChatMessage(context.Background(), ChatMessage{
		EventId:   "chat-5",
		Platform:  models.PlatformMessaging,
		ThreadRef: "m-unknown",
		Body:      "hi",
	})
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected record not found, got %v", err)
	}
}

func TestEmitJobResultSuccessNotifiesBoundThreads(t *testing.T) {
	db := newTestDB(t)
	router := NewRelayRouter(db, newTestLogger())
	ctx := context.Background()

	if _, err := store.ResolveOrCreate(ctx, db, "2005"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := store.AttachThreadRef(ctx, db, "2005", models.PlatformMessaging, "m-2005"); err != nil {
		t.Fatalf("bind messaging: %v", err)
	}

	job := &models.ProcessingJob{ID: 7, OrderId: "2005", AttemptCount: 1, Status: models.ProcessingStateSucceeded}
	outcome := JobOutcome{Succeeded: true, ResultURL: "https://designs.example/abc"}
	if err := router.EmitJobResult(ctx, job, outcome); err != nil {
		t.Fatalf("emit: %v", err)
	}
	// Redelivery of the same terminal verdict adds nothing.
	if err := router.EmitJobResult(ctx, job, outcome); err != nil {
		t.Fatalf("emit replay: %v", err)
	}

	rows := outboundRows(t, db, "2005")
	if len(rows) != 2 {
		t.Fatalf("expected guild + messaging rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.Kind != models.OutboundKindJobSuccess {
			t.Fatalf("wrong kind: %s", row.Kind)
		}
	}
	// Guild has no thread yet; its row is created unbound and the outbox
	// dispatcher opens the thread at delivery time.
	if rows[0].TargetPlatform != models.PlatformGuild || rows[0].ThreadRef != nil {
		t.Fatalf("guild row should be unbound: %+v", rows[0])
	}
}

func TestEmitJobResultFailureGoesToOperator(t *testing.T) {
	db := newTestDB(t)
	router := NewRelayRouter(db, newTestLogger())
	ctx := context.Background()

	if _, err := store.ResolveOrCreate(ctx, db, "2006"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	job := &models.ProcessingJob{ID: 8, OrderId: "2006", AttemptCount: 5, Status: models.ProcessingStateFailed}
	if err := router.EmitJobResult(ctx, job, JobOutcome{Succeeded: false, Reason: "upstream 500"}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	rows := outboundRows(t, db, "2006")
	// No bound threads at all: the operator alert is the only row, and the
	// failure detail never reaches a customer-facing body.
	if len(rows) != 1 {
		t.Fatalf("expected only the operator alert, got %d rows", len(rows))
	}
	if rows[0].Kind != models.OutboundKindOperatorAlert {
		t.Fatalf("wrong kind: %s", rows[0].Kind)
	}
}

func TestEmitJobResultFailureAlertsOperatorOnce(t *testing.T) {
	db := newTestDB(t)
	router := NewRelayRouter(db, newTestLogger())
	ctx := context.Background()

	if _, err := store.ResolveOrCreate(ctx, db, "2008"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	job := &models.ProcessingJob{ID: 10, OrderId: "2008", AttemptCount: 1, Status: models.ProcessingStateFailed}
	outcome := JobOutcome{Succeeded: false, Reason: "upstream 500"}
	if err := router.EmitJobResult(ctx, job, outcome); err != nil {
		t.Fatalf("emit: %v", err)
	}
	// Redelivering the same terminal verdict must not page twice.
	if err := router.EmitJobResult(ctx, job, outcome); err != nil {
		t.Fatalf("emit replay: %v", err)
	}

	rows := outboundRows(t, db, "2008")
	if len(rows) != 1 || rows[0].Kind != models.OutboundKindOperatorAlert {
		t.Fatalf("expected a single operator alert, got %+v", rows)
	}

	// A new retry cycle is a fresh failure and a fresh page.
	job.AttemptCount = 2
	if err := router.EmitJobResult(ctx, job, outcome); err != nil {
		t.Fatalf("second cycle emit: %v", err)
	}
	if rows := outboundRows(t, db, "2008"); len(rows) != 2 {
		t.Fatalf("expected one alert per retry cycle, got %d rows", len(rows))
	}
}

func TestEmitJobResultRetryCycleNotifiesAgain(t *testing.T) {
	db := newTestDB(t)
	router := NewRelayRouter(db, newTestLogger())
	ctx := context.Background()

	if _, err := store.ResolveOrCreate(ctx, db, "2007"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := store.AttachThreadRef(ctx, db, "2007", models.PlatformMessaging, "m-2007"); err != nil {
		t.Fatalf("bind messaging: %v", err)
	}

	job := &models.ProcessingJob{ID: 9, OrderId: "2007", AttemptCount: 2}
	if err := router.EmitJobResult(ctx, job, JobOutcome{Succeeded: true, ResultURL: "u1"}); err != nil {
		t.Fatalf("first emit: %v", err)
	}
	// A manual retry bumps the attempt count, which keys a fresh notification.
	job.AttemptCount = 3
	if err := router.EmitJobResult(ctx, job, JobOutcome{Succeeded: true, ResultURL: "u2"}); err != nil {
		t.Fatalf("second emit: %v", err)
	}

	if rows := outboundRows(t, db, "2007"); len(rows) != 4 {
		t.Fatalf("expected 2 rows per cycle, got %d total", len(rows))
	}
}
