package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/estimatex/api/internal/model"
	"github.com/estimatex/api/internal/presence"
	"github.com/estimatex/api/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const eventWait = 2 * time.Second

func newTestServer(t *testing.T) (*session.Service, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&model.Session{}, &model.User{}, &model.Vote{}); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	svc := session.NewService(db, nil)
	gateway := NewGateway(svc, presence.NewRegistry())

	r := gin.New()
	r.GET("/ws", gateway.Handle)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		gateway.Close()
		srv.Close()
	})
	return svc, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	if err := conn.WriteJSON(Envelope{Event: event, Data: raw}); err != nil {
		t.Fatalf("Failed to send %s: %v", event, err)
	}
}

// waitEvent reads from the connection until the wanted event arrives,
// skipping unrelated broadcasts.
func waitEvent(t *testing.T, conn *websocket.Conn, event string) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(eventWait))
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("Waiting for %s: %v", event, err)
		}
		if env.Event != event {
			continue
		}
		var data map[string]interface{}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			t.Fatalf("Failed to decode %s payload: %v", event, err)
		}
		return data
	}
}

func presenceUsers(t *testing.T, data map[string]interface{}) []map[string]interface{} {
	t.Helper()
	raw, _ := data["users"].([]interface{})
	users := make([]map[string]interface{}, 0, len(raw))
	for _, u := range raw {
		users = append(users, u.(map[string]interface{}))
	}
	return users
}

func TestJoinRoomBroadcastsPresence(t *testing.T) {
	_, srv := newTestServer(t)

	a := dial(t, srv)
	sendEvent(t, a, EventJoinRoom, map[string]interface{}{
		"code": "123456",
		"user": presence.User{ID: "u1", Name: "Alice", Role: "DEV"},
	})
	update := waitEvent(t, a, EventPresenceUpdate)
	if users := presenceUsers(t, update); len(users) != 1 || users[0]["name"] != "Alice" {
		t.Fatalf("Expected Alice alone, got %v", users)
	}

	b := dial(t, srv)
	sendEvent(t, b, EventJoinRoom, map[string]interface{}{
		"code": "123456",
		"user": presence.User{ID: "u2", Name: "Bob", Role: "QA"},
	})

	// Both connections see the two-user room.
	for _, conn := range []*websocket.Conn{a, b} {
		update = waitEvent(t, conn, EventPresenceUpdate)
		if users := presenceUsers(t, update); len(users) != 2 {
			t.Errorf("Expected 2 users, got %v", users)
		}
	}
}

func TestPresenceDeduplicatesSameUser(t *testing.T) {
	_, srv := newTestServer(t)
	alice := presence.User{ID: "u1", Name: "Alice", Role: "DEV"}

	a := dial(t, srv)
	sendEvent(t, a, EventJoinRoom, map[string]interface{}{"code": "123456", "user": alice})
	waitEvent(t, a, EventPresenceUpdate)

	// Same user identity on a second connection, e.g. a second tab.
	b := dial(t, srv)
	sendEvent(t, b, EventJoinRoom, map[string]interface{}{"code": "123456", "user": alice})

	update := waitEvent(t, a, EventPresenceUpdate)
	if users := presenceUsers(t, update); len(users) != 1 {
		t.Errorf("Expected deduplicated presence, got %v", users)
	}
}

func TestLeaveRoomBroadcastsPresence(t *testing.T) {
	_, srv := newTestServer(t)

	a := dial(t, srv)
	sendEvent(t, a, EventJoinRoom, map[string]interface{}{
		"code": "123456",
		"user": presence.User{ID: "u1", Name: "Alice", Role: "DEV"},
	})
	waitEvent(t, a, EventPresenceUpdate)

	b := dial(t, srv)
	sendEvent(t, b, EventJoinRoom, map[string]interface{}{
		"code": "123456",
		"user": presence.User{ID: "u2", Name: "Bob", Role: "QA"},
	})
	waitEvent(t, a, EventPresenceUpdate)

	sendEvent(t, b, EventLeaveRoom, map[string]interface{}{"code": "123456"})

	update := waitEvent(t, a, EventPresenceUpdate)
	if users := presenceUsers(t, update); len(users) != 1 || users[0]["id"] != "u1" {
		t.Errorf("Expected only Alice after Bob left, got %v", users)
	}
}

func TestDisconnectCleansUpPresence(t *testing.T) {
	_, srv := newTestServer(t)

	a := dial(t, srv)
	sendEvent(t, a, EventJoinRoom, map[string]interface{}{
		"code": "123456",
		"user": presence.User{ID: "u1", Name: "Alice", Role: "DEV"},
	})
	waitEvent(t, a, EventPresenceUpdate)

	b := dial(t, srv)
	sendEvent(t, b, EventJoinRoom, map[string]interface{}{
		"code": "123456",
		"user": presence.User{ID: "u2", Name: "Bob", Role: "QA"},
	})
	waitEvent(t, a, EventPresenceUpdate)

	// Abrupt close, no leave-room: the gateway must clean up from the
	// connection identity alone.
	b.Close()

	update := waitEvent(t, a, EventPresenceUpdate)
	if users := presenceUsers(t, update); len(users) != 1 || users[0]["id"] != "u1" {
		t.Errorf("Expected only Alice after Bob disconnected, got %v", users)
	}
}

func TestVoteBroadcastOmitsValue(t *testing.T) {
	svc, srv := newTestServer(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, session.CreateInput{Title: "Login flow"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	joined, err := svc.Join(ctx, sess.Code, "Alice", model.RoleDev)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	a := dial(t, srv)
	sendEvent(t, a, EventJoinRoom, map[string]interface{}{
		"code": sess.Code,
		"user": presence.User{ID: joined.User.ID, Name: "Alice", Role: "DEV"},
	})
	waitEvent(t, a, EventPresenceUpdate)

	sendEvent(t, a, EventVote, map[string]interface{}{
		"code":   sess.Code,
		"userId": joined.User.ID,
		"value":  3,
	})

	update := waitEvent(t, a, EventVotesUpdate)
	if update["userId"] != joined.User.ID {
		t.Errorf("Expected voter id in broadcast, got %v", update)
	}
	if update["dimension"] != model.DefaultDimension {
		t.Errorf("Expected default dimension, got %v", update)
	}
	if _, ok := update["value"]; ok {
		t.Error("Vote value leaked in broadcast; clients must fetch state for values")
	}

	// The vote itself was persisted hidden.
	result, err := svc.Votes(ctx, sess.Code, true, "")
	if err != nil {
		t.Fatalf("Votes failed: %v", err)
	}
	if len(result.Votes) != 1 || result.Votes[0].Value != 3 || !result.Votes[0].Hidden {
		t.Errorf("Expected one hidden vote of 3, got %+v", result.Votes)
	}
}

func TestVoteUnknownSessionAcksError(t *testing.T) {
	_, srv := newTestServer(t)

	a := dial(t, srv)
	sendEvent(t, a, EventVote, map[string]interface{}{
		"code":   "000000",
		"userId": "u1",
		"value":  3,
	})

	ack := waitEvent(t, a, EventError)
	if ack["message"] != "Session not found" {
		t.Errorf("Expected not-found ack, got %v", ack)
	}
}

func TestRevealValidatesSecret(t *testing.T) {
	svc, srv := newTestServer(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, session.CreateInput{Title: "Login flow"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	joined, err := svc.Join(ctx, sess.Code, "Alice", model.RoleDev)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := svc.Vote(ctx, sess.Code, joined.User.ID, 3, ""); err != nil {
		t.Fatalf("Vote failed: %v", err)
	}

	a := dial(t, srv)
	sendEvent(t, a, EventJoinRoom, map[string]interface{}{
		"code": sess.Code,
		"user": presence.User{ID: joined.User.ID, Name: "Alice", Role: "DEV"},
	})
	waitEvent(t, a, EventPresenceUpdate)

	sendEvent(t, a, EventReveal, map[string]interface{}{"code": sess.Code, "secret": "wrong"})
	ack := waitEvent(t, a, EventError)
	if ack["message"] != "Invalid facilitator secret" {
		t.Fatalf("Expected forbidden ack, got %v", ack)
	}

	sendEvent(t, a, EventReveal, map[string]interface{}{"code": sess.Code, "secret": sess.FacilitatorSecret})
	update := waitEvent(t, a, EventVotesReveal)
	if update["code"] != sess.Code {
		t.Errorf("Expected reveal broadcast for %s, got %v", sess.Code, update)
	}

	result, err := svc.Votes(ctx, sess.Code, false, "")
	if err != nil {
		t.Fatalf("Votes failed: %v", err)
	}
	if len(result.Votes) != 1 || result.Votes[0].Value != 3 {
		t.Errorf("Expected revealed vote of 3, got %+v", result.Votes)
	}
}

func TestClearBroadcasts(t *testing.T) {
	svc, srv := newTestServer(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, session.CreateInput{Title: "Login flow"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	joined, err := svc.Join(ctx, sess.Code, "Alice", model.RoleDev)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := svc.Vote(ctx, sess.Code, joined.User.ID, 3, ""); err != nil {
		t.Fatalf("Vote failed: %v", err)
	}

	a := dial(t, srv)
	sendEvent(t, a, EventJoinRoom, map[string]interface{}{
		"code": sess.Code,
		"user": presence.User{ID: joined.User.ID, Name: "Alice", Role: "DEV"},
	})
	waitEvent(t, a, EventPresenceUpdate)

	sendEvent(t, a, EventClear, map[string]interface{}{"code": sess.Code, "secret": sess.FacilitatorSecret})
	update := waitEvent(t, a, EventVotesClear)
	if update["code"] != sess.Code {
		t.Errorf("Expected clear broadcast for %s, got %v", sess.Code, update)
	}

	result, err := svc.Votes(ctx, sess.Code, true, "")
	if err != nil {
		t.Fatalf("Votes failed: %v", err)
	}
	if len(result.Votes) != 0 {
		t.Errorf("Expected no votes after clear, got %+v", result.Votes)
	}
}

func TestUnknownEventAcksError(t *testing.T) {
	_, srv := newTestServer(t)

	a := dial(t, srv)
	sendEvent(t, a, "teleport", map[string]interface{}{})

	ack := waitEvent(t, a, EventError)
	if msg, _ := ack["message"].(string); !strings.Contains(msg, "unknown event") {
		t.Errorf("Expected unknown-event ack, got %v", ack)
	}
}
