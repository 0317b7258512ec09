// Package realtime bridges websocket clients to the session service and
// fans resulting state changes out to every connection in a room. Rooms are
// keyed by session code.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/estimatex/api/internal/middleware"
	"github.com/estimatex/api/internal/presence"
	"github.com/estimatex/api/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// Gateway owns room membership and event fan-out for all live connections.
type Gateway struct {
	sessions *session.Service
	presence *presence.Registry

	mu      sync.RWMutex
	rooms   map[string]map[*Client]bool
	clients map[*Client]bool
}

func NewGateway(sessions *session.Service, registry *presence.Registry) *Gateway {
	return &Gateway{
		sessions: sessions,
		presence: registry,
		rooms:    make(map[string]map[*Client]bool),
		clients:  make(map[*Client]bool),
	}
}

// Handle upgrades the request and runs the connection's read loop. The
// handler returns when the connection drops.
func (g *Gateway) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	client := newClient(uuid.NewString(), g, conn)

	g.mu.Lock()
	g.clients[client] = true
	g.mu.Unlock()
	middleware.WSConnectionOpened()

	go client.writeLoop()
	client.readLoop()
}

// Close drops every live connection. Used on shutdown.
func (g *Gateway) Close() {
	g.mu.Lock()
	clients := make([]*Client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (g *Gateway) dispatch(c *Client, env Envelope) {
	middleware.RecordWSEvent(env.Event)

	// Handlers run on the connection's read goroutine; a failure is acked
	// to the offending socket only and never tears anything else down.
	switch env.Event {
	case EventJoinRoom:
		g.handleJoinRoom(c, env.Data)
	case EventLeaveRoom:
		g.handleLeaveRoom(c, env.Data)
	case EventVote:
		g.handleVote(c, env.Data)
	case EventReveal:
		g.handleReveal(c, env.Data)
	case EventClear:
		g.handleClear(c, env.Data)
	default:
		c.sendError("unknown event: " + env.Event)
	}
}

func (g *Gateway) handleJoinRoom(c *Client, data json.RawMessage) {
	var p joinRoomPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Code == "" {
		c.sendError("join-room requires a code and user")
		return
	}

	g.mu.Lock()
	room := g.rooms[p.Code]
	if room == nil {
		room = make(map[*Client]bool)
		g.rooms[p.Code] = room
	}
	room[c] = true
	g.mu.Unlock()

	g.presence.Join(p.Code, c.id, p.User)
	g.broadcastPresence(p.Code)
}

func (g *Gateway) handleLeaveRoom(c *Client, data json.RawMessage) {
	var p leaveRoomPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Code == "" {
		c.sendError("leave-room requires a code")
		return
	}

	g.removeFromRoom(p.Code, c)
	g.presence.Leave(p.Code, c.id)
	g.broadcastPresence(p.Code)
}

// handleVote upserts the estimate and tells the room who voted. The [0,100]
// value bound is enforced at the HTTP boundary only; socket votes accept any
// numeric value.
func (g *Gateway) handleVote(c *Client, data json.RawMessage) {
	var p votePayload
	if err := json.Unmarshal(data, &p); err != nil || p.Code == "" || p.UserID == "" {
		c.sendError("vote requires code and userId")
		return
	}

	vote, err := g.sessions.Vote(context.Background(), p.Code, p.UserID, p.Value, p.Dimension)
	if err != nil {
		c.sendError(errorMessage(err))
		return
	}

	// Live "who voted" feedback only. The value stays server-side until a
	// state fetch, which enforces the hidden rule.
	g.broadcast(p.Code, EventVotesUpdate, map[string]string{
		"code":      p.Code,
		"voteId":    vote.ID,
		"userId":    vote.UserID,
		"dimension": vote.Dimension,
	})
}

func (g *Gateway) handleReveal(c *Client, data json.RawMessage) {
	var p facilitatorPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Code == "" {
		c.sendError("reveal requires a code")
		return
	}

	ctx := context.Background()
	if err := g.sessions.Authorize(ctx, p.Code, p.Secret); err != nil {
		c.sendError(errorMessage(err))
		return
	}
	if err := g.sessions.Reveal(ctx, p.Code); err != nil {
		c.sendError(errorMessage(err))
		return
	}
	g.broadcast(p.Code, EventVotesReveal, map[string]string{"code": p.Code})
}

func (g *Gateway) handleClear(c *Client, data json.RawMessage) {
	var p facilitatorPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Code == "" {
		c.sendError("clear requires a code")
		return
	}

	ctx := context.Background()
	if err := g.sessions.Authorize(ctx, p.Code, p.Secret); err != nil {
		c.sendError(errorMessage(err))
		return
	}
	if err := g.sessions.Clear(ctx, p.Code); err != nil {
		c.sendError(errorMessage(err))
		return
	}
	g.broadcast(p.Code, EventVotesClear, map[string]string{"code": p.Code})
}

// disconnect cleans up after a dropped connection using only its identity.
// The presence registry reports which rooms it was part of, and each one
// gets a fresh presence broadcast.
func (g *Gateway) disconnect(c *Client) {
	g.mu.Lock()
	if !g.clients[c] {
		g.mu.Unlock()
		return
	}
	delete(g.clients, c)
	for _, room := range g.rooms {
		delete(room, c)
	}
	for code, room := range g.rooms {
		if len(room) == 0 {
			delete(g.rooms, code)
		}
	}
	// Closed under the lock so broadcasts never enqueue into a dead client.
	close(c.send)
	g.mu.Unlock()

	middleware.WSConnectionClosed()

	for _, code := range g.presence.LeaveAll(c.id) {
		g.broadcastPresence(code)
	}
}

func (g *Gateway) removeFromRoom(code string, c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if room := g.rooms[code]; room != nil {
		delete(room, c)
		if len(room) == 0 {
			delete(g.rooms, code)
		}
	}
}

func (g *Gateway) broadcastPresence(code string) {
	g.broadcast(code, EventPresenceUpdate, map[string]interface{}{
		"code":  code,
		"users": g.presence.Snapshot(code),
	})
}

// broadcast fans an event out to every connection in the room. Clients that
// cannot keep up are skipped rather than allowed to stall the room; the ping
// timeout eventually reaps them. Enqueueing happens under the lock so a
// concurrent disconnect cannot close a send channel mid-fan-out.
func (g *Gateway) broadcast(code, event string, data interface{}) {
	msg := mustEnvelope(event, data)

	g.mu.RLock()
	defer g.mu.RUnlock()
	for c := range g.rooms[code] {
		if !c.enqueue(msg) {
			log.Printf("dropping %s for slow client %s", event, c.id)
		}
	}
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return "Session not found"
	case errors.Is(err, session.ErrForbidden):
		return "Invalid facilitator secret"
	default:
		return "request failed"
	}
}
