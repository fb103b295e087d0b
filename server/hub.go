package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"

	"snake-arena/arena"
)

// MessageHandler consumes what clients send.
type MessageHandler interface {
	Serve(ctx context.Context, clientID string, env arena.InEnvelope, reply func(arena.Envelope))
	Disconnect(clientID string)
}

// HubConfig holds the connection limits.
type HubConfig struct {
	MaxConnsPerIP  int
	MaxTotalConns  int
	MessagesPerSec int
}

// Hub tracks connected clients and the rooms (sessions) they are in. It is the
// websocket implementation of Rooms.
type Hub struct {
	mu         deadlock.RWMutex
	clients    map[string]*Client
	rooms      map[string]map[string]*Client
	unregister chan *Client
	handler    MessageHandler
	cfg        HubConfig
	log        zerolog.Logger
	// Connection limiting (mutex-protected, accessed from HTTP handlers)
	connMu     deadlock.Mutex
	ipConns    map[string]int
	totalConns int
}

func NewHub(cfg HubConfig) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
		unregister: make(chan *Client, 64),
		cfg:        cfg,
		log:        componentLogger("hub"),
		ipConns:    make(map[string]int),
	}
}

// SetHandler must be called before Run.
func (h *Hub) SetHandler(handler MessageHandler) {
	h.handler = handler
}

func (h *Hub) CanAccept(ip string) bool {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.totalConns >= h.cfg.MaxTotalConns {
		return false
	}
	if h.ipConns[ip] >= h.cfg.MaxConnsPerIP {
		return false
	}
	return true
}

func (h *Hub) TrackConnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]++
	h.totalConns++
}

func (h *Hub) TrackDisconnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]--
	if h.ipConns[ip] <= 0 {
		delete(h.ipConns, ip)
	}
	h.totalConns--
}

// Register makes a client addressable. Call it before starting the pumps.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()
	h.log.Debug().Str("player_id", client.id).Str("ip", client.remoteAddr).Msg("client connected")
}

// Run processes unregister events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				for room, members := range h.rooms {
					delete(members, client.id)
					if len(members) == 0 {
						delete(h.rooms, room)
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			client.failAcks()
			if h.handler != nil {
				h.handler.Disconnect(client.id)
			}
			h.log.Debug().Str("player_id", client.id).Msg("client disconnected")
		}
	}
}

func (h *Hub) Join(room, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[clientID] = c
}

func (h *Hub) Leave(room, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) members(room string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.rooms[room]
	out := make([]*Client, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// Broadcast sends an event to every member of room. Snapshots go out as
// msgpack to clients that asked for it; everything else is JSON.
func (h *Hub) Broadcast(room, event string, payload any) {
	members := h.members(room)
	if len(members) == 0 {
		return
	}
	env := arena.Envelope{T: event, D: payload}
	var text, bin []byte
	for _, c := range members {
		if c.codec == codecMsgpack && event == arena.EvtSyncGameState {
			if bin == nil {
				var err error
				if bin, err = encodeMsgpack(env); err != nil {
					h.log.Error().Err(err).Str("event", event).Msg("msgpack encode")
					return
				}
			}
			c.SendBinary(bin)
			continue
		}
		if text == nil {
			var err error
			if text, err = json.Marshal(env); err != nil {
				h.log.Error().Err(err).Str("event", event).Msg("json encode")
				return
			}
		}
		c.SendRaw(text)
	}
}

func (h *Hub) Send(clientID, event string, payload any) {
	h.mu.RLock()
	c := h.clients[clientID]
	h.mu.RUnlock()
	if c != nil {
		c.SendEnvelope(arena.Envelope{T: event, D: payload})
	}
}

// BroadcastWithAck sends event with a per-client ack id and waits for every
// member to answer. Members that disconnect meanwhile stop counting.
func (h *Hub) BroadcastWithAck(ctx context.Context, room, event string, payload any) error {
	members := h.members(room)
	waits := make([]<-chan struct{}, 0, len(members))
	for _, c := range members {
		seq, done := c.expectAck()
		c.SendEnvelope(arena.Envelope{T: event, D: payload, Ack: seq})
		waits = append(waits, done)
	}
	for i, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s ack from %s: %w", event, members[i].id, ctx.Err())
		}
	}
	return nil
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TotalConns returns the tracked connection count
func (h *Hub) TotalConns() int {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return h.totalConns
}
