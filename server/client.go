package main

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sasha-s/go-deadlock"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/time/rate"

	"snake-arena/arena"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // movement reports carry the whole body
	sendBufSize    = 256

	codecJSON    = "json"
	codecMsgpack = "msgpack"
)

// Client represents a WebSocket connection. Its id doubles as the player id.
type Client struct {
	id         string
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	codec      string
	limiter    *rate.Limiter

	ackMu   deadlock.Mutex
	ackSeq  uint64
	acks    map[uint64]chan struct{}
	ackDone bool
}

// NewClient creates a new Client
func NewClient(id string, hub *Hub, conn *websocket.Conn, remoteAddr, codec string) *Client {
	if codec != codecMsgpack {
		codec = codecJSON
	}
	perSec := max(hub.cfg.MessagesPerSec, 1)
	return &Client{
		id:         id,
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBufSize),
		remoteAddr: remoteAddr,
		codec:      codec,
		limiter:    rate.NewLimiter(rate.Limit(perSec), perSec),
		acks:       make(map[uint64]chan struct{}),
	}
}

// ReadPump reads messages from the WebSocket connection
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.TrackDisconnect(c.remoteAddr)
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn().Err(err).Str("player_id", c.id).Msg("ws read")
			}
			break
		}
		if !c.limiter.Allow() {
			c.hub.log.Warn().Str("ip", c.remoteAddr).Str("player_id", c.id).Msg("rate limit exceeded, disconnecting")
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.handleMessage(ctx, message)
	}
}

func (c *Client) handleMessage(ctx context.Context, raw []byte) {
	var env arena.InEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.SendEnvelope(arena.Envelope{T: arena.EvtError, D: arena.ErrorResponse{Error: "malformed message", Code: string(CodeInvalidRequest)}})
		return
	}
	if env.T == arena.EvtAck {
		c.resolveAck(env.Ack)
		return
	}
	if c.hub.handler != nil {
		c.hub.handler.Serve(ctx, c.id, env, c.SendEnvelope)
	}
}

// WritePump writes messages to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// Check for binary marker (0xFF prefix from SendBinary)
			var err error
			if len(message) > 0 && message[0] == 0xFF {
				err = c.conn.WriteMessage(websocket.BinaryMessage, message[1:])
			} else {
				err = c.conn.WriteMessage(websocket.TextMessage, message)
			}
			if err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendEnvelope sends a JSON message to the client
func (c *Client) SendEnvelope(env arena.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.hub.log.Error().Err(err).Str("event", env.T).Msg("marshal")
		return
	}
	c.SendRaw(data)
}

// SendRaw sends pre-marshaled bytes as a text message to the client
func (c *Client) SendRaw(data []byte) {
	defer func() { recover() }()
	select {
	case c.send <- data:
	default:
		// Client too slow, drop message
	}
}

// SendBinary sends pre-marshaled bytes as a binary WebSocket message
// Prefixes with 0xFF marker byte so WritePump can distinguish from text
func (c *Client) SendBinary(data []byte) {
	defer func() { recover() }()
	msg := make([]byte, len(data)+1)
	msg[0] = 0xFF // binary marker
	copy(msg[1:], data)
	select {
	case c.send <- msg:
	default:
	}
}

// expectAck allocates the next ack id. The returned channel closes when the
// client answers or disconnects.
func (c *Client) expectAck() (uint64, <-chan struct{}) {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	ch := make(chan struct{})
	if c.ackDone {
		close(ch)
		return 0, ch
	}
	c.ackSeq++
	c.acks[c.ackSeq] = ch
	return c.ackSeq, ch
}

func (c *Client) resolveAck(seq uint64) {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	if ch, ok := c.acks[seq]; ok {
		close(ch)
		delete(c.acks, seq)
	}
}

func (c *Client) failAcks() {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	c.ackDone = true
	for seq, ch := range c.acks {
		close(ch)
		delete(c.acks, seq)
	}
}

// encodeMsgpack encodes v using the json field names so both codecs share one schema.
func encodeMsgpack(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
