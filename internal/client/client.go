// Package client is the embedded peer library. It dials the gateway, speaks
// the JSON wire protocol, and surfaces everything that happens in the
// document as a stream of structured events instead of registered callbacks.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/M4F-S/codex-live/internal/ot"
	"github.com/M4F-S/codex-live/internal/types"
)

// EventType tags entries on the Events channel.
type EventType string

const (
	ContentChanged    EventType = "content_changed"
	UserJoined        EventType = "user_joined"
	UserLeft          EventType = "user_left"
	CursorUpdated     EventType = "cursor_updated"
	SelectionUpdated  EventType = "selection_updated"
	PresenceRefreshed EventType = "presence_refreshed"
	Errored           EventType = "errored"
)

// Event is one observation from the document stream.
type Event struct {
	Type      EventType
	Content   string
	UserID    types.PeerID
	UserName  string
	Operation *types.Operation
	Data      json.RawMessage
	Err       error
}

// Options configures a client.
type Options struct {
	URL        string
	DocumentID types.DocumentID
	UserID     types.PeerID
	UserName   string
	// PendingTTL bounds how long an unacknowledged local edit keeps being
	// used to rebase inbound operations. Zero picks a sane default.
	PendingTTL time.Duration
	Logger     zerolog.Logger
}

type pendingOp struct {
	op       types.Operation
	deadline time.Time
}

// Client is one connected peer replica. Local edits apply immediately to the
// local buffer and are submitted to the coordinator; inbound operations are
// rebased against in-flight local edits with the transform layer before they
// are applied.
type Client struct {
	conn   *websocket.Conn
	opts   Options
	logger zerolog.Logger
	events chan Event

	mu      sync.Mutex
	content []rune
	pending []pendingOp
	closed  bool

	done chan struct{}
}

// Dial connects, joins the document, and starts the read pump.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" || opts.DocumentID == "" || opts.UserID == "" || opts.UserName == "" {
		return nil, errors.New("url, document id, user id, and user name are required")
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 5 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	c := &Client{
		conn:   conn,
		opts:   opts,
		logger: opts.Logger.With().Str("document", string(opts.DocumentID)).Str("user", string(opts.UserID)).Logger(),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	join := map[string]any{
		"type":       "join_document",
		"userId":     string(opts.UserID),
		"documentId": string(opts.DocumentID),
		"userName":   opts.UserName,
	}
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// Events returns the stream of document observations. The channel closes
// when the connection ends.
func (c *Client) Events() <-chan Event { return c.events }

// Content returns the client's current view of the document.
func (c *Client) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.content)
}

// Insert applies a local insertion and submits it.
func (c *Client) Insert(pos int, text string) error {
	if text == "" {
		return errors.New("insert requires content")
	}
	c.mu.Lock()
	pos = clamp(pos, 0, len(c.content))
	runes := []rune(text)
	c.content = append(c.content[:pos], append(runes, c.content[pos:]...)...)
	op := types.Operation{
		Kind:     types.OpInsert,
		Position: pos,
		Content:  text,
		Peer:     c.opts.UserID,
		ID:       types.OperationID(uuid.NewString()),
		Time:     time.Now().UTC(),
	}
	c.pending = append(c.pending, pendingOp{op: op, deadline: time.Now().Add(c.opts.PendingTTL)})
	c.mu.Unlock()

	return c.sendOperation(op)
}

// Delete applies a local deletion and submits it.
func (c *Client) Delete(pos, length int) error {
	if length <= 0 {
		return errors.New("delete requires a positive length")
	}
	c.mu.Lock()
	pos = clamp(pos, 0, len(c.content))
	if length > len(c.content)-pos {
		length = len(c.content) - pos
	}
	c.content = append(c.content[:pos], c.content[pos+length:]...)
	op := types.Operation{
		Kind:     types.OpDelete,
		Position: pos,
		Length:   length,
		Peer:     c.opts.UserID,
		ID:       types.OperationID(uuid.NewString()),
		Time:     time.Now().UTC(),
	}
	c.pending = append(c.pending, pendingOp{op: op, deadline: time.Now().Add(c.opts.PendingTTL)})
	c.mu.Unlock()

	return c.sendOperation(op)
}

// SetCursor reports the local caret position.
func (c *Client) SetCursor(pos int) error {
	return c.writeJSON(map[string]any{
		"type":   "cursor_update",
		"cursor": map[string]any{"position": pos},
	})
}

// SetSelection reports the local selection range.
func (c *Client) SetSelection(start, end int) error {
	return c.writeJSON(map[string]any{
		"type":      "selection_update",
		"selection": map[string]any{"start": start, "end": end},
	})
}

// Ping sends a protocol-level keepalive.
func (c *Client) Ping() error {
	return c.writeJSON(map[string]any{"type": "ping"})
}

// Close tears the connection down and drains the event stream.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	err := c.conn.Close()
	for range c.events {
	}
	<-c.done
	return err
}

func (c *Client) sendOperation(op types.Operation) error {
	return c.writeJSON(map[string]any{
		"type": "operation",
		"operation": map[string]any{
			"type":        string(op.Kind),
			"position":    op.Position,
			"userId":      string(op.Peer),
			"content":     op.Content,
			"length":      op.Length,
			"operationId": string(op.ID),
			"timestamp":   op.Time.Format(time.RFC3339Nano),
		},
	})
}

func (c *Client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("client closed")
	}
	return c.conn.WriteJSON(v)
}

type inboundEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	UserID    string          `json:"userId"`
	Timestamp string          `json:"timestamp"`
}

func (c *Client) readLoop() {
	defer func() {
		close(c.events)
		close(c.done)
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.events <- Event{Type: Errored, Err: err}
			}
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.events <- Event{Type: Errored, Err: fmt.Errorf("decode frame: %w", err)}
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env inboundEnvelope) {
	switch env.Type {
	case "document_state":
		var state struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(env.Data, &state); err != nil {
			c.events <- Event{Type: Errored, Err: err}
			return
		}
		c.mu.Lock()
		c.content = []rune(state.Content)
		c.mu.Unlock()
		c.events <- Event{Type: ContentChanged, Content: state.Content, Data: env.Data}

	case "operation_received":
		var wrapper struct {
			Operation remoteOperation `json:"operation"`
		}
		if err := json.Unmarshal(env.Data, &wrapper); err != nil {
			c.events <- Event{Type: Errored, Err: fmt.Errorf("decode operation: %w", err)}
			return
		}
		op := wrapper.Operation.toOperation()
		content := c.applyRemote(op)
		c.events <- Event{Type: ContentChanged, Content: content, UserID: op.Peer, Operation: &op, Data: env.Data}

	case "user_joined":
		c.events <- Event{Type: UserJoined, UserID: types.PeerID(env.UserID), Data: env.Data}
	case "user_left":
		c.events <- Event{Type: UserLeft, UserID: types.PeerID(env.UserID), Data: env.Data}
	case "cursor_changed":
		c.events <- Event{Type: CursorUpdated, UserID: types.PeerID(env.UserID), Data: env.Data}
	case "selection_changed":
		c.events <- Event{Type: SelectionUpdated, UserID: types.PeerID(env.UserID), Data: env.Data}
	case "presence_info":
		c.events <- Event{Type: PresenceRefreshed, UserID: types.PeerID(env.UserID), Data: env.Data}
	case "error":
		var data struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(env.Data, &data)
		c.events <- Event{Type: Errored, Err: errors.New(data.Error), Data: env.Data}
	case "pong", "metrics":
		// keepalive and metrics replies carry no document change
	default:
		c.logger.Debug().Str("type", env.Type).Msg("unhandled event type")
	}
}

// applyRemote rebases an inbound operation against the in-flight local edits
// and applies it to the local buffer; the surviving local edits are rebased
// the other way so both sides of the transform diamond stay consistent.
func (c *Client) applyRemote(op types.Operation) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.pending {
		if p.op.ID == op.ID {
			// Our own edit coming back (relayed across instances);
			// it is already reflected in the buffer.
			return string(c.content)
		}
	}

	now := time.Now()
	kept := c.pending[:0]
	for _, p := range c.pending {
		if now.Before(p.deadline) {
			kept = append(kept, p)
		}
	}
	c.pending = kept

	concurrent := make([]types.Operation, len(c.pending))
	for i, p := range c.pending {
		concurrent[i] = p.op
	}
	rebased := ot.Transform(op, concurrent)

	for i := range c.pending {
		c.pending[i].op = ot.Transform(c.pending[i].op, []types.Operation{op})
	}

	switch rebased.Kind {
	case types.OpInsert:
		pos := clamp(rebased.Position, 0, len(c.content))
		runes := []rune(rebased.Content)
		c.content = append(c.content[:pos], append(runes, c.content[pos:]...)...)
	case types.OpDelete:
		pos := clamp(rebased.Position, 0, len(c.content))
		length := rebased.Length
		if length > len(c.content)-pos {
			length = len(c.content) - pos
		}
		if length > 0 {
			c.content = append(c.content[:pos], c.content[pos+length:]...)
		}
	}
	return string(c.content)
}

type remoteOperation struct {
	Type        string            `json:"type"`
	Position    int               `json:"position"`
	UserID      string            `json:"userId"`
	Content     string            `json:"content"`
	Length      int               `json:"length"`
	OperationID string            `json:"operationId"`
	Site        uint32            `json:"site"`
	Lamport     uint64            `json:"lamport"`
	VectorClock types.VectorClock `json:"vectorClock"`
	Timestamp   string            `json:"timestamp"`
}

func (r remoteOperation) toOperation() types.Operation {
	op := types.Operation{
		Kind:     types.OpKind(r.Type),
		Position: r.Position,
		Content:  r.Content,
		Length:   r.Length,
		Peer:     types.PeerID(r.UserID),
		ID:       types.OperationID(r.OperationID),
		Site:     types.SiteID(r.Site),
		Lamport:  r.Lamport,
		Clock:    r.VectorClock,
	}
	if ts, err := time.Parse(time.RFC3339Nano, r.Timestamp); err == nil {
		op.Time = ts
	}
	return op
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
