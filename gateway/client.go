// Package gateway holds the websocket client for the chat gateway. The
// gateway pushes message and meta events over one long-lived connection
// and accepts action frames (sends) on the same connection, matched back
// to callers by an echo key.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// PrivateChunkLimit bounds one outbound private message. Longer replies
// are split into sequential sends.
const PrivateChunkLimit = 3000

const dedupeWindow = 200

// MessageEvent is one inbound chat message from the gateway.
type MessageEvent struct {
	MessageID   int64
	MessageType string // "private" or "group"
	UserID      string
	GroupID     string // empty for private messages
	Nickname    string
	Text        string
	SelfID      string
	Received    time.Time
}

// MessageHandler consumes inbound chat messages.
type MessageHandler func(MessageEvent)

// HeartbeatHandler is called on each gateway liveness pulse.
type HeartbeatHandler func()

type Client struct {
	url   string
	token string

	conn      *websocket.Conn
	connected bool
	mu        sync.Mutex
	// writeMu serializes frame writes; the ws connection allows only
	// one writer at a time, and sends come from the read-loop reply
	// path, aggregator timers, and the job fire loop concurrently.
	writeMu sync.Mutex

	pending   map[string]chan json.RawMessage
	pendingMu sync.Mutex

	onMessage   MessageHandler
	onHeartbeat HeartbeatHandler

	seen   []int64
	seenMu sync.Mutex

	done chan struct{}
}

// Wire format: OneBot event frames in, action frames out.
type eventFrame struct {
	PostType      string `json:"post_type"`
	MetaEventType string `json:"meta_event_type"`
	MessageType   string `json:"message_type"`
	MessageID     int64  `json:"message_id"`
	UserID        int64  `json:"user_id"`
	GroupID       int64  `json:"group_id"`
	SelfID        int64  `json:"self_id"`
	RawMessage    string `json:"raw_message"`
	Sender        struct {
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
	} `json:"sender"`

	// Action response fields, present when this frame answers a request.
	Echo    string          `json:"echo"`
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
}

type actionFrame struct {
	Action string      `json:"action"`
	Params interface{} `json:"params"`
	Echo   string      `json:"echo"`
}

func NewClient(url, token string) *Client {
	return &Client{
		url:     url,
		token:   token,
		pending: make(map[string]chan json.RawMessage),
		done:    make(chan struct{}),
	}
}

// OnMessage registers the inbound message handler. Register before Connect.
func (c *Client) OnMessage(h MessageHandler) { c.onMessage = h }

// OnHeartbeat registers the liveness-pulse handler. Register before Connect.
func (c *Client) OnHeartbeat(h HeartbeatHandler) { c.onHeartbeat = h }

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Done is closed when the read loop exits. The owner watches it to
// drive reconnection.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Client) Connect() error {
	url := strings.TrimSuffix(c.url, "/")
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		url = "ws://" + url
	}

	var header http.Header
	if c.token != "" {
		header = http.Header{"Authorization": {"Bearer " + c.token}}
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop()

	slog.Info("gateway: connected", "url", url)
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	defer func() {
		select {
		case <-done:
		default:
			close(done)
		}
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			slog.Debug("gateway readLoop ended", "err", err)
			return
		}

		var frame eventFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}

		// Response to a pending action?
		if frame.Echo != "" {
			c.pendingMu.Lock()
			ch, ok := c.pending[frame.Echo]
			if ok {
				delete(c.pending, frame.Echo)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- raw
				close(ch)
			}
			continue
		}

		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame eventFrame) {
	switch frame.PostType {
	case "meta_event":
		if frame.MetaEventType == "heartbeat" && c.onHeartbeat != nil {
			c.onHeartbeat()
		}
	case "message":
		if c.isDuplicate(frame.MessageID) {
			slog.Debug("gateway: duplicate message dropped", "message_id", frame.MessageID)
			return
		}
		if c.onMessage == nil {
			return
		}
		nick := frame.Sender.Card
		if nick == "" {
			nick = frame.Sender.Nickname
		}
		evt := MessageEvent{
			MessageID:   frame.MessageID,
			MessageType: frame.MessageType,
			UserID:      fmt.Sprintf("%d", frame.UserID),
			Nickname:    nick,
			Text:        frame.RawMessage,
			SelfID:      fmt.Sprintf("%d", frame.SelfID),
			Received:    time.Now(),
		}
		if frame.MessageType == "group" {
			evt.GroupID = fmt.Sprintf("%d", frame.GroupID)
		}
		c.onMessage(evt)
	}
}

// isDuplicate records the id in a bounded ring and reports whether it
// was already present.
func (c *Client) isDuplicate(id int64) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	for _, s := range c.seen {
		if s == id {
			return true
		}
	}
	c.seen = append(c.seen, id)
	if len(c.seen) > dedupeWindow {
		c.seen = c.seen[len(c.seen)-dedupeWindow:]
	}
	return false
}

func (c *Client) call(action string, params interface{}) error {
	echo := uuid.NewString()

	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[echo] = ch
	c.pendingMu.Unlock()

	data, _ := json.Marshal(actionFrame{Action: action, Params: params, Echo: echo})

	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, echo)
		c.pendingMu.Unlock()
		return fmt.Errorf("%s: %w", action, err)
	}

	select {
	case raw := <-ch:
		var resp eventFrame
		json.Unmarshal(raw, &resp)
		if resp.Status == "failed" {
			return fmt.Errorf("%s rejected: retcode %d", action, resp.RetCode)
		}
		return nil
	case <-time.After(15 * time.Second):
		c.pendingMu.Lock()
		delete(c.pending, echo)
		c.pendingMu.Unlock()
		return fmt.Errorf("timeout waiting for %s response", action)
	case <-done:
		return fmt.Errorf("connection closed")
	}
}

// numericID converts a chat id to the wire's number form. Ids the
// gateway hands us are decimal; anything else goes out as-is.
func numericID(id string) interface{} {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

// SendPrivate delivers text to one user, chunked when it exceeds the
// per-message limit.
func (c *Client) SendPrivate(userID string, text string) error {
	for _, chunk := range splitChunks(text, PrivateChunkLimit) {
		params := map[string]interface{}{
			"user_id": numericID(userID),
			"message": chunk,
		}
		if err := c.call("send_private_msg", params); err != nil {
			return err
		}
	}
	return nil
}

// SendGroup delivers text to a group as a single message.
func (c *Client) SendGroup(groupID string, text string) error {
	params := map[string]interface{}{
		"group_id": numericID(groupID),
		"message":  text,
	}
	return c.call("send_group_msg", params)
}

// SendGroupAt delivers text to a group prefixed with a mention of target.
func (c *Client) SendGroupAt(groupID, target, text string) error {
	params := map[string]interface{}{
		"group_id": numericID(groupID),
		"message":  fmt.Sprintf("[CQ:at,qq=%s] %s", target, text),
	}
	return c.call("send_group_msg", params)
}

func splitChunks(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		n := limit
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
