package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Frame is one typed message on the stream, in either direction.
// Outbound types: connected, pong, task_started, log, tool_call,
// progress, task_completed, task_error, cancelled. Inbound types:
// ping, task, cancel, subscribe, unsubscribe.
type Frame struct {
	Type          string         `json:"type"`
	TaskID        string         `json:"taskId,omitempty"`
	ClientID      string         `json:"clientId,omitempty"`
	Message       string         `json:"message,omitempty"`
	Authenticated bool           `json:"authenticated,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Client is one connected stream subscriber. Outbound frames are
// funneled through send and written by a single goroutine, so each
// subscriber sees a task's events in the exact order they were
// published.
type Client struct {
	ID     string
	UserID string

	conn *websocket.Conn
	send chan []byte

	// closed is guarded by the hub's mutex; once set, the client can no
	// longer be subscribed, so nothing writes to send after it closes.
	closed bool

	mu           sync.Mutex
	activeTaskID string
}

func (c *Client) setActiveTask(taskID string) {
	c.mu.Lock()
	c.activeTaskID = taskID
	c.mu.Unlock()
}

func (c *Client) activeTask() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeTaskID
}

// Hub tracks which clients are subscribed to which task ids and fans
// published frames out to them.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Client]struct{} // taskID -> subscribers
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Client]struct{})}
}

func (h *Hub) Subscribe(taskID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	set, ok := h.subs[taskID]
	if !ok {
		set = make(map[*Client]struct{})
		h.subs[taskID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) Unsubscribe(taskID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[taskID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, taskID)
		}
	}
}

// drop removes c from every subscription it holds and bars it from
// re-subscribing.
func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.closed = true
	for taskID, set := range h.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, taskID)
		}
	}
}

// Publish marshals frame once and enqueues it to every subscriber of
// taskID. A subscriber whose send buffer is full is skipped rather than
// blocking the publisher: the frame is dropped for that subscriber and
// its connection stays open.
func (h *Hub) Publish(taskID string, frame Frame) {
	if taskID == "" {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs[taskID] {
		select {
		case c.send <- data:
		default:
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamHandler implements GET /ws?token=JWT: upgrade, announce the
// connection, then shuttle frames until the client goes away. On
// disconnect, the client's active task (if any) is cancelled
// cooperatively.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := s.Auth.Verify(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, 256),
	}
	go client.writePump()

	client.enqueue(Frame{Type: "connected", ClientID: client.ID, Authenticated: true})
	s.readPump(client)
}

func (c *Client) enqueue(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump is the client's single writer goroutine.
func (c *Client) writePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// readPump processes inbound frames until the connection closes.
func (s *Server) readPump(client *Client) {
	defer func() {
		s.Hub.drop(client)
		if taskID := client.activeTask(); taskID != "" {
			s.cancelTask(taskID)
		}
		close(client.send)
		client.conn.Close()
	}()

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		s.handleFrame(client, frame)
	}
}

func (s *Server) handleFrame(client *Client, frame Frame) {
	switch frame.Type {
	case "ping":
		client.enqueue(Frame{Type: "pong"})

	case "subscribe":
		if frame.TaskID != "" {
			s.Hub.Subscribe(frame.TaskID, client)
		}

	case "unsubscribe":
		if frame.TaskID != "" {
			s.Hub.Unsubscribe(frame.TaskID, client)
		}

	case "cancel":
		taskID := frame.TaskID
		if taskID == "" {
			taskID = client.activeTask()
		}
		if taskID != "" && s.cancelTask(taskID) {
			s.Hub.Publish(taskID, Frame{Type: "cancelled", TaskID: taskID})
			client.setActiveTask("")
		}

	case "task":
		if frame.Message == "" {
			return
		}
		// Run in its own goroutine so the read loop stays responsive to
		// cancel frames while the task executes.
		go func() {
			_, err := s.runMessage(context.Background(), frame.Message, client.UserID, func(taskID string) {
				client.setActiveTask(taskID)
				s.Hub.Subscribe(taskID, client)
			})
			if err != nil {
				log.Printf("api: stream task failed: %v", err)
			}
			client.setActiveTask("")
		}()
	}
}
