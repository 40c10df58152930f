package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPreservesPublishOrderPerSubscriber(t *testing.T) {
	hub := NewHub()
	client := &Client{ID: "c1", send: make(chan []byte, 256)}
	hub.Subscribe("task-1", client)

	for i := 0; i < 50; i++ {
		hub.Publish("task-1", Frame{Type: "log", TaskID: "task-1", Payload: map[string]any{"seq": i}})
	}

	for i := 0; i < 50; i++ {
		select {
		case data := <-client.send:
			var frame Frame
			require.NoError(t, json.Unmarshal(data, &frame))
			assert.EqualValues(t, i, frame.Payload["seq"])
		default:
			t.Fatalf("expected 50 frames, got %d", i)
		}
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub()
	client := &Client{ID: "c1", send: make(chan []byte, 16)}
	hub.Subscribe("task-1", client)
	hub.Unsubscribe("task-1", client)

	hub.Publish("task-1", Frame{Type: "log", TaskID: "task-1"})
	select {
	case <-client.send:
		t.Fatal("unsubscribed client received a frame")
	default:
	}
}

func TestHubPublishOnlyReachesSubscribersOfThatTask(t *testing.T) {
	hub := NewHub()
	a := &Client{ID: "a", send: make(chan []byte, 16)}
	b := &Client{ID: "b", send: make(chan []byte, 16)}
	hub.Subscribe("task-a", a)
	hub.Subscribe("task-b", b)

	hub.Publish("task-a", Frame{Type: "progress", TaskID: "task-a"})

	select {
	case <-a.send:
	default:
		t.Fatal("subscriber of task-a got nothing")
	}
	select {
	case <-b.send:
		t.Fatal("subscriber of task-b received task-a's frame")
	default:
	}
}

func TestStreamConnectAndPing(t *testing.T) {
	s := newTestServer(t, nil)
	server := httptest.NewServer(s.Router())
	defer server.Close()

	token, err := s.Auth.Issue("user-1")
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var connected Frame
	require.NoError(t, conn.ReadJSON(&connected))
	assert.Equal(t, "connected", connected.Type)
	assert.True(t, connected.Authenticated)
	assert.NotEmpty(t, connected.ClientID)

	require.NoError(t, conn.WriteJSON(Frame{Type: "ping"}))
	var pong Frame
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong.Type)
}

func TestStreamRejectsBadToken(t *testing.T) {
	s := newTestServer(t, nil)
	server := httptest.NewServer(s.Router())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}
