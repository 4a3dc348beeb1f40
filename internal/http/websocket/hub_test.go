package websocket_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/hbomb79/Harmony/internal/http/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*websocket.SocketHub, string) {
	hub := websocket.New()
	hub.WithConnectionCallback(func() map[string]interface{} {
		return map[string]interface{}{"jobs": []string{}}
	})
	hub.BindCommand("PING", func(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
		hub.Send(message.FormReply("PONG", map[string]interface{}{}, websocket.Response))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		hub.Start(ctx)
	}()

	server := httptest.NewServer(http.HandlerFunc(hub.UpgradeToSocket))
	t.Cleanup(func() {
		cancel()
		<-stopped
		server.Close()
	})

	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *gorilla.Conn {
	var conn *gorilla.Conn
	require.Eventually(t, func() bool {
		c, _, err := gorilla.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}

		conn = c
		return true
	}, 2*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readMessage(t *testing.T, conn *gorilla.Conn) map[string]interface{} {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var message map[string]interface{}
	require.NoError(t, conn.ReadJSON(&message))
	return message
}

func TestSocketHub_WelcomeAndBroadcast(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)

	welcome := readMessage(t, conn)
	assert.Equal(t, "CONNECTION_ESTABLISHED", welcome["title"])
	arguments, ok := welcome["arguments"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, arguments, "client")
	assert.Contains(t, arguments, "jobs")

	hub.Send(&websocket.SocketMessage{Title: "JOB_UPDATE", Body: map[string]interface{}{"status": "RUNNING"}, Type: websocket.Update})
	update := readMessage(t, conn)
	assert.Equal(t, "JOB_UPDATE", update["title"])
}

func TestSocketHub_CommandReply(t *testing.T) {
	_, url := startHub(t)
	conn := dial(t, url)
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"title": "PING", "id": 7, "type": int(websocket.Command), "arguments": map[string]interface{}{}}))
	reply := readMessage(t, conn)
	assert.Equal(t, "PONG", reply["title"])
	assert.EqualValues(t, 7, reply["id"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"title": "UNKNOWN", "id": 8, "type": int(websocket.Command)}))
	failure := readMessage(t, conn)
	assert.Equal(t, "COMMAND_FAILURE", failure["title"])
}
