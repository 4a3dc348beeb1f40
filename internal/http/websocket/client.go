package websocket

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

type socketClient struct {
	id     uuid.UUID
	socket *websocket.Conn
	// gorilla connections support one concurrent writer
	writeMu sync.Mutex
}

func newSocketClient(id uuid.UUID, socket *websocket.Conn) *socketClient {
	return &socketClient{id: id, socket: socket}
}

func (client *socketClient) SendMessage(message *SocketMessage) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	if err := client.socket.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}

	return client.socket.WriteJSON(message)
}

// Read starts a read-loop on the clients websocket connection, emitting
// all received messages on the channel provided. If the connection
// experiences an error, or the JSON marshalling fails, this error will be returned
// and consequently the read loop will close. It is the responsibility of the caller
// to de-register the client once the connection closes.
func (client *socketClient) Read(receiveCh chan *SocketMessage, done <-chan struct{}) error {
	for {
		var recv SocketMessage
		if err := client.socket.ReadJSON(&recv); err != nil {
			return err
		}

		// Set the message origin to point to this clients uuid
		origin := client.id
		recv.Origin = &origin
		select {
		case receiveCh <- &recv:
		case <-done:
			return nil
		}
	}
}

// Close will close this clients socket
func (client *socketClient) Close() {
	client.socket.Close()
}
