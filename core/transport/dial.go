package transport

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(*http.Request) bool { return true },
}

// DialBinary opens the binary channel as a websocket client against a
// peer's ServeBinary endpoint.
func DialBinary(url string) (*BinaryAdapter, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return NewBinaryAdapter(conn), nil
}

// ServeBinary upgrades an inbound HTTP request to a websocket connection
// and returns the resulting adapter. Used by a receiver listening for
// the sender's binary channel.
func ServeBinary(w http.ResponseWriter, r *http.Request) (*BinaryAdapter, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewBinaryAdapter(conn), nil
}
