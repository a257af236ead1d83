package ws

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"campusattend/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans dashboard snapshots out to websocket subscribers. Snapshots arrive
// over redis pub/sub, one channel per class, and every delivery is a full
// state replace for that class.
type Hub struct {
	rdb *redis.Client

	mu      sync.Mutex
	clients map[*websocket.Conn]string
}

// NewHub creates a hub over the given redis client.
func NewHub(rdb *redis.Client) *Hub {
	return &Hub{rdb: rdb, clients: make(map[*websocket.Conn]string)}
}

// Run subscribes to the live channels and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub := h.rdb.PSubscribe(ctx, session.LiveChannelPrefix+"*")
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			classID := strings.TrimPrefix(msg.Channel, session.LiveChannelPrefix)
			h.broadcast(classID, []byte(msg.Payload))
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) broadcast(classID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, want := range h.clients {
		if want != "" && want != classID {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// Handle upgrades the request and registers the client. An optional class_id
// query parameter narrows the stream to one class.
func (h *Hub) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Println("ws upgrade failed:", err)
		return
	}
	classID := c.Query("class_id")

	h.mu.Lock()
	h.clients[conn] = classID
	h.mu.Unlock()

	// Reader exists only to notice the peer going away.
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
