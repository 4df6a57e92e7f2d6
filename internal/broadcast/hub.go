package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/metrics"
	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/logger"
)

// TextMessage matches the websocket text frame opcode.
const TextMessage = 1

// Conn is the part of a WebSocket connection the hub uses. The gofiber
// websocket connection satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type client struct {
	conn Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// Hub fans pipeline events out to dashboard clients. One goroutine owns the
// client set; a client whose buffer is full is dropped.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	count      chan chan int
	done       chan struct{}
	bufferSize int
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, bufferSize),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		bufferSize: bufferSize,
	}
}

// Run owns the client set until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*client]bool)
	defer func() {
		for c := range clients {
			c.close()
		}
		metrics.WSClients.Set(0)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			clients[c] = true
			metrics.WSClients.Set(float64(len(clients)))
			logger.Debug("Dashboard client connected", zap.Int("clients", len(clients)))
		case c := <-h.unregister:
			if clients[c] {
				delete(clients, c)
				c.close()
				metrics.WSClients.Set(float64(len(clients)))
				logger.Debug("Dashboard client disconnected", zap.Int("clients", len(clients)))
			}
		case msg := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- msg:
				default:
					delete(clients, c)
					c.close()
					logger.Warn("Dropping slow dashboard client")
				}
			}
			metrics.WSClients.Set(float64(len(clients)))
		case reply := <-h.count:
			reply <- len(clients)
		}
	}
}

// Clients reports how many clients are connected.
func (h *Hub) Clients() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Serve registers conn and blocks until the client goes away. Incoming
// messages are read only to notice the disconnect.
func (h *Hub) Serve(conn Conn) {
	c := &client{conn: conn, send: make(chan []byte, h.bufferSize)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range c.send {
			if err := conn.WriteMessage(TextMessage, msg); err != nil {
				logger.Debug("Dashboard write failed", zap.Error(err))
				h.drop(c)
				for range c.send {
				}
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(c)
	<-writerDone
}

func (h *Hub) drop(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		c.close()
	}
}

type itemMessage struct {
	Type       string            `json:"type"`
	Item       models.Item       `json:"item"`
	Assessment models.Assessment `json:"assessment"`
	Priority   int               `json:"priority"`
}

type summaryMessage struct {
	Type          string                     `json:"type"`
	RunID         string                     `json:"run_id"`
	FinishedAt    time.Time                  `json:"finished_at"`
	ThreatSummary map[models.ThreatLevel]int `json:"threat_summary"`
	SourceSummary map[string]int             `json:"source_summary"`
	Sources       []models.SourceResult      `json:"sources"`
	Items         int                        `json:"items"`
	Summary       string                     `json:"summary,omitempty"`
	Degraded      bool                       `json:"degraded"`
}

// BroadcastItem sends one stored item. The raw provider payload is left out.
func (h *Hub) BroadcastItem(entry models.AssessedItem) {
	item := entry.Item
	item.Raw = nil
	h.publish(itemMessage{
		Type:       "item",
		Item:       item,
		Assessment: entry.Assessment,
		Priority:   entry.Assessment.ThreatLevel.Priority(),
	})
}

// BroadcastSummary sends the landscape summary of a finished run.
func (h *Hub) BroadcastSummary(r *models.Report) {
	h.publish(summaryMessage{
		Type:          "summary",
		RunID:         r.ID,
		FinishedAt:    r.FinishedAt,
		ThreatSummary: r.ThreatSummary,
		SourceSummary: r.SourceSummary,
		Sources:       r.Sources,
		Items:         len(r.Items),
		Summary:       r.Summary,
		Degraded:      r.Degraded,
	})
}

func (h *Hub) publish(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("Failed to marshal dashboard message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		logger.Warn("Dashboard broadcast queue full, message dropped")
	}
}
