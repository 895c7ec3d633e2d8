package services

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"autoflow/internal/metrics"
	"autoflow/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var errFeedClosed = errors.New("execution feed closed")

// FeedMessage is what subscribers receive.
type FeedMessage struct {
	Type      string                      `json:"type"`
	Data      *models.AutomationExecution `json:"data"`
	Timestamp time.Time                   `json:"timestamp"`
}

type feedClient struct {
	id       string
	tenantID string
	ruleID   string
	conn     *websocket.Conn
	send     chan FeedMessage
	feed     *ExecutionFeed
}

// ExecutionFeed streams newly written executions to websocket subscribers
// of the same tenant, optionally narrowed to one rule.
type ExecutionFeed struct {
	clients    map[string]*feedClient
	broadcast  chan *models.AutomationExecution
	register   chan *feedClient
	unregister chan *feedClient
	done       chan struct{}
	mutex      sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *logrus.Logger
}

func NewExecutionFeed(logger *logrus.Logger) *ExecutionFeed {
	if logger == nil {
		logger = logrus.New()
	}
	return &ExecutionFeed{
		clients:    make(map[string]*feedClient),
		broadcast:  make(chan *models.AutomationExecution, 256),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 生产环境需要验证源
			},
		},
		logger: logger,
	}
}

// Run dispatches registrations and broadcasts until ctx is cancelled.
func (f *ExecutionFeed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(f.done)
			f.mutex.Lock()
			for id, c := range f.clients {
				close(c.send)
				delete(f.clients, id)
			}
			f.mutex.Unlock()
			metrics.FeedSubscribers.Set(0)
			return

		case c := <-f.register:
			f.mutex.Lock()
			f.clients[c.id] = c
			n := len(f.clients)
			f.mutex.Unlock()
			metrics.FeedSubscribers.Set(float64(n))
			f.logger.WithFields(logrus.Fields{"client_id": c.id, "tenant_id": c.tenantID}).Info("feed: subscriber connected")

		case c := <-f.unregister:
			f.mutex.Lock()
			if _, ok := f.clients[c.id]; ok {
				delete(f.clients, c.id)
				close(c.send)
			}
			n := len(f.clients)
			f.mutex.Unlock()
			metrics.FeedSubscribers.Set(float64(n))

		case exec := <-f.broadcast:
			msg := FeedMessage{Type: "execution", Data: exec, Timestamp: time.Now().UTC()}
			f.mutex.Lock()
			for id, c := range f.clients {
				if c.tenantID != exec.TenantID || (c.ruleID != "" && c.ruleID != exec.RuleID) {
					continue
				}
				select {
				case c.send <- msg:
				default:
					// slow subscriber
					close(c.send)
					delete(f.clients, id)
				}
			}
			f.mutex.Unlock()
		}
	}
}

// ExecutionRecorded queues exec for broadcast. It never blocks the caller.
func (f *ExecutionFeed) ExecutionRecorded(exec *models.AutomationExecution) {
	select {
	case f.broadcast <- exec:
	default:
		f.logger.WithField("execution_id", exec.ID).Warn("feed: broadcast buffer full, dropping")
	}
}

// Serve upgrades the request and subscribes the connection.
func (f *ExecutionFeed) Serve(w http.ResponseWriter, r *http.Request, tenantID, ruleID string) error {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &feedClient{
		id:       uuid.NewString(),
		tenantID: tenantID,
		ruleID:   ruleID,
		conn:     conn,
		send:     make(chan FeedMessage, 64),
		feed:     f,
	}
	select {
	case f.register <- c:
	case <-f.done:
		conn.Close()
		return errFeedClosed
	}
	go c.writePump()
	go c.readPump()
	return nil
}

func (f *ExecutionFeed) ClientCount() int {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return len(f.clients)
}

// readPump only services control frames; subscribers have nothing to send.
func (c *feedClient) readPump() {
	defer func() {
		select {
		case c.feed.unregister <- c:
		case <-c.feed.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.feed.logger.Errorf("feed: websocket error: %v", err)
			}
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.feed.logger.Errorf("feed: write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
