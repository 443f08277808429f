// Package realtime fans state snapshots out to connected websocket viewers.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bottle-rewards-api/internal/logger"
	"bottle-rewards-api/internal/metrics"
	"bottle-rewards-api/internal/models"
)

// Channel tags multiplexed over one viewer connection.
const (
	ChannelQueue      = "queue"
	ChannelClaim      = "claim"
	ChannelBotState   = "botstate"
	ChannelConnection = "connection"
)

const (
	maxMessageSize = 64 * 1024
	pongWaitFactor = 2
)

// Message is the envelope of every frame pushed to a viewer.
type Message struct {
	ChannelTag string `json:"channel_tag"`
	Message    string `json:"message"`
	Data       any    `json:"data"`
	Success    bool   `json:"success"`
}

// Config tunes viewer connections.
type Config struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	AllowedOrigins []string // empty or "*" allows any origin
}

// Notifier owns the set of open viewer connections. All broadcasts go
// through it.
type Notifier struct {
	mu      sync.RWMutex
	viewers map[*viewer]struct{}
	closed  bool

	cfg      Config
	upgrader websocket.Upgrader

	queueMu  sync.Mutex
	queueSeq uint64
}

type viewer struct {
	conn *websocket.Conn
	send chan []byte
}

// NewNotifier creates a notifier.
func NewNotifier(cfg Config) *Notifier {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 16
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	n := &Notifier{
		viewers: make(map[*viewer]struct{}),
		cfg:     cfg,
	}
	n.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     n.checkOrigin,
	}
	return n
}

func (n *Notifier) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(n.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range n.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Broadcast pushes one message to every open viewer and returns how many
// accepted it. Viewers whose send buffer is full miss the message.
func (n *Notifier) Broadcast(channelTag, message string, data any) int {
	payload, err := json.Marshal(Message{
		ChannelTag: channelTag,
		Message:    message,
		Data:       data,
		Success:    true,
	})
	if err != nil {
		zap.L().Warn("failed to encode broadcast", zap.String("channel", channelTag), zap.Error(err))
		return 0
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	delivered := 0
	for v := range n.viewers {
		select {
		case v.send <- payload:
			delivered++
		default:
			metrics.RecordDropped(channelTag)
		}
	}

	if dropped := len(n.viewers) - delivered; dropped > 0 {
		zap.L().Warn("broadcast dropped for slow viewers",
			zap.String("channel", channelTag),
			zap.Int("dropped", dropped),
		)
	}
	return delivered
}

// BroadcastQueue pushes a queue snapshot unless a newer one was already
// sent. Snapshots without a sequence number are always sent.
func (n *Notifier) BroadcastQueue(snapshot models.QueueSnapshot) int {
	n.queueMu.Lock()
	defer n.queueMu.Unlock()

	if snapshot.Seq != 0 {
		if snapshot.Seq <= n.queueSeq {
			zap.L().Debug("stale queue snapshot skipped",
				zap.Uint64("seq", snapshot.Seq),
				zap.Uint64("latest", n.queueSeq),
			)
			return 0
		}
		n.queueSeq = snapshot.Seq
	}
	return n.Broadcast(ChannelQueue, "queue updated", snapshot)
}

// Count returns the number of open viewers.
func (n *Notifier) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.viewers)
}

// ServeHTTP upgrades the request to a viewer connection and serves it until
// the viewer disconnects.
func (n *Notifier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	v := &viewer{
		conn: conn,
		send: make(chan []byte, n.cfg.SendBuffer),
	}
	if !n.register(v) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(n.cfg.WriteTimeout))
		conn.Close()
		return
	}
	log.Debug("viewer connected", zap.String("remote", r.RemoteAddr))

	n.enqueue(v, Message{ChannelTag: ChannelConnection, Message: "connected", Success: true})

	go n.writePump(v)
	n.readPump(v)

	log.Debug("viewer disconnected", zap.String("remote", r.RemoteAddr))
}

func (n *Notifier) register(v *viewer) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.viewers[v] = struct{}{}
	metrics.ViewerConnected()
	return true
}

// unregister removes a viewer and closes its send channel, which stops its
// write pump. It is safe to call more than once.
func (n *Notifier) unregister(v *viewer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.viewers[v]; !ok {
		return
	}
	delete(n.viewers, v)
	close(v.send)
	metrics.ViewerDisconnected()
}

// enqueue sends a message to a single viewer, best effort.
func (n *Notifier) enqueue(v *viewer, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if _, ok := n.viewers[v]; !ok {
		return
	}
	select {
	case v.send <- payload:
	default:
		metrics.RecordDropped(msg.ChannelTag)
	}
}

// readPump consumes client frames. Text frames are echoed back as a
// connection acknowledgement.
func (n *Notifier) readPump(v *viewer) {
	defer func() {
		n.unregister(v)
		v.conn.Close()
	}()

	pongWait := n.cfg.PingInterval * pongWaitFactor
	v.conn.SetReadLimit(maxMessageSize)
	v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zap.L().Debug("viewer read failed", zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		var echo any = string(data)
		if json.Valid(data) {
			echo = json.RawMessage(data)
		}
		n.enqueue(v, Message{ChannelTag: ChannelConnection, Message: "acknowledged", Data: echo, Success: true})
	}
}

func (n *Notifier) writePump(v *viewer) {
	ticker := time.NewTicker(n.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		v.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-v.send:
			v.conn.SetWriteDeadline(time.Now().Add(n.cfg.WriteTimeout))
			if !ok {
				v.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := v.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			v.conn.SetWriteDeadline(time.Now().Add(n.cfg.WriteTimeout))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every viewer and refuses new ones.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for v := range n.viewers {
		delete(n.viewers, v)
		close(v.send)
		metrics.ViewerDisconnected()
	}
}
