package events

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	wsPingEvery = 30 * time.Second
)

// Broadcaster relays the bus's event stream to connected websocket clients.
// Register its Handler on the operator-facing HTTP mux.
type Broadcaster struct {
	bus      *Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBroadcaster subscribes to bus and starts the relay loop.
func NewBroadcaster(bus *Bus, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broadcaster{
		bus:    bus,
		logger: logger.With("component", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		conns:  make(map[*websocket.Conn]struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.relay(ctx)
	return b
}

// Handler upgrades an operator connection and keeps it registered until it
// drops.
func (b *Broadcaster) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()
	b.logger.Info("operator websocket connected", "remote", conn.RemoteAddr().String())

	// Drain (and discard) client frames so pings and closes are processed.
	go func() {
		defer b.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (b *Broadcaster) relay(ctx context.Context) {
	defer close(b.done)

	sub := b.bus.Subscribe(256)
	defer sub.Close()

	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events:
			if !ok {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				b.logger.Error("marshal event", "error", err)
				continue
			}
			b.broadcast(websocket.TextMessage, payload)
		case <-ping.C:
			b.broadcast(websocket.PingMessage, nil)
		}
	}
}

func (b *Broadcaster) broadcast(messageType int, payload []byte) {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.WriteMessage(messageType, payload); err != nil {
			b.drop(c)
		}
	}
}

func (b *Broadcaster) drop(conn *websocket.Conn) {
	b.mu.Lock()
	_, ok := b.conns[conn]
	delete(b.conns, conn)
	b.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Close stops the relay loop and disconnects every client.
func (b *Broadcaster) Close() {
	b.cancel()
	<-b.done

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		c.Close()
	}
	b.conns = make(map[*websocket.Conn]struct{})
}
