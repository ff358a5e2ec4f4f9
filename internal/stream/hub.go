// Package stream fans live vehicle state out to WebSocket subscribers. A new
// connection receives one vehicle_update frame per cached vehicle, oldest
// insertion first, before any broadcast reaches it; subscribers whose
// outbound backlog exceeds the byte limit are dropped and closed.
package stream

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stb13579/fleetd/internal/telemetry"
)

// DefaultBufferLimitBytes caps a subscriber's staged outbound bytes when the
// configuration does not say otherwise.
const DefaultBufferLimitBytes = 512 * 1024

// Per-connection write and keepalive tuning.
const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxInboundBytes = 512
)

// Hub owns the live subscriber set. The ingest pipeline feeds it updates,
// the vehicle cache's expiry callback feeds it removals, and queries read
// the subscriber count from it.
type Hub struct {
	version  int
	limit    int64
	snapshot func() []telemetry.Enriched

	upgrader websocket.Upgrader

	mu     sync.Mutex
	subs   map[string]*subscriber
	closed bool

	wg sync.WaitGroup
}

// NewHub builds a hub stamping frames with the given payload version.
// snapshot supplies the cached fleet state in insertion order;
// bufferLimitBytes caps each subscriber's staged backlog (<= 0 selects
// DefaultBufferLimitBytes).
func NewHub(version int, bufferLimitBytes int64, snapshot func() []telemetry.Enriched) *Hub {
	if bufferLimitBytes <= 0 {
		bufferLimitBytes = DefaultBufferLimitBytes
	}
	return &Hub{
		version:  version,
		limit:    bufferLimitBytes,
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[string]*subscriber),
	}
}

// ServeHTTP upgrades the request and attaches the connection as a
// subscriber. Snapshot and attach happen under one hold of the lock, so no
// broadcast can interleave: the client sees each vehicle's snapshot state
// before any later update for it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[hub] upgrade: %v", err)
		return
	}
	sub := newSubscriber(conn)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	overflow := false
	if h.snapshot != nil {
		for _, v := range h.snapshot() {
			msg, err := encodeUpdate(h.version, v)
			if err != nil {
				log.Printf("[hub] encode snapshot for %s: %v", v.VehicleID, err)
				continue
			}
			if !sub.enqueue(msg, h.limit) {
				overflow = true
				break
			}
		}
	}
	if overflow {
		h.mu.Unlock()
		conn.Close()
		log.Printf("[hub] reject subscriber %s: snapshot exceeds %d byte buffer limit", sub.id, h.limit)
		return
	}
	h.subs[sub.id] = sub
	n := len(h.subs)
	h.wg.Add(2)
	h.mu.Unlock()

	log.Printf("[hub] subscriber %s connected (%d connected)", sub.id, n)

	go func() { defer h.wg.Done(); h.writePump(sub) }()
	go func() { defer h.wg.Done(); h.readPump(sub) }()
}

// BroadcastUpdate fans one enriched vehicle state out to every subscriber.
func (h *Hub) BroadcastUpdate(v telemetry.Enriched) {
	msg, err := encodeUpdate(h.version, v)
	if err != nil {
		log.Printf("[hub] encode update for %s: %v", v.VehicleID, err)
		return
	}
	h.broadcast(msg)
}

// BroadcastRemove announces that a vehicle left the cache.
func (h *Hub) BroadcastRemove(vehicleID string) {
	msg, err := encodeRemove(h.version, vehicleID)
	if err != nil {
		log.Printf("[hub] encode remove for %s: %v", vehicleID, err)
		return
	}
	h.broadcast(msg)
}

// broadcast stages one marshalled frame on every open subscriber. Torn-down
// subscribers are reaped silently; a subscriber that would exceed its byte
// budget loses the frame and the connection.
func (h *Hub) broadcast(msg []byte) {
	h.mu.Lock()
	var dropped []*subscriber
	for id, sub := range h.subs {
		if sub.closing() {
			delete(h.subs, id)
			continue
		}
		if !sub.enqueue(msg, h.limit) {
			delete(h.subs, id)
			dropped = append(dropped, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range dropped {
		sub.close()
		log.Printf("[hub] drop subscriber %s: outbound buffer over %d bytes", sub.id, h.limit)
	}
}

// ClientCount returns the number of attached subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Shutdown detaches every subscriber, sends close frames, and waits for the
// pumps to exit or ctx to expire. New connections are refused afterwards.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for id, sub := range h.subs {
		subs = append(subs, sub)
		delete(h.subs, id)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writePump drains the subscriber's outbox onto the connection and keeps the
// connection alive with pings. It is the connection's only writer and closes
// it on exit.
func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()
	for {
		select {
		case <-sub.wake:
			for {
				msg, ok := sub.next()
				if !ok {
					break
				}
				_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.drop(sub, err)
					return
				}
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(sub, err)
				return
			}
		case <-sub.done:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = sub.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump consumes inbound frames until the connection dies. Subscribers
// have nothing the hub acts on, so every inbound kind is ignored; reading
// still services pong handling and close detection.
func (h *Hub) readPump(sub *subscriber) {
	defer h.drop(sub, nil)
	sub.conn.SetReadLimit(maxInboundBytes)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// drop detaches sub if still attached and signals teardown. A non-nil
// reason marks a send failure and is logged as such; a detach that already
// happened elsewhere stays quiet.
func (h *Hub) drop(sub *subscriber, reason error) {
	h.mu.Lock()
	_, present := h.subs[sub.id]
	if present {
		delete(h.subs, sub.id)
	}
	n := len(h.subs)
	h.mu.Unlock()

	sub.close()
	if !present {
		return
	}
	if reason != nil {
		log.Printf("[hub] drop subscriber %s: send failed: %v (%d connected)", sub.id, reason, n)
	} else {
		log.Printf("[hub] subscriber %s disconnected (%d connected)", sub.id, n)
	}
}
