// Package stream broadcasts render buffer positions to websocket clients.
//
// Each frame is one binary message:
//
//	offset 0  uint64  render buffer version
//	offset 8  uint32  object count N
//	offset 12 float32 x0 y0 z0 x1 ... (3N values)
//
// all little-endian.
package stream

import (
	"encoding/binary"
	"errors"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gogpu/orbit"
)

// HeaderSize is the size of the frame header in bytes.
const HeaderSize = 12

const writeWait = 2 * time.Second

var ErrShortFrame = errors.New("stream: short frame")

// EncodeFrame appends one frame to dst.
func EncodeFrame(dst []byte, version uint64, positions []float32) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, version)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(positions)/3))
	for _, v := range positions[:len(positions)/3*3] {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}

// DecodeFrame parses a frame, appending positions to dst.
func DecodeFrame(dst []float32, frame []byte) (uint64, []float32, error) {
	if len(frame) < HeaderSize {
		return 0, dst, ErrShortFrame
	}
	version := binary.LittleEndian.Uint64(frame)
	n := int(binary.LittleEndian.Uint32(frame[8:]))
	body := frame[HeaderSize:]
	if len(body) != n*12 {
		return 0, dst, ErrShortFrame
	}
	for i := 0; i < 3*n; i++ {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:])))
	}
	return version, dst, nil
}

type client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Hub tracks connected clients and fans frames out to them.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
	last    []byte

	// reused by Publish
	source    *orbit.RenderBuffer
	positions []float32
	version   uint64
}

// NewHub returns a hub accepting connections from any origin.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*client),
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and keeps the client until it disconnects.
// A new client receives the latest frame right away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		orbit.Logger().Warn("stream: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := &client{conn: conn}

	h.mu.Lock()
	h.clients[conn] = c
	last := h.last
	h.mu.Unlock()
	orbit.Logger().Debug("stream: client connected", "remote", r.RemoteAddr)

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
		orbit.Logger().Debug("stream: client disconnected", "remote", r.RemoteAddr)
	}()

	if last != nil {
		if err := c.write(last); err != nil {
			return
		}
	}
	// Clients only listen; reading drives control frames and detects close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Broadcast sends frame to every client. Clients that fail to receive it
// are closed. The hub keeps frame for clients that connect later, so the
// caller must not modify it afterwards.
func (h *Hub) Broadcast(frame []byte) {
	h.mu.Lock()
	h.last = frame
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.write(frame); err != nil {
			orbit.Logger().Debug("stream: write failed", "err", err)
			c.conn.Close()
		}
	}
}

// Publish broadcasts the render buffer if it or its version changed since
// the last call. It reports whether a frame was sent. Publish must not be
// called concurrently.
func (h *Hub) Publish(rb *orbit.RenderBuffer) bool {
	var version uint64
	h.positions, version = rb.Snapshot(h.positions)
	if rb == h.source && version == h.version {
		return false
	}
	h.source = rb
	h.version = version
	h.Broadcast(EncodeFrame(nil, version, h.positions))
	return true
}
