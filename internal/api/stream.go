package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/langplay/internal/domain"
	"github.com/ashureev/langplay/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const streamWriteTimeout = 10 * time.Second

// streamMessage is pushed to clients after every state change.
type streamMessage struct {
	Type  string              `json:"type"`
	State domain.SessionState `json:"state"`
}

// StreamManager tracks open state streams per device.
type StreamManager struct {
	mu     sync.Mutex
	active map[string]map[*websocket.Conn]struct{}
	logger *slog.Logger
}

// NewStreamManager creates an empty stream manager.
func NewStreamManager(logger *slog.Logger) *StreamManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamManager{
		active: make(map[string]map[*websocket.Conn]struct{}),
		logger: logger,
	}
}

// Register adds conn to deviceID's streams.
func (m *StreamManager) Register(deviceID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[deviceID]; !ok {
		m.active[deviceID] = make(map[*websocket.Conn]struct{})
	}
	m.active[deviceID][conn] = struct{}{}
	m.logger.Debug("State stream registered", "device_id", deviceID)
}

// Unregister removes conn.
func (m *StreamManager) Unregister(deviceID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conns, ok := m.active[deviceID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(m.active, deviceID)
		}
	}
}

// Count reports how many streams deviceID has open.
func (m *StreamManager) Count(deviceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active[deviceID])
}

// CloseDevice closes every stream of deviceID. Clients reconnect and attach
// to the device's new session.
func (m *StreamManager) CloseDevice(deviceID string) {
	m.mu.Lock()
	conns := m.active[deviceID]
	delete(m.active, deviceID)
	m.mu.Unlock()

	for conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "session closed")
	}
	if len(conns) > 0 {
		m.logger.Info("State streams closed", "device_id", deviceID, "count", len(conns))
	}
}

// OriginHosts converts allowed origins to websocket origin patterns.
func OriginHosts(origins []string) []string {
	var out []string
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

// SetOriginPatterns sets the origins allowed to open a stream. With none set,
// only same-host origins are accepted.
func (h *Handler) SetOriginPatterns(patterns []string) {
	h.originPatterns = patterns
}

// Stream upgrades to a WebSocket and pushes the session state on connect and
// after every change. Updates are coalesced: a slow client only ever receives
// the latest state.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entry(w, r)
	if !ok {
		return
	}
	deviceID := identity.DeviceIDFromContext(r.Context())

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Warn("Failed to accept WebSocket", "error", err, "device_id", deviceID)
		return
	}
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "stream ended")
	}()

	h.streams.Register(deviceID, ws)
	defer h.streams.Unregister(deviceID, ws)

	updates := make(chan domain.SessionState, 1)
	unsubscribe := e.Session.Subscribe(func(st domain.SessionState) {
		for {
			select {
			case updates <- st:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	ctx := ws.CloseRead(r.Context())

	if err := h.push(ctx, ws, e.Session.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("State stream closed", "device_id", deviceID)
			return
		case st := <-updates:
			if err := h.push(ctx, ws, st); err != nil {
				return
			}
		}
	}
}

func (h *Handler) push(ctx context.Context, ws *websocket.Conn, st domain.SessionState) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ws, streamMessage{Type: "state", State: st}); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			h.logger.Debug("State stream write failed", "error", err)
		}
		return err
	}
	return nil
}
