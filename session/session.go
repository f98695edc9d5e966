// Package session implements the WebSocket session coordinator of §4.G:
// identity assignment, single-writer control transfer, cursor/client-list
// broadcast, and the inbound message taxonomy gating which messages a
// non-controller may send. Each connected client gets its own read pump and
// write pump hung off a shared hub, the idiomatic Go shape for a
// github.com/gorilla/websocket server handling many concurrent sockets.
package session

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"seedhammer.com/axidraw"
	"seedhammer.com/ctlerr"
	"seedhammer.com/motion"
	"seedhammer.com/queue"
	"seedhammer.com/serial"
	"seedhammer.com/spatial"
)

// Palette is the fixed color cycle new sessions are assigned from (§4.G
// "Identity").
var Palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
}

// ClientInfo is the public projection of a session shared with peers
// (§3 "Session registry").
type ClientInfo struct {
	ID     int64   `json:"id"`
	Name   string  `json:"name"`
	Color  string  `json:"color"`
	Cursor [2]float64 `json:"cursor"`
}

// Session is one connected WebSocket client.
type Session struct {
	ID    int64
	Color string

	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	name   string
	cursor [2]float64
}

func (s *Session) info() ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ClientInfo{ID: s.ID, Name: s.name, Color: s.Color, Cursor: s.cursor}
}

// inbound is the discriminated envelope of §4.G "Message taxonomy".
type inbound struct {
	Type   string          `json:"type"`
	Name   string          `json:"name,omitempty"`
	X      float64         `json:"x,omitempty"`
	Y      float64         `json:"y,omitempty"`
	Action string          `json:"action,omitempty"`
	Dir    string          `json:"dir,omitempty"`
	Spatial json.RawMessage `json:"spatial,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// Hub owns the session registry and control-transfer policy. The zero
// value is not usable; construct with New.
type Hub struct {
	facade *axidraw.Facade
	driver *serial.Driver
	proc   *spatial.Processor
	queue  *queue.Queue
	log    *log.Logger

	upgrader websocket.Upgrader

	mu           sync.Mutex
	sessions     map[int64]*Session
	nextID       int64
	controllerID int64 // 0 means no controller
}

// Config wires a Hub to its collaborators.
type Config struct {
	Facade *axidraw.Facade
	Driver *serial.Driver
	Spatial *spatial.Processor
	Queue  *queue.Queue
	Logger *log.Logger
}

// New constructs a Hub.
func New(cfg Config) *Hub {
	l := cfg.Logger
	if l == nil {
		l = log.Default()
	}
	h := &Hub{
		facade:   cfg.Facade,
		driver:   cfg.Driver,
		proc:     cfg.Spatial,
		queue:    cfg.Queue,
		log:      l,
		sessions: make(map[int64]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if h.proc != nil {
		h.proc.OnState(h.onSpatialState)
	}
	return h
}

// ServeHTTP upgrades the connection and runs the session until it closes
// (§4.G, §6 "WebSocket surface": path "/spatial").
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Printf("session: upgrade failed: %v", err)
		return
	}
	s := h.register(conn)
	defer h.unregister(s)

	done := make(chan struct{})
	go s.writePump(done)
	s.readPump(h)
	close(done)
}

func (h *Hub) register(conn *websocket.Conn) *Session {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	color := Palette[int(id-1)%len(Palette)]
	s := &Session{ID: id, Color: color, conn: conn, send: make(chan []byte, 64)}
	h.sessions[id] = s
	// §4.G "Control transfer": the most recent connect takes control.
	prevController := h.controllerID
	h.controllerID = id
	others := make([]ClientInfo, 0, len(h.sessions)-1)
	for oid, os := range h.sessions {
		if oid != id {
			others = append(others, os.info())
		}
	}
	h.mu.Unlock()

	h.sendWelcome(s, others)
	if prevController != id {
		// The new session already learns the controller from its welcome.
		h.broadcastExcept(id, map[string]any{"type": "control_changed", "controllerId": id})
	}
	h.broadcastExcept(id, map[string]any{"type": "client_joined", "client": s.info()})
	return s
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID)
	wasController := h.controllerID == s.ID
	if wasController {
		h.controllerID = 0
	}
	close(s.send)
	h.mu.Unlock()

	h.broadcast(map[string]any{"type": "client_left", "id": s.ID})
	if wasController {
		// §4.G "Control transfer": releasing control lifts the pen as a
		// safety measure.
		if h.facade != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			h.facade.PenUp(ctx, false)
			cancel()
		}
		h.broadcast(map[string]any{"type": "control_changed", "controllerId": nil})
	}
}

func (h *Hub) sendWelcome(s *Session, others []ClientInfo) {
	msg := map[string]any{
		"type":         "welcome",
		"id":           s.ID,
		"color":        s.Color,
		"controllerId": h.ControllerID(),
		"clients":      others,
	}
	if h.facade != nil {
		x, y := h.facade.PositionIn(axidraw.UnitMM)
		msg["position"] = map[string]float64{"x": x, "y": y}
		msg["penDown"] = h.facade.PenState().String() == "down"
		path := h.facade.Path()
		pts := make([]map[string]any, len(path))
		for i, p := range path {
			pts[i] = map[string]any{"x": p.X, "y": p.Y, "penDown": p.PenDown}
		}
		msg["path"] = pts
	}
	s.sendJSON(msg)
}

// ControllerID returns the current controller's session id, or 0 if none.
func (h *Hub) ControllerID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controllerID
}

// IsController reports whether id currently holds control.
func (h *Hub) IsController(id int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controllerID == id
}

func (h *Hub) broadcast(v any) { h.broadcastExcept(0, v) }

func (h *Hub) broadcastExcept(exclude int64, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Printf("session: marshal broadcast: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.sessions {
		if id == exclude {
			continue
		}
		select {
		case s.send <- data:
		default:
			// Slow consumer: drop rather than block the hub.
		}
	}
}

func (s *Session) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	default:
	}
}

func (s *Session) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Session) readPump(h *Hub) {
	s.conn.SetReadLimit(64 * 1024)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendJSON(map[string]any{"type": "error", "error": "malformed message"})
			continue
		}
		h.handle(s, msg)
	}
}

// handle dispatches one inbound message per §4.G "Message taxonomy":
// non-controllers are restricted to messages that cannot drive hardware.
func (h *Hub) handle(s *Session, msg inbound) {
	isController := h.IsController(s.ID)
	switch msg.Type {
	case "client_cursor":
		s.mu.Lock()
		s.cursor = [2]float64{msg.X, msg.Y}
		s.mu.Unlock()
		h.broadcastExcept(s.ID, map[string]any{"type": "client_cursor", "id": s.ID, "x": msg.X, "y": msg.Y})
		return
	case "client_name":
		s.mu.Lock()
		s.name = msg.Name
		s.mu.Unlock()
		h.broadcast(map[string]any{"type": "client_updated", "client": s.info()})
		return
	case "ping":
		s.sendJSON(map[string]any{"type": "pong"})
		return
	}

	if !isController {
		s.sendJSON(map[string]any{"type": "error", "error": "not in control"})
		return
	}

	switch msg.Type {
	case "spatial":
		h.handleSpatial(s, msg)
	case "dpad":
		h.handleDpad(s, msg)
	case "event":
		h.handleEvent(s, msg)
	case "sync":
		h.handleSync(s)
	case "config":
		// Live configuration updates are applied by the caller owning
		// the spatial.Processor's Config; this hub only acknowledges.
		s.sendJSON(map[string]any{"type": "config_updated"})
	default:
		s.sendJSON(map[string]any{"type": "error", "error": "unknown message type: " + msg.Type})
	}
}

func (h *Hub) handleSpatial(s *Session, msg inbound) {
	if h.proc == nil {
		return
	}
	var sample spatial.Sample
	if len(msg.Spatial) > 0 {
		if err := json.Unmarshal(msg.Spatial, &sample); err != nil {
			s.sendJSON(map[string]any{"type": "error", "error": "malformed spatial payload"})
			return
		}
	}
	h.proc.ProcessSample(sample)
}

// dpadStep is the fixed nudge distance for dpad messages (§4.G "Message
// taxonomy": "dpad (cardinal 5 mm nudges)").
const dpadStep = 5.0

func (h *Hub) handleDpad(s *Session, msg inbound) {
	if h.facade == nil {
		return
	}
	var dx, dy float64
	switch msg.Dir {
	case "up":
		dy = -dpadStep
	case "down":
		dy = dpadStep
	case "left":
		dx = -dpadStep
	case "right":
		dx = dpadStep
	default:
		s.sendJSON(map[string]any{"type": "error", "error": "unknown dpad direction"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.facade.Move(ctx, dx, dy, axidraw.UnitMM, motion.MoveOptions{}); err != nil {
		s.sendJSON(map[string]any{"type": "error", "error": ctlerr.Message(err)})
		return
	}
	h.broadcastPosition()
}

func (h *Hub) handleEvent(s *Session, msg inbound) {
	if h.facade == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var err error
	switch msg.Action {
	case "pen_up":
		err = h.facade.PenUp(ctx, false)
	case "pen_down":
		err = h.facade.PenDown(ctx, false)
	case "pen_toggle":
		err = h.facade.PenToggle(ctx)
	case "pen_sync":
		_, err = h.facade.PenSync(ctx)
	case "stop":
		err = h.facade.EmergencyStop(ctx)
	case "home":
		err = h.facade.Home(ctx, 0)
	case "reset":
		err = h.facade.Reorigin(ctx)
	case "motors_on":
		err = h.facade.MotorsOn(ctx)
	case "motors_off":
		err = h.facade.MotorsOff(ctx)
	case "version":
		s.sendJSON(map[string]any{"type": "version", "version": h.facade.GetVersion()})
		return
	case "reboot":
		if h.driver == nil {
			s.sendJSON(map[string]any{"type": "error", "error": "no serial driver configured"})
			return
		}
		err = h.driver.WriteRaw("RB")
	case "nickname":
		if msg.Name == "" {
			name, nerr := h.facade.Nickname(ctx)
			if nerr != nil {
				s.sendJSON(map[string]any{"type": "error", "error": ctlerr.Message(nerr)})
				return
			}
			s.sendJSON(map[string]any{"type": "nickname", "name": name})
			return
		}
		err = h.facade.SetNickname(ctx, msg.Name)
	default:
		s.sendJSON(map[string]any{"type": "error", "error": "unknown event action: " + msg.Action})
		return
	}
	if err != nil {
		s.sendJSON(map[string]any{"type": "error", "error": ctlerr.Message(err)})
		return
	}
	h.broadcast(map[string]any{"type": "state", "penDown": h.facade.PenState().String() == "down"})
}

func (h *Hub) handleSync(s *Session) {
	if h.facade == nil || h.proc == nil {
		return
	}
	x, y := h.facade.PositionIn(axidraw.UnitMM)
	h.proc.SyncPosition(x, y, 0)
	s.sendJSON(map[string]any{"type": "synced", "x": x, "y": y})
}

func (h *Hub) broadcastPosition() {
	if h.facade == nil {
		return
	}
	x, y := h.facade.PositionIn(axidraw.UnitMM)
	h.broadcast(map[string]any{
		"type":    "state",
		"x":       x,
		"y":       y,
		"penDown": h.facade.PenState().String() == "down",
	})
}

// onSpatialState is registered as the spatial.Processor's state-update
// callback, rebroadcasting integrated position to all sessions (§4.E
// "Velocity-mode tick": "emit a state-update event to observers").
func (h *Hub) onSpatialState(st spatial.State) {
	h.broadcast(map[string]any{
		"type":         "state",
		"x":            st.X,
		"y":            st.Y,
		"z":            st.Z,
		"vx":           st.VX,
		"vy":           st.VY,
		"penDown":      st.PenDown,
	})
}

// PublishPathUpdate broadcasts a path-history point (§4.D "Path history").
// Its signature matches axidraw.Facade.OnPathUpdate; cmd/axidrawd does not
// assign it there, so that binary sends no path_update messages.
func (h *Hub) PublishPathUpdate(p axidraw.PathPoint) {
	h.broadcast(map[string]any{
		"type":    "path_update",
		"x":       p.X,
		"y":       p.Y,
		"penDown": p.PenDown,
	})
}

// PublishQueueUpdate broadcasts a queue-state change, wired to
// queue.Queue.OnUpdate (§4.F).
func (h *Hub) PublishQueueUpdate() {
	if h.queue == nil {
		return
	}
	h.broadcast(map[string]any{"type": "queue_update", "jobs": h.queue.List()})
}

// PublishSerialState broadcasts a connection-state change as a
// serial_state message. Nothing in this repository calls it; cmd/axidrawd
// does not connect it to axidraw.Facade.OnStateChange.
func (h *Hub) PublishSerialState(state string) {
	h.broadcast(map[string]any{"type": "serial_state", "state": state})
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
