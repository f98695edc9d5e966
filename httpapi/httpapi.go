// Package httpapi implements the REST/WebSocket surface of §4.H and §6: a
// thin translation layer over the axidraw.Facade, the queue.Queue, and the
// session.Hub, plus HTTP coalescing for human jog commands and static
// asset serving with SPA fallback. Collaborators are wired explicitly by
// the caller; there is no web framework.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"seedhammer.com/axidraw"
	"seedhammer.com/ctlerr"
	"seedhammer.com/motion"
	"seedhammer.com/queue"
	"seedhammer.com/serial"
	"seedhammer.com/session"
	"seedhammer.com/spatial"
	"seedhammer.com/svgconv"
)

// Config wires a Server to its collaborators.
type Config struct {
	Facade    *axidraw.Facade
	Driver    *serial.Driver
	Queue     *queue.Queue
	Hub       *session.Hub
	Spatial   *spatial.Processor
	Converter svgconv.Converter

	// PublicRoot, if non-empty, is the directory of static web UI assets,
	// served from the site root; unmatched paths under UIPrefix fall back
	// to PublicRoot/index.html (§4.H "Static assets").
	PublicRoot string
	UIPrefix   string

	Logger *log.Logger
}

// Server implements the HTTP surface over a Config's collaborators.
type Server struct {
	cfg Config
	log *log.Logger
	mux *http.ServeMux

	moveCoalescers   map[string]*coalescer // keyed by unit name
	linetoCoalescers map[string]*coalescer
}

// New constructs a Server and registers its routes.
func New(cfg Config) *Server {
	l := cfg.Logger
	if l == nil {
		l = log.Default()
	}
	if cfg.Converter == nil {
		cfg.Converter = svgconv.Basic{}
	}
	s := &Server{
		cfg:              cfg,
		log:              l,
		mux:              http.NewServeMux(),
		moveCoalescers:   make(map[string]*coalescer),
		linetoCoalescers: make(map[string]*coalescer),
	}
	// Create every unit's coalescers up front so concurrent handlers only
	// read the maps.
	for _, u := range []axidraw.Unit{axidraw.UnitSteps, axidraw.UnitMM, axidraw.UnitInches} {
		s.moveCoalescer(u)
		s.linetoCoalescer(u)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler, wrapping every request with
// CORS-allow-all headers (§6 "Status codes": "CORS allow-all is
// acceptable").
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/history", s.handleHistory)
	s.mux.HandleFunc("/ports", s.handlePorts)

	s.mux.HandleFunc("/connect", s.handleConnect)
	s.mux.HandleFunc("/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("/initialize", s.handleInitialize)

	s.mux.HandleFunc("/version", s.handleVersion)
	s.mux.HandleFunc("/nickname", s.handleNickname)
	s.mux.HandleFunc("/reboot", s.handleReboot)
	s.mux.HandleFunc("/reset", s.handleReset)
	s.mux.HandleFunc("/reorigin", s.handleReorigin)

	s.mux.HandleFunc("/pen/up", s.handlePen("up"))
	s.mux.HandleFunc("/pen/down", s.handlePen("down"))
	s.mux.HandleFunc("/pen/toggle", s.handlePen("toggle"))
	s.mux.HandleFunc("/pen/sync", s.handlePen("sync"))
	s.mux.HandleFunc("/pen/status", s.handlePenStatus)
	s.mux.HandleFunc("/pen/config", s.handlePenConfig)

	s.mux.HandleFunc("/home", s.handleHome)
	s.mux.HandleFunc("/move", s.handleMove)
	s.mux.HandleFunc("/moveto", s.handleMoveTo)
	s.mux.HandleFunc("/lineto", s.handleLineTo)
	s.mux.HandleFunc("/execute", s.handleExecute)
	s.mux.HandleFunc("/batch", s.handleBatch)
	s.mux.HandleFunc("/position", s.handlePosition)
	s.mux.HandleFunc("/speed", s.handleSpeed)
	s.mux.HandleFunc("/motors/on", s.handleMotors(true))
	s.mux.HandleFunc("/motors/off", s.handleMotors(false))
	s.mux.HandleFunc("/stop", s.handleStop)

	s.mux.HandleFunc("/queue", s.handleQueue)
	s.mux.HandleFunc("/queue/history", s.handleQueueHistory)
	s.mux.HandleFunc("/queue/pause", s.handleQueuePause)
	s.mux.HandleFunc("/queue/resume", s.handleQueueResume)
	s.mux.HandleFunc("/queue/clear", s.handleQueueClear)
	s.mux.HandleFunc("/queue/", s.handleQueueItem)

	s.mux.HandleFunc("/svg", s.handleSVG)
	s.mux.HandleFunc("/svg/upload", s.handleSVGUpload)
	s.mux.HandleFunc("/svg/preview", s.handleSVGPreview)

	s.mux.HandleFunc("/path", s.handlePath)
	s.mux.HandleFunc("/path/clear", s.handlePathClear)

	if s.cfg.Hub != nil {
		s.mux.Handle("/spatial", s.cfg.Hub)
	}
	if s.cfg.PublicRoot != "" {
		s.mux.HandleFunc("/", s.handleStatic)
	}
}

// writeJSON writes v as the response body with status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status code via ctlerr and writes the §7
// error envelope `{ "error": "<message>" }`.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, ctlerr.HTTPStatus(err), map[string]string{"error": ctlerr.Message(err)})
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return ctlerr.Wrap(ctlerr.Validation, "malformed JSON body", err)
	}
	return nil
}

func parseUnit(s string) axidraw.Unit {
	switch strings.ToLower(s) {
	case "mm", "millimeters", "millimeter":
		return axidraw.UnitMM
	case "in", "inch", "inches":
		return axidraw.UnitInches
	default:
		return axidraw.UnitSteps
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"state": s.cfg.Facade.State().String(),
	}
	x, y := s.cfg.Facade.PositionIn(axidraw.UnitMM)
	resp["position"] = map[string]float64{"x": x, "y": y}
	resp["pen"] = s.cfg.Facade.PenState().String()
	if r.URL.Query().Get("hardware") == "true" && s.cfg.Driver != nil {
		ctx, cancel := context.WithTimeout(r.Context(), serial.DefaultTimeout)
		defer cancel()
		st, err := s.cfg.Driver.GeneralStatus(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		resp["hardware"] = st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	hist := s.cfg.Facade.History()
	if limit > 0 && limit < len(hist) {
		hist = hist[len(hist)-limit:]
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := serial.DiscoverPorts()
	if err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.Transport, "discover ports", err))
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Port string `json:"port"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Port != "" {
		s.cfg.Driver.SetDevice(body.Port)
	}
	if err := s.cfg.Facade.Connect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Facade.GetVersion()})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Facade.Disconnect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Facade.EnsureReady(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": s.cfg.Facade.State().String()})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Facade.GetVersion()})
}

func (s *Server) handleNickname(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		if err := s.cfg.Facade.SetNickname(r.Context(), body.Name); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"nickname": body.Name})
		return
	}
	name, err := s.cfg.Facade.Nickname(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"nickname": name})
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Driver.WriteRaw("RB"); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Driver.Command(r.Context(), "R", serial.DefaultTimeout); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReorigin(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Facade.Reorigin(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	x, y := s.cfg.Facade.PositionIn(axidraw.UnitMM)
	writeJSON(w, http.StatusOK, map[string]float64{"x": x, "y": y})
}

func (s *Server) handlePen(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		switch action {
		case "up":
			err = s.cfg.Facade.PenUp(r.Context(), false)
		case "down":
			err = s.cfg.Facade.PenDown(r.Context(), false)
		case "toggle":
			err = s.cfg.Facade.PenToggle(r.Context())
		case "sync":
			_, err = s.cfg.Facade.PenSync(r.Context())
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"pen": s.cfg.Facade.PenState().String()})
	}
}

func (s *Server) handlePenStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"pen": s.cfg.Facade.PenState().String()})
}

func (s *Server) handlePenConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var body struct {
			PosUp      *int `json:"posUp"`
			PosDown    *int `json:"posDown"`
			RateRaise  *int `json:"rateRaise"`
			RateLower  *int `json:"rateLower"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		cfg := s.cfg.Facade.ServoConfig()
		if body.PosUp != nil {
			cfg.PosUp = *body.PosUp
		}
		if body.PosDown != nil {
			cfg.PosDown = *body.PosDown
		}
		if body.RateRaise != nil {
			cfg.RateRaise = *body.RateRaise
		}
		if body.RateLower != nil {
			cfg.RateLower = *body.RateLower
		}
		if err := s.cfg.Facade.ConfigurePen(r.Context(), cfg); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.cfg.Facade.ServoConfig())
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rate float64 `json:"rate"`
	}
	decodeJSON(r, &body)
	if err := s.cfg.Facade.Home(r.Context(), body.Rate); err != nil {
		writeError(w, err)
		return
	}
	x, y := s.cfg.Facade.PositionIn(axidraw.UnitMM)
	writeJSON(w, http.StatusOK, map[string]float64{"x": x, "y": y})
}

type moveBody struct {
	DX    float64 `json:"dx"`
	DY    float64 `json:"dy"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Units string  `json:"units"`
}

func (s *Server) coalesceWindow(r *http.Request) (time.Duration, bool) {
	v := r.URL.Query().Get("coalesce")
	if v == "" {
		return 0, false
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func (s *Server) moveCoalescer(unit axidraw.Unit) *coalescer {
	key := unitKey(unit)
	c, ok := s.moveCoalescers[key]
	if !ok {
		c = newCoalescer(func(ctx context.Context, dx, dy float64, u axidraw.Unit) (float64, float64, error) {
			err := s.cfg.Facade.Move(ctx, dx, dy, u, motion.MoveOptions{})
			x, y := s.cfg.Facade.PositionIn(axidraw.UnitMM)
			return x, y, err
		})
		s.moveCoalescers[key] = c
	}
	return c
}

func (s *Server) linetoCoalescer(unit axidraw.Unit) *coalescer {
	key := unitKey(unit)
	c, ok := s.linetoCoalescers[key]
	if !ok {
		c = newCoalescer(func(ctx context.Context, dx, dy float64, u axidraw.Unit) (float64, float64, error) {
			err := s.cfg.Facade.LineTo(ctx, dx, dy, u, motion.MoveOptions{})
			x, y := s.cfg.Facade.PositionIn(axidraw.UnitMM)
			return x, y, err
		})
		s.linetoCoalescers[key] = c
	}
	return c
}

func unitKey(u axidraw.Unit) string {
	switch u {
	case axidraw.UnitMM:
		return "mm"
	case axidraw.UnitInches:
		return "in"
	default:
		return "steps"
	}
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var body moveBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	unit := parseUnit(body.Units)
	if window, ok := s.coalesceWindow(r); ok {
		res := s.moveCoalescer(unit).Add(body.DX, body.DY, unit, window)
		if res.err != nil {
			writeError(w, res.err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]float64{"x": res.x, "y": res.y})
		return
	}
	if err := s.cfg.Facade.Move(r.Context(), body.DX, body.DY, unit, motion.MoveOptions{}); err != nil {
		writeError(w, err)
		return
	}
	x, y := s.cfg.Facade.PositionIn(axidraw.UnitMM)
	writeJSON(w, http.StatusOK, map[string]float64{"x": x, "y": y})
}

func (s *Server) handleMoveTo(w http.ResponseWriter, r *http.Request) {
	var body moveBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	unit := parseUnit(body.Units)
	if err := s.cfg.Facade.MoveTo(r.Context(), body.X, body.Y, unit); err != nil {
		writeError(w, err)
		return
	}
	x, y := s.cfg.Facade.PositionIn(axidraw.UnitMM)
	writeJSON(w, http.StatusOK, map[string]float64{"x": x, "y": y})
}

func (s *Server) handleLineTo(w http.ResponseWriter, r *http.Request) {
	var body moveBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	unit := parseUnit(body.Units)
	if window, ok := s.coalesceWindow(r); ok {
		res := s.linetoCoalescer(unit).Add(body.DX, body.DY, unit, window)
		if res.err != nil {
			writeError(w, res.err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]float64{"x": res.x, "y": res.y})
		return
	}
	if err := s.cfg.Facade.LineTo(r.Context(), body.DX, body.DY, unit, motion.MoveOptions{}); err != nil {
		writeError(w, err)
		return
	}
	x, y := s.cfg.Facade.PositionIn(axidraw.UnitMM)
	writeJSON(w, http.StatusOK, map[string]float64{"x": x, "y": y})
}

// apiCommand is the JSON wire shape of axidraw.Command for /execute and
// /svg bodies.
type apiCommand struct {
	Op       string  `json:"op"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Unit     string  `json:"unit"`
	Speed    float64 `json:"speed"`
	Duration int     `json:"durationMs"`
	Rate     float64 `json:"rate"`
}

func toAxidrawCommands(cmds []apiCommand) []axidraw.Command {
	out := make([]axidraw.Command, len(cmds))
	for i, c := range cmds {
		out[i] = axidraw.Command{
			Op:       c.Op,
			X:        c.X,
			Y:        c.Y,
			Unit:     parseUnit(c.Unit),
			Speed:    c.Speed,
			Duration: time.Duration(c.Duration) * time.Millisecond,
			Rate:     c.Rate,
		}
	}
	return out
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Commands []apiCommand `json:"commands"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Facade.Execute(r.Context(), toAxidrawCommands(body.Commands)); err != nil {
		writeError(w, err)
		return
	}
	x, y := s.cfg.Facade.PositionIn(axidraw.UnitMM)
	writeJSON(w, http.StatusOK, map[string]float64{"x": x, "y": y})
}

// handleBatch implements §6 "/batch { commands: [{endpoint, body}] }":
// each entry is dispatched through this same Server's mux in sequence,
// stopping at the first error.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Commands []struct {
			Endpoint string          `json:"endpoint"`
			Body     json.RawMessage `json:"body"`
		} `json:"commands"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	var results []json.RawMessage
	for _, c := range body.Commands {
		req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, c.Endpoint, strings.NewReader(string(c.Body)))
		if err != nil {
			writeError(w, ctlerr.New(ctlerr.Validation, "batch: malformed endpoint "+c.Endpoint))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		rec := newRecorder()
		s.mux.ServeHTTP(rec, req)
		if rec.code >= 400 {
			writeJSON(w, rec.code, json.RawMessage(rec.body))
			return
		}
		results = append(results, json.RawMessage(rec.body))
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	x, y := s.cfg.Facade.PositionIn(axidraw.UnitMM)
	writeJSON(w, http.StatusOK, map[string]float64{"x": x, "y": y})
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Facade.Config()
	if r.Method == http.MethodPost {
		var body struct {
			PenUp   float64 `json:"penUp"`
			PenDown float64 `json:"penDown"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		if body.PenUp > 0 {
			cfg.SpeedPenUp = body.PenUp
		}
		if body.PenDown > 0 {
			cfg.SpeedPenDown = body.PenDown
		}
	}
	writeJSON(w, http.StatusOK, map[string]float64{"penUp": cfg.SpeedPenUp, "penDown": cfg.SpeedPenDown})
}

func (s *Server) handleMotors(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		if on {
			err = s.cfg.Facade.MotorsOn(r.Context())
		} else {
			err = s.cfg.Facade.MotorsOff(r.Context())
		}
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Facade.EmergencyStop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var body struct {
			Commands []apiCommand `json:"commands"`
			SVG      string       `json:"svg"`
			Priority int          `json:"priority"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		priority := queue.Priority(body.Priority)
		var job *queue.Job
		if body.SVG != "" {
			job = s.cfg.Queue.AddSVG(body.SVG, priority)
		} else {
			job = s.cfg.Queue.AddCommands(toAxidrawCommands(body.Commands), priority)
		}
		writeJSON(w, http.StatusOK, job.Preview())
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Queue.List())
}

func (s *Server) handleQueueItem(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/queue/")
	if idStr == "" {
		writeError(w, ctlerr.New(ctlerr.Validation, "missing job id"))
		return
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, ctlerr.New(ctlerr.Validation, "malformed job id"))
		return
	}
	switch r.Method {
	case http.MethodDelete:
		if err := s.cfg.Queue.Cancel(id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		job, ok := s.cfg.Queue.Get(id)
		if !ok {
			writeError(w, ctlerr.New(ctlerr.Validation, "unknown job"))
			return
		}
		writeJSON(w, http.StatusOK, job.Preview())
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleQueueHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Queue.History())
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	s.cfg.Queue.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	s.cfg.Queue.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	s.cfg.Queue.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSVG(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SVG      string  `json:"svg"`
		Name     string  `json:"name"`
		Priority int     `json:"priority"`
		ScaleMM  float64 `json:"scaleToFit"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.SVG == "" {
		writeError(w, ctlerr.New(ctlerr.Validation, "svg field is required"))
		return
	}
	job := s.cfg.Queue.AddSVG(body.SVG, queue.Priority(body.Priority))
	writeJSON(w, http.StatusOK, job.Preview())
}

func (s *Server) handleSVGUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.Validation, "parse multipart form", err))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.Validation, "missing file field", err))
		return
	}
	defer file.Close()
	buf := make([]byte, 0, 64*1024)
	tmp := make([]byte, 32*1024)
	for {
		n, err := file.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			break
		}
	}
	priority := queue.Normal
	if p := r.FormValue("priority"); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			priority = queue.Priority(v)
		}
	}
	job := s.cfg.Queue.AddSVG(string(buf), priority)
	writeJSON(w, http.StatusOK, job.Preview())
}

func (s *Server) handleSVGPreview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SVG string `json:"svg"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	cmds, bounds, err := s.cfg.Converter.Convert(body.SVG, svgconv.Options{})
	if err != nil {
		writeError(w, err)
		return
	}
	img := renderPreview(cmds, bounds)
	w.Header().Set("Content-Type", "image/png")
	encodePNG(w, img)
}

func (s *Server) handlePath(w http.ResponseWriter, r *http.Request) {
	path := s.cfg.Facade.Path()
	mmX, _ := s.cfg.Facade.Bounds(axidraw.UnitMM)
	stepsX, _ := s.cfg.Facade.Bounds(axidraw.UnitSteps)
	toMM := func(steps int) float64 { return float64(steps) }
	if stepsX > 0 {
		toMM = func(steps int) float64 { return float64(steps) * mmX / stepsX }
	}
	doc := svgconv.Export(path, toMM)
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "svg": doc})
}

func (s *Server) handlePathClear(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// handleStatic serves files under PublicRoot with extension-based
// content-type, falling back to the SPA entry document for unmatched
// paths under UIPrefix (§4.H "Static assets").
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	clean := path.Clean(r.URL.Path)
	full := filepath.Join(s.cfg.PublicRoot, filepath.FromSlash(clean))
	if _, err := os.Stat(full); err != nil && strings.HasPrefix(clean, path.Clean("/"+s.cfg.UIPrefix)) {
		full = filepath.Join(s.cfg.PublicRoot, "index.html")
	}
	if ext := filepath.Ext(full); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
	}
	http.ServeFile(w, r, full)
}

// --- small in-process response recorder used by /batch to reuse the
// same handler chain without a second network round-trip.

type recorder struct {
	code int
	body []byte
	hdr  http.Header
}

func newRecorder() *recorder { return &recorder{code: http.StatusOK, hdr: make(http.Header)} }

func (rec *recorder) Header() http.Header { return rec.hdr }
func (rec *recorder) Write(b []byte) (int, error) {
	rec.body = append(rec.body, b...)
	return len(b), nil
}
func (rec *recorder) WriteHeader(code int) { rec.code = code }
