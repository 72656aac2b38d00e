// Phasetrack turn tracker
//
// Each tracker is a grid of participant rows against phase columns, used to
// run turn order at the table. Exactly one cell is active at a time; ending
// a turn marks the active cell done or dead and activates the next cell in
// row-major order, skipping the dead and appending a fresh phase column when
// the last one runs out. Rows that died in an earlier phase can be revived
// once when their turn comes around again.
//
// Features:
// - WebSockets per tracker ID: /track/:trackid and /track/:trackid/ws
// - Full session broadcast after every mutation; clients mirror each
//   broadcast into per-tab sessionStorage
// - On connect, a client may offer its stored snapshot; an untouched tracker
//   adopts it through the loader, which validates cell states and repairs
//   the single-active invariant
// - Destructive reset guarded by a client-side confirmation dialog
// - Trackers auto-reaped after a configurable idle timeout
// - Random 8-char tracker IDs via crypto/rand, with server-side collision check
// - In-browser QR button to share the current tracker, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type ClientMessage struct {
	Type     string          `json:"type"`               // "restore", "add_participant", "add_phase", "rename_participant", "rename_phase", "mark_done", "mark_dead", "revive", "reset"
	Name     string          `json:"name,omitempty"`     // add_participant / rename_participant
	Label    string          `json:"label,omitempty"`    // add_phase / rename_phase
	Index    *int            `json:"index,omitempty"`    // rename_participant / rename_phase
	Row      *int            `json:"row,omitempty"`      // mark_done / mark_dead / revive
	Col      *int            `json:"col,omitempty"`      // mark_done / mark_dead / revive
	Snapshot json.RawMessage `json:"snapshot,omitempty"` // restore
}

// SessionStateMessage carries the full session plus the derived view grid,
// sent to every client after each mutation. The participants/phases/values
// triple is the persisted layout; clients store it verbatim.
type SessionStateMessage struct {
	Type         string               `json:"type"` // "session_state"
	Participants []string             `json:"participants"`
	Phases       []string             `json:"phases"`
	Values       map[string]CellState `json:"values"`
	Grid         [][]CellView         `json:"grid"`
}

// SimpleMessage is for generic notifications ("tracker_closed", etc.)
type SimpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Client struct {
	conn *websocket.Conn
	send chan any
}

type actionRequest struct {
	client *Client
	msg    ClientMessage
}

type Hub struct {
	id      string
	clients map[*Client]bool
	session *Session

	register chan *Client
	unreg    chan *Client
	actions  chan actionRequest

	mu sync.RWMutex

	createdAt  time.Time
	lastActive time.Time
	mutated    bool // once true, connecting clients can no longer restore over this session
}

func newHub(trackID string) *Hub {
	now := time.Now()
	return &Hub{
		id:         trackID,
		clients:    make(map[*Client]bool),
		session:    newSession(),
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		actions:    make(chan actionRequest),
		createdAt:  now,
		lastActive: now,
	}
}

func (h *Hub) run(cfg *Config) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.lastActive = time.Now()
			h.clients[c] = true

			// Send the current state immediately so the client can render
			// before deciding whether to offer a restore snapshot.
			select {
			case c.send <- h.stateMessageLocked():
			default:
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case c := <-h.unreg:
			h.mu.Lock()
			h.lastActive = time.Now()

			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case ar := <-h.actions:
			h.handleAction(cfg, ar)
		}
	}
}

// stateMessageLocked assumes h.mu is already held. The message is
// serialized by client write pumps after the lock is released, so it must
// carry copies of the session's slices and map, never the live ones.
func (h *Hub) stateMessageLocked() SessionStateMessage {
	participants := make([]string, 0, len(h.session.Participants))
	participants = append(participants, h.session.Participants...)

	phases := make([]string, 0, len(h.session.Phases))
	phases = append(phases, h.session.Phases...)

	values := make(map[string]CellState, len(h.session.Values))
	for key, state := range h.session.Values {
		values[key] = state
	}

	return SessionStateMessage{
		Type:         "session_state",
		Participants: participants,
		Phases:       phases,
		Values:       values,
		Grid:         h.session.ViewGrid(),
	}
}

// broadcastStateLocked assumes h.mu is already held.
func (h *Hub) broadcastStateLocked() {
	msg := h.stateMessageLocked()

	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// applySessionMessage applies one client mutation to a session and reports
// whether anything changed. Transition messages are total: a stale or
// malformed cell reference is a no-op, never an error.
func applySessionMessage(s *Session, msg ClientMessage) bool {
	switch msg.Type {
	case "add_participant":
		s.AddParticipant(msg.Name)
		return true

	case "add_phase":
		s.AddPhase(msg.Label)
		return true

	case "rename_participant":
		if msg.Index == nil {
			return false
		}
		before := ""
		if *msg.Index >= 0 && *msg.Index < len(s.Participants) {
			before = s.Participants[*msg.Index]
		}
		s.RenameParticipant(*msg.Index, msg.Name)
		return *msg.Index >= 0 && *msg.Index < len(s.Participants) && s.Participants[*msg.Index] != before

	case "rename_phase":
		if msg.Index == nil {
			return false
		}
		before := ""
		if *msg.Index >= 0 && *msg.Index < len(s.Phases) {
			before = s.Phases[*msg.Index]
		}
		s.RenamePhase(*msg.Index, msg.Label)
		return *msg.Index >= 0 && *msg.Index < len(s.Phases) && s.Phases[*msg.Index] != before

	case "mark_done":
		if msg.Row == nil || msg.Col == nil {
			return false
		}
		return s.MarkDone(*msg.Row, *msg.Col)

	case "mark_dead":
		if msg.Row == nil || msg.Col == nil {
			return false
		}
		return s.MarkDead(*msg.Row, *msg.Col)

	case "revive":
		if msg.Row == nil || msg.Col == nil {
			return false
		}
		if !s.CanRevive(*msg.Row, *msg.Col) {
			return false
		}
		return s.Revive(*msg.Row, *msg.Col)
	}

	return false
}

func (h *Hub) handleAction(cfg *Config, ar actionRequest) {
	msg := ar.msg

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	switch msg.Type {
	case "restore":
		// Only an untouched tracker adopts a stored snapshot, so a tab
		// rejoining a live session can't roll it back.
		if h.mutated || len(msg.Snapshot) == 0 {
			return
		}
		h.session = loadSession(msg.Snapshot)
		h.broadcastStateLocked()
		logf(cfg, "TRACK: Restored snapshot into %s (%d participants, %d phases)",
			h.id, len(h.session.Participants), len(h.session.Phases))

	case "reset":
		h.session = newSession()
		h.mutated = true
		h.broadcastStateLocked()
		logf(cfg, "TRACK: Reset %s", h.id)

	default:
		if applySessionMessage(h.session, msg) {
			h.mutated = true
			h.broadcastStateLocked()
		}
	}
}

// closeAll disconnects all clients of this hub (used by reaper).
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TrackerManager holds a set of hubs keyed by tracker ID, so each
// /track/:trackid is its own isolated session.
type TrackerManager struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	idleTimeout time.Duration
}

func newTrackerManager(idleTimeout time.Duration) *TrackerManager {
	tm := &TrackerManager{
		hubs:        make(map[string]*Hub),
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		go tm.reaperLoop()
	}
	return tm
}

func (tm *TrackerManager) getHub(cfg *Config, trackID string) *Hub {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if hub, ok := tm.hubs[trackID]; ok {
		return hub
	}

	hub := newHub(trackID)
	tm.hubs[trackID] = hub
	go hub.run(cfg)
	return hub
}

// newTrackID generates a crypto-random tracker ID and ensures it doesn't
// collide with existing trackers.
func (tm *TrackerManager) newTrackID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		tm.mu.Lock()
		_, exists := tm.hubs[id]
		tm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically removes hubs that have been idle longer than idleTimeout.
func (tm *TrackerManager) reaperLoop() {
	ticker := time.NewTicker(tm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-tm.idleTimeout)

		tm.mu.Lock()
		for id, hub := range tm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(tm.hubs, id)
				go hub.closeAll()
			}
		}
		tm.mu.Unlock()
	}
}

// WebSocket handler that picks the hub based on :trackid
func serveWSForManager(cfg *Config, tm *TrackerManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		trackID := ps.ByName("trackid")
		if trackID == "" {
			http.Error(w, "missing tracker id", http.StatusBadRequest)
			return
		}

		hub := tm.getHub(cfg, trackID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
		}

		hub.register <- client

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unreg <- c
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "restore", "reset",
			"add_participant", "add_phase",
			"rename_participant", "rename_phase",
			"mark_done", "mark_dead", "revive":
			h.actions <- actionRequest{
				client: c,
				msg:    msg,
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current tracker URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	trackID := ps.ByName("trackid")
	if trackID == "" {
		http.Error(w, "missing tracker id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /track/:trackid/qr; strip trailing "/qr" to get the tracker URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed track/index.html
var indexHTML []byte

//go:embed track/app.css
var trackerCSS []byte

//go:embed track/app.js
var trackerJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(trackerCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(trackerJS)
	}
}

// redirectNewTracker handles GET /path by generating a new random tracker ID
// (with server-side collision detection) and redirecting to /path/:trackid.
func redirectNewTracker(cfg *Config, path string, tm *TrackerManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		trackID := tm.newTrackID()
		logf(cfg, "TRACK: Created tracker %s/%s", path, trackID)
		http.Redirect(w, r, path+"/"+trackID, http.StatusTemporaryRedirect)
	}
}

// registerTracker sets up routes so that:
//   - $path                  → redirects to new random tracker (8-char ID)
//   - $path/:trackid         → HTML client
//   - $path/:trackid/ws      → WebSocket for that tracker
//   - $path/:trackid/qr      → PNG QR code for that tracker URL
func registerTracker(cfg *Config, path string, mux *httprouter.Router) {
	tm := newTrackerManager(cfg.sessionTimeout)

	// Root path → redirect to new random tracker
	mux.GET(path, redirectNewTracker(cfg, path, tm))

	// Per-tracker client view (HTML)
	mux.GET(cfg.prefix+path+"/:trackid", getIndexHandler(cfg))

	// Shared assets (no trackid in route)
	mux.GET(cfg.prefix+"/assets/track/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/track/app.js", getJsHandler(cfg))

	// Per-tracker websocket
	mux.GET(cfg.prefix+path+"/:trackid/ws", serveWSForManager(cfg, tm))

	// Per-tracker QR code
	mux.GET(cfg.prefix+path+"/:trackid/qr", qrHandler)
}
