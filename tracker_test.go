package main

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"
)

func intPtr(i int) *int {
	return &i
}

func TestApplySessionMessage(t *testing.T) {
	tests := []struct {
		name        string
		msg         ClientMessage
		wantChanged bool
		check       func(t *testing.T, s *Session)
	}{
		{
			name:        "add participant",
			msg:         ClientMessage{Type: "add_participant", Name: "C"},
			wantChanged: true,
			check: func(t *testing.T, s *Session) {
				if len(s.Participants) != 3 || s.Participants[2] != "C" {
					t.Fatalf("unexpected participants: %v", s.Participants)
				}
			},
		},
		{
			name:        "add phase",
			msg:         ClientMessage{Type: "add_phase", Label: "Cleanup"},
			wantChanged: true,
			check: func(t *testing.T, s *Session) {
				if len(s.Phases) != 2 || s.Phases[1] != "Cleanup" {
					t.Fatalf("unexpected phases: %v", s.Phases)
				}
			},
		},
		{
			name:        "rename participant",
			msg:         ClientMessage{Type: "rename_participant", Index: intPtr(1), Name: "Ogre"},
			wantChanged: true,
			check: func(t *testing.T, s *Session) {
				if s.Participants[1] != "Ogre" {
					t.Fatalf("unexpected participants: %v", s.Participants)
				}
			},
		},
		{
			name:        "rename participant missing index",
			msg:         ClientMessage{Type: "rename_participant", Name: "Ogre"},
			wantChanged: false,
		},
		{
			name:        "rename participant out of range",
			msg:         ClientMessage{Type: "rename_participant", Index: intPtr(9), Name: "Ogre"},
			wantChanged: false,
		},
		{
			name:        "rename phase",
			msg:         ClientMessage{Type: "rename_phase", Index: intPtr(0), Label: "Ambush"},
			wantChanged: true,
			check: func(t *testing.T, s *Session) {
				if s.Phases[0] != "Ambush" {
					t.Fatalf("unexpected phases: %v", s.Phases)
				}
			},
		},
		{
			name:        "mark done on active cell",
			msg:         ClientMessage{Type: "mark_done", Row: intPtr(0), Col: intPtr(0)},
			wantChanged: true,
			check: func(t *testing.T, s *Session) {
				if s.state(0, 0) != StateDone || s.state(1, 0) != StateActive {
					t.Fatalf("unexpected states: %v", s.Values)
				}
			},
		},
		{
			name:        "mark done on waiting cell",
			msg:         ClientMessage{Type: "mark_done", Row: intPtr(1), Col: intPtr(0)},
			wantChanged: false,
		},
		{
			name:        "mark done missing coordinates",
			msg:         ClientMessage{Type: "mark_done", Row: intPtr(0)},
			wantChanged: false,
		},
		{
			name:        "mark dead on active cell",
			msg:         ClientMessage{Type: "mark_dead", Row: intPtr(0), Col: intPtr(0)},
			wantChanged: true,
			check: func(t *testing.T, s *Session) {
				if s.state(0, 0) != StateDead {
					t.Fatalf("unexpected state: %v", s.state(0, 0))
				}
			},
		},
		{
			name:        "revive without precondition",
			msg:         ClientMessage{Type: "revive", Row: intPtr(0), Col: intPtr(0)},
			wantChanged: false,
			check: func(t *testing.T, s *Session) {
				if s.state(0, 0) != StateActive {
					t.Fatalf("expected (0,0) untouched, got %v", s.state(0, 0))
				}
			},
		},
		{
			name:        "unknown type",
			msg:         ClientMessage{Type: "shuffle"},
			wantChanged: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSession([]string{"A", "B"}, []string{"Phase 1"})

			if changed := applySessionMessage(s, tt.msg); changed != tt.wantChanged {
				t.Fatalf("applySessionMessage() = %v, want %v", changed, tt.wantChanged)
			}
			if tt.check != nil {
				tt.check(t, s)
			}
		})
	}
}

func TestApplySessionMessageReviveGate(t *testing.T) {
	s := testSession([]string{"A", "B"}, []string{"Phase 1"})

	// Kill A, resolve B, which rolls into Phase 2 with A active.
	if !applySessionMessage(s, ClientMessage{Type: "mark_dead", Row: intPtr(0), Col: intPtr(0)}) {
		t.Fatalf("expected mark_dead to apply")
	}
	if !applySessionMessage(s, ClientMessage{Type: "mark_done", Row: intPtr(1), Col: intPtr(0)}) {
		t.Fatalf("expected mark_done to apply")
	}

	if !applySessionMessage(s, ClientMessage{Type: "revive", Row: intPtr(0), Col: intPtr(1)}) {
		t.Fatalf("expected revive to apply with precondition met")
	}
	if s.state(0, 1) != StateRevived {
		t.Fatalf("expected (0,1) revived, got %v", s.state(0, 1))
	}
}

func TestHubRestoreAndReset(t *testing.T) {
	cfg := &Config{}
	h := newHub("testtest")

	snapshot := []byte(`{"participants":["A","B"],"phases":["Phase 1"],"values":{"0-0":"done","1-0":"active"}}`)

	h.handleAction(cfg, actionRequest{msg: ClientMessage{Type: "restore", Snapshot: snapshot}})

	if got := h.session.Participants; len(got) != 2 {
		t.Fatalf("expected restored participants, got %v", got)
	}
	if h.session.state(1, 0) != StateActive {
		t.Fatalf("expected (1,0) active after restore, got %v", h.session.state(1, 0))
	}
	if h.mutated {
		t.Fatalf("restore must not count as a mutation")
	}

	// A mutation locks out later restores.
	h.handleAction(cfg, actionRequest{msg: ClientMessage{Type: "mark_done", Row: intPtr(1), Col: intPtr(0)}})
	if !h.mutated {
		t.Fatalf("expected hub to be marked mutated")
	}

	other := []byte(`{"participants":["X"],"phases":["Phase 1"],"values":{}}`)
	h.handleAction(cfg, actionRequest{msg: ClientMessage{Type: "restore", Snapshot: other}})
	if h.session.Participants[0] != "A" {
		t.Fatalf("expected restore to be ignored after mutation, got %v", h.session.Participants)
	}

	// Reset replaces the session with a fresh one.
	h.handleAction(cfg, actionRequest{msg: ClientMessage{Type: "reset"}})
	if len(h.session.Participants) != 0 || len(h.session.Phases) != 1 {
		t.Fatalf("expected fresh session after reset, got %+v", h.session)
	}
}

func TestHubViewGridInStateMessage(t *testing.T) {
	h := newHub("testtest")
	h.session = testSession([]string{"A", "B"}, []string{"Phase 1"})

	msg := h.stateMessageLocked()

	if msg.Type != "session_state" {
		t.Fatalf("unexpected message type %q", msg.Type)
	}
	if len(msg.Grid) != 2 || len(msg.Grid[0]) != 1 {
		t.Fatalf("unexpected grid shape: %v", msg.Grid)
	}
	if msg.Grid[0][0].State != StateActive {
		t.Fatalf("expected (0,0) active in grid, got %v", msg.Grid[0][0])
	}
	if msg.Grid[1][0].State != StateWaiting {
		t.Fatalf("expected (1,0) waiting in grid, got %v", msg.Grid[1][0])
	}
}

func TestStateMessageIndependentOfLaterMutations(t *testing.T) {
	cfg := &Config{}
	h := newHub("testtest")
	h.session = testSession([]string{"A", "B"}, []string{"Phase 1"})

	h.mu.Lock()
	msg := h.stateMessageLocked()
	h.mu.Unlock()

	// Mutate the session after capturing the broadcast; the captured
	// message must not see any of it.
	h.handleAction(cfg, actionRequest{msg: ClientMessage{Type: "rename_participant", Index: intPtr(0), Name: "Ogre"}})
	h.handleAction(cfg, actionRequest{msg: ClientMessage{Type: "rename_phase", Index: intPtr(0), Label: "Ambush"}})
	h.handleAction(cfg, actionRequest{msg: ClientMessage{Type: "mark_done", Row: intPtr(0), Col: intPtr(0)}})
	h.handleAction(cfg, actionRequest{msg: ClientMessage{Type: "add_participant", Name: "C"}})

	if msg.Participants[0] != "A" {
		t.Fatalf("captured participants changed: %v", msg.Participants)
	}
	if len(msg.Participants) != 2 {
		t.Fatalf("captured participants grew: %v", msg.Participants)
	}
	if msg.Phases[0] != "Phase 1" {
		t.Fatalf("captured phases changed: %v", msg.Phases)
	}
	if msg.Values["0-0"] != StateActive {
		t.Fatalf("captured values changed: %v", msg.Values)
	}
}

func TestBroadcastMarshalsSafelyDuringMutations(t *testing.T) {
	cfg := &Config{}
	h := newHub("testtest")
	go h.run(cfg)

	client := &Client{send: make(chan any, 8)}
	h.register <- client

	// Drain the client's channel through json.Marshal, the way a write
	// pump serializes broadcasts outside the hub lock.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range client.send {
			if _, err := json.Marshal(msg); err != nil {
				t.Errorf("marshal failed: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 300; i++ {
		h.actions <- actionRequest{msg: ClientMessage{Type: "rename_participant", Index: intPtr(0), Name: "Name" + strconv.Itoa(i)}}
		if i == 0 {
			h.actions <- actionRequest{msg: ClientMessage{Type: "add_participant", Name: "A"}}
		}
	}

	h.unreg <- client
	<-done
}

func TestNewTrackIDIsUniqueAndWellFormed(t *testing.T) {
	tm := newTrackerManager(0)

	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		id := tm.newTrackID()
		if len(id) != 8 {
			t.Fatalf("expected 8-char id, got %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestTrackerManagerReusesHubs(t *testing.T) {
	cfg := &Config{sessionTimeout: time.Hour}
	tm := newTrackerManager(0)

	a := tm.getHub(cfg, "sameid")
	b := tm.getHub(cfg, "sameid")
	if a != b {
		t.Fatalf("expected same hub for same id")
	}

	c := tm.getHub(cfg, "otherid")
	if a == c {
		t.Fatalf("expected distinct hubs for distinct ids")
	}
}
