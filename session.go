package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CellState is the status of a single participant/phase cell.
type CellState string

const (
	StateWaiting CellState = "waiting"
	StateActive  CellState = "active"
	StateDone    CellState = "done"
	StateDead    CellState = "dead"
	StateRevived CellState = "revived"
)

const defaultPhaseLabel = "Phase 1"

func validCellState(s CellState) bool {
	switch s {
	case StateWaiting, StateActive, StateDone, StateDead, StateRevived:
		return true
	}
	return false
}

// Session is the full tracked state of one game: participant rows, phase
// columns, and a sparse map of cell states keyed "row-col". Missing keys
// mean waiting. At most one cell grid-wide is ever active.
type Session struct {
	Participants []string             `json:"participants"`
	Phases       []string             `json:"phases"`
	Values       map[string]CellState `json:"values"`
}

func newSession() *Session {
	return &Session{
		Participants: []string{},
		Phases:       []string{defaultPhaseLabel},
		Values:       make(map[string]CellState),
	}
}

func cellKey(row, col int) string {
	return strconv.Itoa(row) + "-" + strconv.Itoa(col)
}

func parseCellKey(key string) (row, col int, ok bool) {
	dash := strings.IndexByte(key, '-')
	if dash < 1 {
		return 0, 0, false
	}
	row, err := strconv.Atoi(key[:dash])
	if err != nil || row < 0 {
		return 0, 0, false
	}
	col, err = strconv.Atoi(key[dash+1:])
	if err != nil || col < 0 {
		return 0, 0, false
	}
	return row, col, true
}

// state returns the stored state for a cell, defaulting absent keys to waiting.
func (s *Session) state(row, col int) CellState {
	if v, ok := s.Values[cellKey(row, col)]; ok {
		return v
	}
	return StateWaiting
}

// setState stores a cell state, dropping the key entirely for waiting so the
// map stays sparse and round-trips cleanly.
func (s *Session) setState(row, col int, state CellState) {
	key := cellKey(row, col)
	if state == StateWaiting {
		delete(s.Values, key)
		return
	}
	s.Values[key] = state
}

func (s *Session) inBounds(row, col int) bool {
	return row >= 0 && row < len(s.Participants) && col >= 0 && col < len(s.Phases)
}

// loadSession parses a persisted snapshot. Anything that fails to parse
// yields a fresh session instead of an error: a stale or mangled snapshot
// should never lock a user out of their tracker. Stored cell values are
// validated against the known states, with unknown or legacy values coerced
// back to waiting and out-of-grid keys dropped, then the single-active
// invariant is repaired.
func loadSession(data []byte) *Session {
	if len(data) == 0 {
		return newSession()
	}

	var snapshot Session
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return newSession()
	}

	s := &Session{
		Participants: snapshot.Participants,
		Phases:       snapshot.Phases,
		Values:       make(map[string]CellState),
	}
	if s.Participants == nil {
		s.Participants = []string{}
	}
	if len(s.Phases) == 0 {
		s.Phases = []string{defaultPhaseLabel}
	}

	for key, state := range snapshot.Values {
		row, col, ok := parseCellKey(key)
		if !ok || !s.inBounds(row, col) {
			continue
		}
		if !validCellState(state) || state == StateWaiting {
			continue
		}
		s.Values[key] = state
	}

	s.repairActive()

	return s
}

// repairActive restores the single-active invariant. Unless exactly one
// active cell exists, every active cell is demoted to done and, provided the
// grid is non-empty, cell (0,0) is promoted to active.
func (s *Session) repairActive() {
	var active []string
	for key, state := range s.Values {
		if state == StateActive {
			active = append(active, key)
		}
	}

	if len(active) == 1 {
		return
	}

	for _, key := range active {
		s.Values[key] = StateDone
	}

	if len(s.Participants) > 0 && len(s.Phases) > 0 {
		s.setState(0, 0, StateActive)
	}
}

// MarkDone resolves the active cell's turn. A row that already died in an
// earlier phase stays dead rather than coming back as done. No-op anywhere
// but the active cell.
func (s *Session) MarkDone(row, col int) bool {
	if !s.inBounds(row, col) || s.state(row, col) != StateActive {
		return false
	}

	if s.DeadInEarlierPhase(row, col) {
		s.setState(row, col, StateDead)
	} else {
		s.setState(row, col, StateDone)
	}

	s.advance(row, col)

	return true
}

// MarkDead kills the active cell's row at this phase. No-op anywhere but the
// active cell.
func (s *Session) MarkDead(row, col int) bool {
	if !s.inBounds(row, col) || s.state(row, col) != StateActive {
		return false
	}

	s.setState(row, col, StateDead)
	s.advance(row, col)

	return true
}

// Revive brings a previously dead row back at the active cell. The
// offered-once precondition (dead in an earlier phase, not yet revived) is
// enforced where the action is offered, not here. No-op anywhere but the
// active cell.
func (s *Session) Revive(row, col int) bool {
	if !s.inBounds(row, col) || s.state(row, col) != StateActive {
		return false
	}

	s.setState(row, col, StateRevived)
	s.advance(row, col)

	return true
}

// advance activates the next eligible cell after (row, col): forward in
// row-major order, wrapping from the last row into the next column, skipping
// cells already dead. When the scan runs off the final column, a new phase is
// appended and its row-0 cell activated, so the phase list extends itself as
// turns run out.
func (s *Session) advance(row, col int) {
	for {
		row++
		if row >= len(s.Participants) {
			row = 0
			col++
		}
		if col >= len(s.Phases) {
			s.Phases = append(s.Phases, fmt.Sprintf("Phase %d", len(s.Phases)+1))
			s.setState(0, col, StateActive)
			return
		}
		if s.state(row, col) == StateDead {
			continue
		}
		s.setState(row, col, StateActive)
		return
	}
}

// AddParticipant appends a row of waiting cells. An empty name gets a
// placeholder. Activates (0,0) when this is the first usable cell.
func (s *Session) AddParticipant(name string) {
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("Participant %d", len(s.Participants)+1)
	}
	s.Participants = append(s.Participants, name)
	s.repairActive()
}

// AddPhase appends a column of waiting cells. An empty label gets a
// placeholder.
func (s *Session) AddPhase(label string) {
	if strings.TrimSpace(label) == "" {
		label = fmt.Sprintf("Phase %d", len(s.Phases)+1)
	}
	s.Phases = append(s.Phases, label)
	s.repairActive()
}

// RenameParticipant replaces a row's name; out-of-range or blank is a no-op.
func (s *Session) RenameParticipant(index int, name string) {
	if index < 0 || index >= len(s.Participants) || strings.TrimSpace(name) == "" {
		return
	}
	s.Participants[index] = name
}

// RenamePhase replaces a column's label; out-of-range or blank is a no-op.
func (s *Session) RenamePhase(index int, label string) {
	if index < 0 || index >= len(s.Phases) || strings.TrimSpace(label) == "" {
		return
	}
	s.Phases[index] = label
}

// RowActive reports whether any cell in the row is the active cell.
func (s *Session) RowActive(row int) bool {
	for col := range s.Phases {
		if s.state(row, col) == StateActive {
			return true
		}
	}
	return false
}

// DeadInEarlierPhase reports whether the row died in a phase before col.
func (s *Session) DeadInEarlierPhase(row, col int) bool {
	for c := 0; c < col; c++ {
		if s.state(row, c) == StateDead {
			return true
		}
	}
	return false
}

// RevivedAnywhere reports whether the row was revived in any phase.
func (s *Session) RevivedAnywhere(row int) bool {
	_, ok := s.FirstRevivedColumn(row)
	return ok
}

// FirstRevivedColumn returns the earliest phase column in which the row was
// revived.
func (s *Session) FirstRevivedColumn(row int) (int, bool) {
	for col := range s.Phases {
		if s.state(row, col) == StateRevived {
			return col, true
		}
	}
	return 0, false
}

// CanRevive reports whether the revive action should be offered for a cell:
// it is the active cell, the row died in an earlier phase, and the row has
// not already been revived.
func (s *Session) CanRevive(row, col int) bool {
	return s.state(row, col) == StateActive &&
		s.DeadInEarlierPhase(row, col) &&
		!s.RevivedAnywhere(row)
}

// DisplayState is the rendered state of a cell. It matches the stored state
// except that dead cells in a row with a revived column anywhere render as
// done, so a revival retroactively shows the row's dead-looking cells as
// resolved.
func (s *Session) DisplayState(row, col int) CellState {
	state := s.state(row, col)
	if state == StateDead && s.RevivedAnywhere(row) {
		return StateDone
	}
	return state
}

// CellView is one cell of the rendered grid sent to clients.
type CellView struct {
	State     CellState `json:"state"`
	CanRevive bool      `json:"can_revive,omitempty"`
}

// ViewGrid derives the full rendered grid, rows outer, columns inner.
func (s *Session) ViewGrid() [][]CellView {
	grid := make([][]CellView, len(s.Participants))
	for row := range grid {
		cells := make([]CellView, len(s.Phases))
		for col := range cells {
			cells[col] = CellView{
				State:     s.DisplayState(row, col),
				CanRevive: s.CanRevive(row, col),
			}
		}
		grid[row] = cells
	}
	return grid
}
