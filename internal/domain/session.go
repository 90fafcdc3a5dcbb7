package domain

import (
	"strings"
	"time"
)

// SessionPrefix is prepended to a puzzle id to form its session id.
const SessionPrefix = "sudoku-"

// SessionID returns the session id for a puzzle id.
func SessionID(puzzleID string) string {
	return SessionPrefix + puzzleID
}

// PuzzleID strips the session prefix. ok is false if the prefix is missing.
func PuzzleID(sessionID string) (string, bool) {
	if !strings.HasPrefix(sessionID, SessionPrefix) {
		return "", false
	}
	return strings.TrimPrefix(sessionID, SessionPrefix), true
}

// InProgress marks the currently running timer segment.
type InProgress struct {
	Start           time.Time `json:"start"`
	LastInteraction time.Time `json:"lastInteraction"`
}

// Timer records time spent on a puzzle.
type Timer struct {
	Seconds    int         `json:"seconds"`
	InProgress *InProgress `json:"inProgress,omitempty"`
	Stopped    bool        `json:"stopped,omitempty"`
}

// ElapsedSeconds is the prior seconds plus the whole seconds of the
// running segment.
func (t *Timer) ElapsedSeconds() int {
	if t == nil {
		return 0
	}
	seconds := t.Seconds
	if t.InProgress != nil {
		seconds += int(t.InProgress.LastInteraction.Sub(t.InProgress.Start) / time.Second)
	}
	return seconds
}

// Completed is recorded when the answer first matches the solution.
type Completed struct {
	At      time.Time `json:"at"`
	Seconds int       `json:"seconds"`
}

// Metadata describes where a puzzle came from.
type Metadata struct {
	Difficulty         string `json:"difficulty,omitempty"`
	SudokuID           string `json:"sudokuId,omitempty"`
	SudokuBookPuzzleID string `json:"sudokuBookPuzzleId,omitempty"`
	ScannedAt          string `json:"scannedAt,omitempty"`
}

// GameState is the persisted state of one puzzle.
type GameState struct {
	AnswerStack []Grid     `json:"answerStack"`
	Initial     Grid       `json:"initial"`
	Final       Grid       `json:"final"`
	Completed   *Completed `json:"completed,omitempty"`
	Metadata    *Metadata  `json:"metadata,omitempty"`
}

// ServerState is GameState plus the timer, as stored remotely.
type ServerState struct {
	GameState
	Timer *Timer `json:"timer,omitempty"`
}

// Current returns the top of the answer stack.
func (s *GameState) Current() (Grid, bool) {
	if len(s.AnswerStack) == 0 {
		return Grid{}, false
	}
	return s.AnswerStack[len(s.AnswerStack)-1], true
}

// Source identifies where a Session was read from.
type Source int

const (
	SourceLocal Source = iota
	SourceServer
)

func (s Source) String() string {
	if s == SourceServer {
		return "server"
	}
	return "local"
}

// Session is the canonical shape for a puzzle session regardless of
// whether it was read from the local cache or the server.
type Session struct {
	SessionID string      `json:"sessionId"`
	State     ServerState `json:"state"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Parties   Parties     `json:"parties,omitempty"`
	Source    Source      `json:"-"`
}

// SessionParty holds the sessions of each member of a party for one puzzle.
type SessionParty struct {
	MemberSessions map[string]Session `json:"memberSessions"`
}

// Parties maps party id to the member sessions of that party.
type Parties map[string]SessionParty

// HasIncompleteMember reports whether any member session is unfinished.
func (p Parties) HasIncompleteMember() bool {
	for _, party := range p {
		for _, s := range party.MemberSessions {
			if s.State.Completed == nil {
				return true
			}
		}
	}
	return false
}
