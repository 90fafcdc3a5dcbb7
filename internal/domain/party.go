package domain

import (
	"time"
)

// Party is a named group of users who can see each other's progress.
type Party struct {
	PartyID   string    `json:"partyId"`
	AppID     string    `json:"appId"`
	PartyName string    `json:"partyName"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	IsOwner   bool      `json:"isOwner"`
	Members   []Member  `json:"members"`
}

// HasMember reports whether userID belongs to the party.
func (p *Party) HasMember(userID string) bool {
	for _, m := range p.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// ResourceID is the member resource id of the party.
func (p *Party) ResourceID() string {
	return PartyResourceID(p.PartyID)
}

// PartyResourceID builds the resource id used by members and invites.
func PartyResourceID(partyID string) string {
	return "party-" + partyID
}

// Member is one user in a party.
type Member struct {
	UserID         string    `json:"userId"`
	ResourceID     string    `json:"resourceId"`
	MemberNickname string    `json:"memberNickname"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	IsOwner        bool      `json:"isOwner"`
	IsUser         bool      `json:"isUser"`
}

// Invite grants access to a party resource.
type Invite struct {
	InviteID    string    `json:"inviteId"`
	ResourceID  string    `json:"resourceId"`
	Description string    `json:"description,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	RedirectURI string    `json:"redirectUri,omitempty"`
	CreatedBy   string    `json:"createdBy"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// PublicInvite is the unauthenticated view of an invite.
type PublicInvite struct {
	Description string `json:"description,omitempty"`
	ResourceID  string `json:"resourceId"`
	SessionID   string `json:"sessionId,omitempty"`
	RedirectURI string `json:"redirectUri,omitempty"`
}

// Difficulty of a daily puzzle.
type Difficulty string

const (
	DifficultySimple       Difficulty = "simple"
	DifficultyEasy         Difficulty = "easy"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyExpert       Difficulty = "expert"
)

// Valid reports whether d is one of the known difficulties.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultySimple, DifficultyEasy, DifficultyIntermediate, DifficultyExpert:
		return true
	}
	return false
}

// SudokuOfTheDay is the daily puzzle for a difficulty.
type SudokuOfTheDay struct {
	SudokuID   string     `json:"sudokuId"`
	Difficulty Difficulty `json:"difficulty"`
	Initial    string     `json:"initial"`
	Final      string     `json:"final"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// BookOfTheMonth is the monthly puzzle book.
type BookOfTheMonth struct {
	SudokuBookID string       `json:"sudokuBookId"`
	Puzzles      []BookPuzzle `json:"puzzles"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// BookPuzzle is one puzzle inside a book.
type BookPuzzle struct {
	SudokuBookPuzzleID string     `json:"sudokuBookPuzzleId,omitempty"`
	Difficulty         Difficulty `json:"difficulty,omitempty"`
	Initial            string     `json:"initial"`
	Final              string     `json:"final"`
}
