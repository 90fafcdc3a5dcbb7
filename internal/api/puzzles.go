package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ashureev/sudoku-sync/internal/domain"
	"github.com/ashureev/sudoku-sync/internal/game"
	"github.com/go-chi/chi/v5"
)

// PuzzleHandler drives open games over HTTP.
type PuzzleHandler struct {
	*Handler
	games *Games
}

// NewPuzzleHandler creates a new puzzle handler.
func NewPuzzleHandler(base *Handler, games *Games) *PuzzleHandler {
	return &PuzzleHandler{Handler: base, games: games}
}

// RegisterRoutes registers puzzle routes.
func (h *PuzzleHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/puzzles/{puzzleID}", func(r chi.Router) {
		r.Post("/", h.Open)
		r.Get("/", h.Get)
		r.Delete("/", h.Close)
		r.Post("/{action}", h.Action)
	})
}

type openRequest struct {
	Initial  string           `json:"initial"`
	Final    string           `json:"final"`
	Metadata *domain.Metadata `json:"metadata,omitempty"`
}

type actionRequest struct {
	Cell    string `json:"cell,omitempty"`
	Number  int    `json:"number,omitempty"`
	On      bool   `json:"on,omitempty"`
	Visible bool   `json:"visible,omitempty"`
}

type puzzleView struct {
	PuzzleID       string            `json:"puzzleId"`
	Current        domain.Grid       `json:"current"`
	Selected       string            `json:"selected,omitempty"`
	NotesMode      bool              `json:"notesMode"`
	IsComplete     bool              `json:"isComplete"`
	Completed      *domain.Completed `json:"completed,omitempty"`
	IsUndoDisabled bool              `json:"isUndoDisabled"`
	IsRedoDisabled bool              `json:"isRedoDisabled"`
	IsSynced       bool              `json:"isSynced"`
	Validation     *game.Validation  `json:"validation,omitempty"`
	Timer          *domain.Timer     `json:"timer,omitempty"`
	Seconds        int               `json:"seconds"`
	Paused         bool              `json:"paused"`
	Parties        domain.Parties    `json:"parties,omitempty"`
}

func viewOf(gm *Game) puzzleView {
	m := gm.Machine
	v := puzzleView{
		PuzzleID:       m.PuzzleID(),
		Current:        m.Current(),
		NotesMode:      m.NotesMode(),
		IsComplete:     m.IsComplete(),
		Completed:      m.Completed(),
		IsUndoDisabled: m.IsUndoDisabled(),
		IsRedoDisabled: m.IsRedoDisabled(),
		IsSynced:       m.IsSynced(),
		Validation:     m.Validation(),
		Timer:          gm.Tracker.Timer(),
		Seconds:        gm.Tracker.Seconds(),
		Paused:         !gm.Tracker.IsActive(),
		Parties:        m.SessionParties(),
	}
	if ref, ok := m.Selected(); ok {
		v.Selected = ref.String()
	}
	return v
}

// Open opens a puzzle, resuming any saved progress.
func (h *PuzzleHandler) Open(w http.ResponseWriter, r *http.Request) {
	puzzleID := chi.URLParam(r, "puzzleID")

	var body openRequest
	if err := decodeBody(r, &body); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	initial, err := domain.ParseGrid(body.Initial)
	if err != nil {
		Error(w, http.StatusBadRequest, fmt.Sprintf("invalid initial grid: %v", err))
		return
	}
	final, err := domain.ParseGrid(body.Final)
	if err != nil {
		Error(w, http.StatusBadRequest, fmt.Sprintf("invalid final grid: %v", err))
		return
	}

	var parties []domain.Party
	if h.auth.User() != nil {
		parties = h.remote.ListParties(r.Context())
	}

	gm, err := h.games.Open(r.Context(), OpenRequest{
		PuzzleID: puzzleID,
		Initial:  initial,
		Final:    final,
		Metadata: body.Metadata,
		Parties:  parties,
	})
	if errors.Is(err, game.ErrPuzzleIDRequired) {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.Error("Failed to open puzzle", "error", err, "puzzle_id", puzzleID)
		Error(w, http.StatusInternalServerError, "failed to open puzzle")
		return
	}
	JSON(w, http.StatusOK, viewOf(gm))
}

func (h *PuzzleHandler) lookup(w http.ResponseWriter, r *http.Request) *Game {
	gm := h.games.Get(chi.URLParam(r, "puzzleID"))
	if gm == nil {
		Error(w, http.StatusNotFound, "puzzle not open")
	}
	return gm
}

// Get returns the state of an open puzzle.
func (h *PuzzleHandler) Get(w http.ResponseWriter, r *http.Request) {
	if gm := h.lookup(w, r); gm != nil {
		JSON(w, http.StatusOK, viewOf(gm))
	}
}

// Close closes an open puzzle and freezes its timer.
func (h *PuzzleHandler) Close(w http.ResponseWriter, r *http.Request) {
	if !h.games.Close(r.Context(), chi.URLParam(r, "puzzleID")) {
		Error(w, http.StatusNotFound, "puzzle not open")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// Action applies one player action to an open puzzle.
func (h *PuzzleHandler) Action(w http.ResponseWriter, r *http.Request) {
	gm := h.lookup(w, r)
	if gm == nil {
		return
	}

	var body actionRequest
	if err := decodeBody(r, &body); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	m := gm.Machine
	switch action := chi.URLParam(r, "action"); action {
	case "select":
		if body.Cell == "" {
			m.ClearSelection(ctx)
			break
		}
		ref, err := domain.ParseCellRef(body.Cell)
		if err != nil {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		m.Select(ctx, ref)
	case "number":
		if body.Number < 0 || body.Number > 9 {
			Error(w, http.StatusBadRequest, "number must be between 0 and 9")
			return
		}
		m.SelectNumber(ctx, body.Number)
	case "notes-mode":
		m.SetNotesMode(body.On)
	case "undo":
		m.Undo(ctx)
	case "redo":
		m.Redo(ctx)
	case "reset":
		m.Reset(ctx)
	case "reveal":
		m.Reveal(ctx)
	case "validate-grid":
		m.ValidateGrid()
	case "validate-cell":
		m.ValidateCell()
	case "sync":
		m.SyncRemote(ctx)
	case "visibility":
		gm.Tracker.SetVisible(ctx, body.Visible)
	default:
		Error(w, http.StatusNotFound, "unknown action: "+action)
		return
	}
	JSON(w, http.StatusOK, viewOf(gm))
}
