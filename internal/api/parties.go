package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ashureev/sudoku-sync/internal/domain"
	"github.com/ashureev/sudoku-sync/internal/identity"
	"github.com/ashureev/sudoku-sync/internal/remote"
	"github.com/go-chi/chi/v5"
)

const defaultInviteTTL = 7 * 24 * time.Hour

// PartyRemote is the party, invite and puzzle part of the remote client.
type PartyRemote interface {
	CreateParty(ctx context.Context, partyName, memberNickname string) *domain.Party
	UpdateParty(ctx context.Context, partyID string, update remote.PartyUpdate) bool
	DeleteParty(ctx context.Context, partyID string) bool
	LeaveParty(ctx context.Context, partyID string) bool
	RemoveMember(ctx context.Context, partyID, userID string) bool
	CreateInvite(ctx context.Context, req remote.InviteRequest) *domain.Invite
	GetPublicInvite(ctx context.Context, inviteID string) *domain.PublicInvite
	CreateMember(ctx context.Context, inviteID, memberNickname string) *domain.Member
	SudokuOfTheDay(ctx context.Context, difficulty domain.Difficulty) *domain.SudokuOfTheDay
	BookOfTheMonth(ctx context.Context) *domain.BookOfTheMonth
}

// PartyHandler proxies party management and puzzle catalog calls.
type PartyHandler struct {
	*Handler
	parties PartyRemote
	clock   func() time.Time
}

// NewPartyHandler creates a new party handler.
func NewPartyHandler(base *Handler, parties PartyRemote) *PartyHandler {
	return &PartyHandler{Handler: base, parties: parties, clock: time.Now}
}

// RegisterRoutes registers party, invite and puzzle catalog routes.
// Reading a public invite does not need a user.
func (h *PartyHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/invites/{inviteID}", h.GetInvite)

	r.Group(func(r chi.Router) {
		r.Use(identity.RequireUser)
		r.Post("/api/parties", h.CreateParty)
		r.Patch("/api/parties/{partyID}", h.UpdateParty)
		r.Delete("/api/parties/{partyID}", h.DeleteParty)
		r.Post("/api/parties/{partyID}/leave", h.LeaveParty)
		r.Delete("/api/parties/{partyID}/members/{userID}", h.RemoveMember)
		r.Post("/api/invites", h.CreateInvite)
		r.Post("/api/invites/{inviteID}/accept", h.AcceptInvite)
		r.Get("/api/sudoku/daily", h.SudokuOfTheDay)
		r.Get("/api/sudoku/book", h.BookOfTheMonth)
	})
}

type createPartyRequest struct {
	PartyName      string `json:"partyName"`
	MemberNickname string `json:"memberNickname"`
}

// CreateParty creates a party with the user as owner.
func (h *PartyHandler) CreateParty(w http.ResponseWriter, r *http.Request) {
	var body createPartyRequest
	if err := decodeBody(r, &body); err != nil || body.PartyName == "" || body.MemberNickname == "" {
		Error(w, http.StatusBadRequest, "partyName and memberNickname are required")
		return
	}
	party := h.parties.CreateParty(r.Context(), body.PartyName, body.MemberNickname)
	if party == nil {
		Error(w, http.StatusBadGateway, "create_party_failed")
		return
	}
	JSON(w, http.StatusCreated, party)
}

// UpdateParty renames or resizes a party.
func (h *PartyHandler) UpdateParty(w http.ResponseWriter, r *http.Request) {
	var update remote.PartyUpdate
	if err := decodeBody(r, &update); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.result(w, h.parties.UpdateParty(r.Context(), chi.URLParam(r, "partyID"), update), "updated", false)
}

// DeleteParty deletes a party the user owns.
func (h *PartyHandler) DeleteParty(w http.ResponseWriter, r *http.Request) {
	h.result(w, h.parties.DeleteParty(r.Context(), chi.URLParam(r, "partyID")), "deleted", true)
}

// LeaveParty removes the user from a party.
func (h *PartyHandler) LeaveParty(w http.ResponseWriter, r *http.Request) {
	h.result(w, h.parties.LeaveParty(r.Context(), chi.URLParam(r, "partyID")), "left", true)
}

// RemoveMember removes another member from a party.
func (h *PartyHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	ok := h.parties.RemoveMember(r.Context(), chi.URLParam(r, "partyID"), chi.URLParam(r, "userID"))
	h.result(w, ok, "removed", true)
}

// result answers a boolean remote call. Membership changes drop the
// loaded friend sessions so they are fetched again.
func (h *PartyHandler) result(w http.ResponseWriter, ok bool, status string, membershipChanged bool) {
	if !ok {
		Error(w, http.StatusBadGateway, status+"_failed")
		return
	}
	if membershipChanged {
		h.rec.ClearFriendSessions()
	}
	JSON(w, http.StatusOK, map[string]string{"status": status})
}

type createInviteRequest struct {
	PartyID     string `json:"partyId"`
	Description string `json:"description"`
	SessionID   string `json:"sessionId,omitempty"`
	RedirectURI string `json:"redirectUri"`
}

// CreateInvite creates an invite to a party, valid for a week.
func (h *PartyHandler) CreateInvite(w http.ResponseWriter, r *http.Request) {
	var body createInviteRequest
	if err := decodeBody(r, &body); err != nil || body.PartyID == "" {
		Error(w, http.StatusBadRequest, "partyId is required")
		return
	}
	invite := h.parties.CreateInvite(r.Context(), remote.InviteRequest{
		ResourceID:  domain.PartyResourceID(body.PartyID),
		Description: body.Description,
		SessionID:   body.SessionID,
		RedirectURI: body.RedirectURI,
		ExpiresAt:   h.clock().Add(defaultInviteTTL),
	})
	if invite == nil {
		Error(w, http.StatusBadGateway, "create_invite_failed")
		return
	}
	JSON(w, http.StatusCreated, invite)
}

// GetInvite returns the public view of an invite.
func (h *PartyHandler) GetInvite(w http.ResponseWriter, r *http.Request) {
	invite := h.parties.GetPublicInvite(r.Context(), chi.URLParam(r, "inviteID"))
	if invite == nil {
		Error(w, http.StatusNotFound, "invite not found")
		return
	}
	JSON(w, http.StatusOK, invite)
}

// AcceptInvite joins the party of an invite.
func (h *PartyHandler) AcceptInvite(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MemberNickname string `json:"memberNickname"`
	}
	if err := decodeBody(r, &body); err != nil || body.MemberNickname == "" {
		Error(w, http.StatusBadRequest, "memberNickname is required")
		return
	}
	member := h.parties.CreateMember(r.Context(), chi.URLParam(r, "inviteID"), body.MemberNickname)
	if member == nil {
		Error(w, http.StatusBadGateway, "accept_invite_failed")
		return
	}
	h.rec.ClearFriendSessions()
	JSON(w, http.StatusCreated, member)
}

// SudokuOfTheDay returns today's puzzle for the requested difficulty.
func (h *PartyHandler) SudokuOfTheDay(w http.ResponseWriter, r *http.Request) {
	difficulty := domain.Difficulty(r.URL.Query().Get("difficulty"))
	if !difficulty.Valid() {
		Error(w, http.StatusBadRequest, "invalid difficulty")
		return
	}
	puzzle := h.parties.SudokuOfTheDay(r.Context(), difficulty)
	if puzzle == nil {
		Error(w, http.StatusBadGateway, "fetch_failed")
		return
	}
	JSON(w, http.StatusOK, puzzle)
}

// BookOfTheMonth returns the current puzzle book.
func (h *PartyHandler) BookOfTheMonth(w http.ResponseWriter, r *http.Request) {
	book := h.parties.BookOfTheMonth(r.Context())
	if book == nil {
		Error(w, http.StatusBadGateway, "fetch_failed")
		return
	}
	JSON(w, http.StatusOK, book)
}
