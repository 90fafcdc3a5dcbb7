package remote

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/sudoku-sync/internal/domain"
)

type partyResponse struct {
	PartyID   string    `json:"partyId"`
	AppID     string    `json:"appId"`
	PartyName string    `json:"partyName"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type memberResponse struct {
	UserID         string    `json:"userId"`
	ResourceID     string    `json:"resourceId"`
	MemberNickname string    `json:"memberNickname"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// PartyUpdate carries the mutable fields of a party. Nil fields are left
// unchanged.
type PartyUpdate struct {
	MaxSize   *int    `json:"maxSize,omitempty"`
	PartyName *string `json:"partyName,omitempty"`
}

// InviteRequest describes a new invite.
type InviteRequest struct {
	ResourceID  string    `json:"resourceId"`
	Description string    `json:"description"`
	SessionID   string    `json:"sessionId"`
	RedirectURI string    `json:"redirectUri"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (c *Client) userSub() string {
	if u := c.auth.User(); u != nil {
		return u.Sub
	}
	return ""
}

func toParty(p partyResponse, members []domain.Member, userSub string) domain.Party {
	return domain.Party{
		PartyID:   p.PartyID,
		AppID:     p.AppID,
		PartyName: p.PartyName,
		CreatedBy: p.CreatedBy,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
		IsOwner:   userSub != "" && p.CreatedBy == userSub,
		Members:   members,
	}
}

func toMember(m memberResponse, userSub, partyCreatedBy string) domain.Member {
	return domain.Member{
		UserID:         m.UserID,
		ResourceID:     m.ResourceID,
		MemberNickname: m.MemberNickname,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		IsOwner:        m.UserID == partyCreatedBy,
		IsUser:         userSub != "" && m.UserID == userSub,
	}
}

// ListParties returns the user's parties with their members. A party whose
// member list cannot be fetched is returned with no members.
func (c *Client) ListParties(ctx context.Context) []domain.Party {
	if !c.ready(ctx) {
		return nil
	}

	slog.Info("Fetching parties")
	var parties []partyResponse
	if !c.do(ctx, http.MethodGet, "/parties", c.appQuery(), nil, &parties) {
		return nil
	}

	sub := c.userSub()
	result := make([]domain.Party, 0, len(parties))
	for _, p := range parties {
		var resp []memberResponse
		q := url.Values{"resourceId": {domain.PartyResourceID(p.PartyID)}}
		members := []domain.Member{}
		if c.do(ctx, http.MethodGet, "/members", q, nil, &resp) {
			for _, m := range resp {
				members = append(members, toMember(m, sub, p.CreatedBy))
			}
		}
		result = append(result, toParty(p, members, sub))
	}
	return result
}

// CreateParty creates a party owned by the current user, who becomes its
// first member.
func (c *Client) CreateParty(ctx context.Context, partyName, memberNickname string) *domain.Party {
	if !c.ready(ctx) {
		return nil
	}

	body := map[string]string{
		"partyName":      partyName,
		"memberNickname": memberNickname,
		"appId":          c.app,
	}
	var resp partyResponse
	if !c.do(ctx, http.MethodPost, "/parties", nil, body, &resp) {
		return nil
	}

	sub := c.userSub()
	owner := toMember(memberResponse{
		UserID:         sub,
		ResourceID:     domain.PartyResourceID(resp.PartyID),
		MemberNickname: memberNickname,
		CreatedAt:      resp.CreatedAt,
		UpdatedAt:      resp.UpdatedAt,
	}, sub, sub)
	party := toParty(resp, []domain.Member{owner}, sub)
	return &party
}

// UpdateParty patches a party's name or size.
func (c *Client) UpdateParty(ctx context.Context, partyID string, update PartyUpdate) bool {
	if !c.ready(ctx) {
		return false
	}
	slog.Info("Updating party", "partyId", partyID)
	return c.do(ctx, http.MethodPatch, "/parties/"+url.PathEscape(partyID), c.appQuery(), update, nil)
}

// DeleteParty deletes a party the user owns.
func (c *Client) DeleteParty(ctx context.Context, partyID string) bool {
	if !c.ready(ctx) {
		return false
	}
	slog.Info("Deleting party", "partyId", partyID)
	return c.do(ctx, http.MethodDelete, "/parties/"+url.PathEscape(partyID), c.appQuery(), nil, nil)
}

// CreateInvite creates an invite to a resource.
func (c *Client) CreateInvite(ctx context.Context, req InviteRequest) *domain.Invite {
	if !c.ready(ctx) {
		return nil
	}
	req.ExpiresAt = req.ExpiresAt.UTC()
	var invite domain.Invite
	if !c.do(ctx, http.MethodPost, "/invites", nil, req, &invite) {
		return nil
	}
	return &invite
}

// GetPublicInvite fetches an invite without requiring a login.
func (c *Client) GetPublicInvite(ctx context.Context, inviteID string) *domain.PublicInvite {
	if !c.isOnline() {
		return nil
	}
	var invite domain.PublicInvite
	if !c.do(ctx, http.MethodGet, "/invites/"+url.PathEscape(inviteID), nil, nil, &invite) {
		return nil
	}
	return &invite
}

// CreateMember accepts an invite, joining its party.
func (c *Client) CreateMember(ctx context.Context, inviteID, memberNickname string) *domain.Member {
	if !c.ready(ctx) {
		return nil
	}
	body := map[string]string{"inviteId": inviteID, "memberNickname": memberNickname}
	var resp memberResponse
	if !c.do(ctx, http.MethodPost, "/members", nil, body, &resp) {
		return nil
	}
	member := toMember(resp, resp.UserID, "")
	member.IsUser = true
	return &member
}

// RemoveMember removes userID from a party.
func (c *Client) RemoveMember(ctx context.Context, partyID, userID string) bool {
	if !c.ready(ctx) {
		return false
	}
	slog.Info("Removing member from party", "partyId", partyID, "userId", userID)
	q := url.Values{"resourceId": {domain.PartyResourceID(partyID)}}
	return c.do(ctx, http.MethodDelete, "/members/"+url.PathEscape(userID), q, nil, nil)
}

// LeaveParty removes the current user from a party.
func (c *Client) LeaveParty(ctx context.Context, partyID string) bool {
	if c.auth == nil {
		return false
	}
	u := c.auth.User()
	if u == nil {
		return false
	}
	return c.RemoveMember(ctx, partyID, u.Sub)
}

// DeleteAccount deletes the current user's account.
func (c *Client) DeleteAccount(ctx context.Context) bool {
	if !c.ready(ctx) {
		return false
	}
	slog.Info("Deleting account", "sub", c.userSub())
	return c.do(ctx, http.MethodDelete, "/account", nil, nil, nil)
}
