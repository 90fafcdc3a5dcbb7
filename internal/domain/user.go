package domain

import (
	"time"
)

// UserProfile holds the identity claims decoded from an OIDC ID token.
type UserProfile struct {
	Sub        string `json:"sub"`
	Name       string `json:"name,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Nickname   string `json:"nickname,omitempty"`
	Email      string `json:"email,omitempty"`
	Picture    string `json:"picture,omitempty"`
}

// AuthState is the token bundle held by the auth manager.
type AuthState struct {
	AccessToken   string       `json:"accessToken,omitempty"`
	AccessExpiry  *time.Time   `json:"accessExpiry,omitempty"`
	RefreshToken  string       `json:"refreshToken,omitempty"`
	RefreshExpiry *time.Time   `json:"refreshExpiry,omitempty"`
	User          *UserProfile `json:"user,omitempty"`
	UserExpiry    *time.Time   `json:"userExpiry,omitempty"`
}

// HasValidUser reports whether the user, refresh token and both
// expiries are present and the expiries are after now.
func (s *AuthState) HasValidUser(now time.Time) bool {
	if s == nil || s.User == nil || s.UserExpiry == nil ||
		s.RefreshToken == "" || s.RefreshExpiry == nil {
		return false
	}
	return s.UserExpiry.After(now) && s.RefreshExpiry.After(now)
}

// AccessExpiresWithin reports whether the access token expires before now+d.
// A missing expiry never qualifies.
func (s *AuthState) AccessExpiresWithin(now time.Time, d time.Duration) bool {
	if s == nil || s.AccessExpiry == nil {
		return false
	}
	return !s.AccessExpiry.After(now.Add(d))
}
