package model

import "time"

// Session is one occupied device slot. It lives from login until logout or expiry.
type Session struct {
	ID        int64     `json:"id"`
	Token     string    `json:"-"`
	AccountID int64     `json:"account_id"`
	Device    string    `json:"device"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
