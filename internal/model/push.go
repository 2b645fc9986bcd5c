package model

import "time"

// PushSubscription is a browser's Web Push endpoint registered for an account.
type PushSubscription struct {
	ID         int64     `json:"id"`
	AccountID  int64     `json:"account_id"`
	Endpoint   string    `json:"endpoint"`
	P256dhKey  string    `json:"-"`
	AuthKey    string    `json:"-"`
	DeviceName string    `json:"device_name"`
	CreatedAt  time.Time `json:"created_at"`
}
