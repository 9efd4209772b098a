// Package domain holds the types shared by the session, rule and redirection
// components, and the error kinds they report.
package domain

import "time"

// Session is one authenticated chat identity bound to an owner and a phone.
type Session struct {
	Owner     int64     `json:"owner"`
	Phone     string    `json:"phone"`
	Handle    string    `json:"handle"`
	Active    bool      `json:"active"`
	LastUsed  time.Time `json:"last_used"`
	CreatedAt time.Time `json:"created_at"`
}

// Rule is a named redirection from one source chat to one destination chat.
type Rule struct {
	ID             string    `json:"id"`
	Owner          int64     `json:"owner"`
	Name           string    `json:"name"`
	Phone          string    `json:"phone"`
	SourceID       int64     `json:"source_id"`
	DestinationID  int64     `json:"destination_id"`
	Active         bool      `json:"active"`
	Filters        Filters   `json:"filters"`
	SupersededFrom string    `json:"superseded_from,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// PendingRule is the single half-configured rule an owner may hold while the
// source and destination chats are still missing.
type PendingRule struct {
	Owner     int64     `json:"owner"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

// LinkKey identifies a forwarded message by where it came from and where it went.
type LinkKey struct {
	SourceChat    int64
	SourceMessage int64
	DestChat      int64
}
