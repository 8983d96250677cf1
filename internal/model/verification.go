package model

import (
	"strings"
	"time"
)

// DefaultSessionTTL is how long an issued code stays valid.
const DefaultSessionTTL = 300 * time.Second

// VerificationRecord is one roster entry, keyed by lowercased email.
type VerificationRecord struct {
	Email     string  `json:"email"`
	Name      *string `json:"name,omitempty"`
	InRoster  *bool   `json:"in_roster,omitempty"`
	HasPaid   *bool   `json:"has_paid,omitempty"`
	AccountID *uint64 `json:"account_id,omitempty"`
}

// Linked reports whether the record carries a non-zero account link.
func (r *VerificationRecord) Linked() bool {
	return r != nil && r.AccountID != nil && *r.AccountID != 0
}

// LinkedTo reports whether the record is linked to the given account.
func (r *VerificationRecord) LinkedTo(accountID uint64) bool {
	return r.Linked() && *r.AccountID == accountID
}

// VerificationSession is an in-flight attempt to link an email to an account.
type VerificationSession struct {
	Email     string    `json:"email"`
	AccountID uint64    `json:"account_id"`
	Code      uint64    `json:"-"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Expired reports whether more than ttl has elapsed since the code was issued.
func (s *VerificationSession) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.IssuedAt) > ttl
}

// NormalizeEmail lowercases and trims an address so it can be used as a key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
