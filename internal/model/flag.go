package model

import (
	"fmt"
	"strconv"
	"time"
)

// FlagKind tags the variant held by a FlagValue. The string form is the
// flag_type column.
type FlagKind string

const (
	FlagBool FlagKind = "bool"
	FlagText FlagKind = "text"
	FlagInt  FlagKind = "int"
)

// FlagValue is a tagged union. Only the field matching Kind is meaningful.
type FlagValue struct {
	Kind FlagKind
	Bool bool
	Text string
	Int  int64
}

func BoolFlag(v bool) FlagValue   { return FlagValue{Kind: FlagBool, Bool: v} }
func TextFlag(v string) FlagValue { return FlagValue{Kind: FlagText, Text: v} }
func IntFlag(v int64) FlagValue   { return FlagValue{Kind: FlagInt, Int: v} }

// Encode returns the stored value column for the flag.
func (f FlagValue) Encode() (string, error) {
	switch f.Kind {
	case FlagBool:
		return strconv.FormatBool(f.Bool), nil
	case FlagText:
		return f.Text, nil
	case FlagInt:
		return strconv.FormatInt(f.Int, 10), nil
	default:
		return "", fmt.Errorf("unknown flag kind %q", f.Kind)
	}
}

// String renders the value without its tag.
func (f FlagValue) String() string {
	s, err := f.Encode()
	if err != nil {
		return ""
	}
	return s
}

// DecodeFlag parses a (flag_type, value) pair.
func DecodeFlag(kind, value string) (FlagValue, error) {
	switch FlagKind(kind) {
	case FlagBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return FlagValue{}, fmt.Errorf("decode bool flag %q: %w", value, err)
		}
		return BoolFlag(b), nil
	case FlagText:
		return TextFlag(value), nil
	case FlagInt:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return FlagValue{}, fmt.Errorf("decode int flag %q: %w", value, err)
		}
		return IntFlag(n), nil
	default:
		return FlagValue{}, fmt.Errorf("unknown flag kind %q", kind)
	}
}

// Flag is a named, stored flag value.
type Flag struct {
	Name      string    `json:"name"`
	Value     FlagValue `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Known flag names.
const (
	FlagRoleAddition     = "verification_role_addition"
	FlagRoleRemoval      = "verification_role_removal"
	FlagWaiveAccountLink = "verification_waive_account_link"
)
