package store

import (
	"context"
	"errors"
	"testing"

	"github.com/gryphonracing/rosterlink/internal/model"
	"github.com/gryphonracing/rosterlink/internal/sentinel"
)

func TestFlagSeededDefaults(t *testing.T) {
	ctx := context.Background()
	fs := NewFlagStore(openTestDB(t))

	tests := []struct {
		name string
		want bool
	}{
		{model.FlagRoleAddition, true},
		{model.FlagRoleRemoval, false},
		{model.FlagWaiveAccountLink, false},
	}
	for _, tt := range tests {
		got, err := fs.Bool(ctx, tt.name, !tt.want)
		if err != nil {
			t.Fatalf("bool %s: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFlagRoundTripsEveryKind(t *testing.T) {
	ctx := context.Background()
	fs := NewFlagStore(openTestDB(t))

	values := map[string]model.FlagValue{
		"b": model.BoolFlag(true),
		"t": model.TextFlag("hello world"),
		"i": model.IntFlag(-42),
	}
	for name, v := range values {
		if err := fs.Set(ctx, name, v); err != nil {
			t.Fatalf("set %s: %v", name, err)
		}
		got, err := fs.Get(ctx, name)
		if err != nil {
			t.Fatalf("get %s: %v", name, err)
		}
		if got == nil || *got != v {
			t.Errorf("%s = %+v, want %+v", name, got, v)
		}
	}

	flags, err := fs.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(flags) != 6 {
		t.Errorf("flags = %d, want 6", len(flags))
	}
}

func TestFlagBoolWrongType(t *testing.T) {
	ctx := context.Background()
	fs := NewFlagStore(openTestDB(t))
	fs.Set(ctx, model.FlagRoleRemoval, model.TextFlag("yes"))

	_, err := fs.Bool(ctx, model.FlagRoleRemoval, false)
	if !errors.Is(err, sentinel.ErrWrongFlagType) {
		t.Errorf("err = %v, want ErrWrongFlagType", err)
	}
}

func TestFlagBoolMissingUsesDefault(t *testing.T) {
	fs := NewFlagStore(openTestDB(t))

	got, err := fs.Bool(context.Background(), "not_there", true)
	if err != nil {
		t.Fatalf("bool: %v", err)
	}
	if !got {
		t.Error("got false, want default true")
	}
}

func TestFlagSetUnknownKind(t *testing.T) {
	fs := NewFlagStore(openTestDB(t))

	err := fs.Set(context.Background(), "x", model.FlagValue{Kind: "float"})
	if !errors.Is(err, sentinel.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}
