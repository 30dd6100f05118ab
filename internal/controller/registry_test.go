package controller

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryLifecycle(t *testing.T) {
	up := newUpstream(t)
	up.set("/r.png", "r")
	reg, err := NewRegistry(newTestOptions(t, up))
	if err != nil {
		t.Fatalf("registry init failed: %v", err)
	}

	a, err := reg.Create(context.Background(), Source{URI: up.url("/r.png")})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	b, err := reg.Create(context.Background(), Source{URI: "file:///local.png"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if a.ID() == b.ID() {
		t.Fatalf("consumer ids must be unique")
	}
	if reg.Len() != 2 || len(reg.IDs()) != 2 {
		t.Fatalf("expected two consumers, got %v", reg.IDs())
	}
	if got, ok := reg.Get(a.ID()); !ok || got != a {
		t.Fatalf("get should return created consumer")
	}

	st, err := reg.Update(context.Background(), b.ID(), Source{URI: "file:///other.png"})
	if err != nil || st.URI != "file:///other.png" {
		t.Fatalf("update failed: %+v %v", st, err)
	}
	if _, err := reg.Update(context.Background(), "missing", Source{}); !errors.Is(err, ErrUnknownConsumer) {
		t.Fatalf("expected ErrUnknownConsumer, got %v", err)
	}

	if !reg.Destroy(b.ID()) {
		t.Fatalf("destroy should report existing consumer")
	}
	if reg.Destroy(b.ID()) {
		t.Fatalf("second destroy should report missing consumer")
	}
	if _, ok := reg.Get(b.ID()); ok {
		t.Fatalf("destroyed consumer should be removed")
	}

	reg.Close()
	if reg.Len() != 0 {
		t.Fatalf("close should drop all consumers")
	}
	if err := a.SetSource(context.Background(), Source{URI: up.url("/r.png")}); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("closed registry should destroy consumers, got %v", err)
	}
	if _, err := reg.Create(context.Background(), Source{}); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("create after close should fail, got %v", err)
	}
}

func TestRegistryCreatePropagatesInvalidSource(t *testing.T) {
	up := newUpstream(t)
	reg, err := NewRegistry(newTestOptions(t, up))
	if err != nil {
		t.Fatalf("registry init failed: %v", err)
	}
	defer reg.Close()

	if _, err := reg.Create(context.Background(), Source{URI: "http://"}); err == nil {
		t.Fatalf("expected invalid locator error")
	}
	if reg.Len() != 0 {
		t.Fatalf("failed create must not register consumer")
	}
}

func TestNewRegistryRequiresDependencies(t *testing.T) {
	if _, err := NewRegistry(Options{}); err == nil {
		t.Fatalf("expected error without store")
	}
}
