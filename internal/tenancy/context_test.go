package tenancy

import (
	"context"
	"testing"
)

func TestClinicIDRoundTrip(t *testing.T) {
	ctx := WithClinicID(context.Background(), "clinic-123")
	got, ok := ClinicIDFromContext(ctx)
	if !ok || got != "clinic-123" {
		t.Fatalf("expected clinic-123, got %q / %v", got, ok)
	}
}

func TestClinicIDMissing(t *testing.T) {
	if _, ok := ClinicIDFromContext(context.Background()); ok {
		t.Fatal("expected no clinic id on empty context")
	}
}

func TestClinicIDEmptyString(t *testing.T) {
	ctx := WithClinicID(context.Background(), "")
	if _, ok := ClinicIDFromContext(ctx); ok {
		t.Fatal("expected empty clinic id to be treated as absent")
	}
}
