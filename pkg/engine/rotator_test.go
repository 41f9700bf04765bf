package engine

import (
	"errors"
	"testing"
)

func TestNewDomainRotatorValidation(t *testing.T) {
	if _, err := NewDomainRotator(nil); err == nil {
		t.Fatal("expected error for empty domain list")
	} else if !IsConfig(err) {
		t.Errorf("expected config error, got %v", err)
	}

	if _, err := NewDomainRotator([]string{"AD-1", "AD-1"}); err == nil {
		t.Fatal("expected error for duplicate domains")
	}

	if _, err := NewDomainRotator([]string{"AD-1", ""}); err == nil {
		t.Fatal("expected error for empty domain entry")
	}

	var runErr *RunError
	_, err := NewDomainRotator(nil)
	if !errors.As(err, &runErr) {
		t.Fatalf("expected *RunError, got %T", err)
	}
	if runErr.Code != ErrCodeValidation {
		t.Errorf("expected code %s, got %s", ErrCodeValidation, runErr.Code)
	}
}

func TestDomainRotatorRoundRobin(t *testing.T) {
	r, err := NewDomainRotator([]string{"AD-1", "AD-2", "AD-3"})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"AD-1", "AD-2", "AD-3", "AD-1", "AD-2", "AD-3", "AD-1"}
	for i, w := range want {
		if got := r.Current(); got != w {
			t.Errorf("step %d: expected %s, got %s", i, w, got)
		}
		r.Advance()
	}
}

func TestDomainRotatorSingleDomain(t *testing.T) {
	r, err := NewDomainRotator([]string{"AD-1"})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if got := r.Current(); got != "AD-1" {
			t.Fatalf("step %d: expected AD-1, got %s", i, got)
		}
		r.Advance()
	}
}

func TestDomainRotatorCopiesInput(t *testing.T) {
	domains := []string{"AD-1", "AD-2"}
	r, err := NewDomainRotator(domains)
	if err != nil {
		t.Fatal(err)
	}

	domains[0] = "mutated"
	if got := r.Current(); got != "AD-1" {
		t.Errorf("rotator shares backing array with caller: got %s", got)
	}
}
