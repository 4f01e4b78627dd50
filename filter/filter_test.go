package filter

import (
	"testing"
)

func TestFilter_Allows_IncludeMode(t *testing.T) {
	opts := Options{
		IncludeSender: []string{`@bank\.example>?$`},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows("Bank <no-reply@bank.example>", "Your code") {
		t.Error("Expected message to be allowed (sender matches)")
	}

	if f.Allows("shop@store.example", "Your code") {
		t.Error("Expected message to be filtered out (sender doesn't match)")
	}
}

func TestFilter_Allows_ExcludeMode(t *testing.T) {
	opts := Options{
		ExcludeSubject: []string{"(?i)newsletter"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows("a@example.com", "Login code") {
		t.Error("Expected message to be allowed (no newsletter)")
	}

	if f.Allows("a@example.com", "Weekly Newsletter") {
		t.Error("Expected message to be filtered out (newsletter)")
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	opts := Options{
		IncludeSender:  []string{"bank"},
		ExcludeSubject: []string{"spam"},
	}
	_, err := New(opts)
	if err == nil {
		t.Error("Expected error when both include and exclude are specified")
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	if _, err := New(Options{IncludeSubject: []string{"("}}); err == nil {
		t.Error("Expected error for invalid regex")
	}
}

func TestFilter_NoFilters(t *testing.T) {
	f, err := New(Options{IncludeSender: []string{"  "}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if f.Active() {
		t.Error("Blank patterns should not activate the filter")
	}
	if !f.Allows("anyone@example.com", "Any subject") {
		t.Error("Expected message to be allowed when no filters are active")
	}
}

func TestFilter_SubjectInclude(t *testing.T) {
	f, err := New(Options{IncludeSubject: []string{"验证码", "(?i)verification"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows("x@example.cn", "您的验证码") {
		t.Error("Expected message to be allowed (chinese subject matches)")
	}
	if f.Allows("x@example.com", "Monthly statement") {
		t.Error("Expected message to be filtered out (subject doesn't match)")
	}
}

func TestFilter_Stats(t *testing.T) {
	f, err := New(Options{ExcludeSender: []string{"spam", "promo"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	f.Allows("promo@spam.example", "x")
	f.Allows("promo@shop.example", "x")
	f.Allows("ok@example.com", "x")

	stats := f.Stats()
	if len(stats) != 2 {
		t.Fatalf("Stats() len = %d, want 2", len(stats))
	}
	if stats[0].Pattern != "promo" || stats[0].Hits != 2 {
		t.Errorf("stats[0] = %+v, want promo with 2 hits", stats[0])
	}
	if stats[1].Pattern != "spam" || stats[1].Hits != 1 {
		t.Errorf("stats[1] = %+v, want spam with 1 hit", stats[1])
	}
	if !stats[0].Exclude || stats[0].Field != FieldSender {
		t.Errorf("stats[0] = %+v, want exclude sender", stats[0])
	}
}
