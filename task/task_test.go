package task

import "testing"

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusSubmitted, false},
		{StatusQueued, false},
		{StatusRunning, false},
		{StatusSuccess, true},
		{StatusFailure, true},
		{StatusRevoked, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := IsTerminal(tt.status); got != tt.terminal {
				t.Errorf("IsTerminal(%q) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestValidateTransition(t *testing.T) {
	valid := []struct{ from, to Status }{
		{StatusSubmitted, StatusQueued},
		{StatusSubmitted, StatusRevoked},
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusRevoked},
		{StatusRunning, StatusRunning}, // internal retry
		{StatusRunning, StatusSuccess},
		{StatusRunning, StatusFailure},
		{StatusRunning, StatusRevoked},
	}
	for _, tt := range valid {
		if err := ValidateTransition(tt.from, tt.to); err != nil {
			t.Errorf("ValidateTransition(%q, %q) = %v, want nil", tt.from, tt.to, err)
		}
	}

	invalid := []struct{ from, to Status }{
		{StatusQueued, StatusSubmitted}, // no re-entry of earlier states
		{StatusRunning, StatusQueued},
		{StatusSuccess, StatusRunning},
		{StatusSuccess, StatusRevoked},
		{StatusFailure, StatusSuccess},
		{StatusRevoked, StatusRunning},
		{StatusSubmitted, StatusSuccess}, // no skipping
	}
	for _, tt := range invalid {
		if err := ValidateTransition(tt.from, tt.to); err == nil {
			t.Errorf("ValidateTransition(%q, %q) = nil, want error", tt.from, tt.to)
		}
	}
}

func TestProviderList(t *testing.T) {
	single := &Task{Provider: "openai"}
	if got := single.ProviderList(); len(got) != 1 || got[0] != "openai" {
		t.Fatalf("ProviderList = %v", got)
	}

	multi := &Task{
		Provider: "openai",
		Spec:     ExtractionSpec{ConsensusProviders: []string{"openai", "gemini"}},
	}
	if !multi.Consensus() {
		t.Fatal("expected consensus")
	}
	if got := multi.ProviderList(); len(got) != 2 {
		t.Fatalf("ProviderList = %v", got)
	}

	// A single-entry consensus list is not consensus.
	lone := &Task{Provider: "openai", Spec: ExtractionSpec{ConsensusProviders: []string{"gemini"}}}
	if lone.Consensus() {
		t.Fatal("one provider is not consensus")
	}
}
