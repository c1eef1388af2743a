package model

import (
	"errors"
	"testing"
	"time"
)

func validPolicy() *Policy {
	return &Policy{
		Version:         1,
		CooldownMinutes: 480,
		ClaimsPerWindow: 1,
		TierWeights:     map[string]int64{"1": 90, "5": 9, "100": 1},
		TierStock:       map[string]int64{"1": 50, "100": 1},
		AllocationMode:  AllocationModeLocalFirst,
		ProbabilityMode: ProbabilityModeWeightOnly,
	}
}

func TestNormalizeTierValue(t *testing.T) {
	cases := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "1", want: "1"},
		{raw: " 1 ", want: "1"},
		{raw: "01", want: "1"},
		{raw: "100", want: "100"},
		{raw: "1.50", want: "1.5"},
		{raw: "1.0", want: "1"},
		{raw: ".5", want: "0.5"},
		{raw: "0.25", want: "0.25"},
		{raw: "000.250", want: "0.25"},
		{raw: "", wantErr: true},
		{raw: "0", wantErr: true},
		{raw: "0.0", wantErr: true},
		{raw: "-1", wantErr: true},
		{raw: "1.", wantErr: true},
		{raw: "1.2.3", wantErr: true},
		{raw: "abc", wantErr: true},
		{raw: "1e3", wantErr: true},
	}

	for _, tc := range cases {
		got, err := NormalizeTierValue(tc.raw)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidTierValue) {
				t.Errorf("NormalizeTierValue(%q): expected invalid tier value, got %q, %v", tc.raw, got, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeTierValue(%q): %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeTierValue(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestNormalizeTierValue_EqualAmountsShareOneKey(t *testing.T) {
	variants := []string{"1.5", "1.50", "01.5", " 1.500 "}
	for _, v := range variants {
		got, err := NormalizeTierValue(v)
		if err != nil {
			t.Fatalf("NormalizeTierValue(%q): %v", v, err)
		}
		if got != "1.5" {
			t.Fatalf("NormalizeTierValue(%q) = %q, want %q", v, got, "1.5")
		}
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := validPolicy().Validate(); err != nil {
		t.Fatalf("valid policy rejected: %v", err)
	}

	var nilPolicy *Policy
	if err := nilPolicy.Validate(); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("nil policy: got %v", err)
	}

	mutations := map[string]func(*Policy){
		"zero cooldown":      func(p *Policy) { p.CooldownMinutes = 0 },
		"zero claims":        func(p *Policy) { p.ClaimsPerWindow = 0 },
		"bad allocation":     func(p *Policy) { p.AllocationMode = "eager" },
		"bad probability":    func(p *Policy) { p.ProbabilityMode = "uniform" },
		"negative weight":    func(p *Policy) { p.TierWeights["1"] = -1 },
		"negative stock":     func(p *Policy) { p.TierStock["1"] = -1 },
		"invalid weight key": func(p *Policy) { p.TierWeights["zero"] = 1 },
		"invalid stock key":  func(p *Policy) { p.TierStock["0"] = 1 },
	}
	for name, mutate := range mutations {
		p := validPolicy()
		mutate(p)
		if err := p.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestPolicyClone(t *testing.T) {
	orig := validPolicy()
	orig.UpdatedAt = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	clone := orig.Clone()
	clone.TierWeights["1"] = 999
	clone.TierStock["1"] = 999

	if orig.TierWeights["1"] == 999 || orig.TierStock["1"] == 999 {
		t.Fatal("clone must not share maps with the original")
	}
	if !clone.UpdatedAt.Equal(orig.UpdatedAt) || clone.Version != orig.Version {
		t.Fatal("clone must copy scalar fields")
	}
}

func TestPolicyCooldown(t *testing.T) {
	p := validPolicy()
	if got := p.Cooldown(); got != 480*time.Minute {
		t.Fatalf("cooldown = %v, want 8h", got)
	}
	p.CooldownMinutes = 0
	if got := p.Cooldown(); got != 0 {
		t.Fatalf("cooldown = %v, want 0", got)
	}
}
