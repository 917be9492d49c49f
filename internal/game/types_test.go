package game

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestPhase_Code(t *testing.T) {
	tests := []struct {
		phase Phase
		code  int
		name  string
	}{
		{PhaseBetting, 0, "BETTING"},
		{PhaseWebhookSettle, 0, "WEBHOOK_SETTLE"},
		{PhaseClimb, 1, "CLIMB"},
		{PhaseCrashed, 2, "CRASHED"},
	}

	for _, tt := range tests {
		if got := tt.phase.Code(); got != tt.code {
			t.Errorf("%s.Code() = %d, want %d", tt.name, got, tt.code)
		}
		if got := tt.phase.String(); got != tt.name {
			t.Errorf("String() = %q, want %q", got, tt.name)
		}
	}
}

func TestPlaneMessage(t *testing.T) {
	if got := PlaneMessage(1700000000000, "3", PhaseBetting); got != "1700000000000:3:0" {
		t.Errorf("PlaneMessage() = %q", got)
	}
	if got := PlaneMessage(42, FormatMultiplier(2.5), PhaseClimb); got != "42:2.50:1" {
		t.Errorf("PlaneMessage() = %q", got)
	}
	if got := PlaneMessage(42, "PROCESSING", PhaseWebhookSettle); got != "42:PROCESSING:0" {
		t.Errorf("PlaneMessage() = %q", got)
	}
}

func TestRoundMultiplier(t *testing.T) {
	tests := map[float64]float64{
		1.004:  1.00,
		1.006:  1.01,
		2.3456: 2.35,
		10:     10,
	}
	for in, want := range tests {
		if got := RoundMultiplier(in); got != want {
			t.Errorf("RoundMultiplier(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestClimbMultiplier(t *testing.T) {
	tests := []struct {
		value, final, want float64
	}{
		{1, 2, 1.00},
		{1.1, 2, 1.10},
		{2.3456, 5, 2.34},
		{4.996, 5, 4.99},
		{4.9999999, 5, 4.99},
		{1.005, 1.01, 1.00},
	}
	for _, tt := range tests {
		if got := ClimbMultiplier(tt.value, tt.final); got != tt.want {
			t.Errorf("ClimbMultiplier(%v, %v) = %v, want %v", tt.value, tt.final, got, tt.want)
		}
	}
}

func TestRoundState_HidesFinalMultiplier(t *testing.T) {
	round := RoundState{RoundID: 1, Phase: PhaseClimb, OngoingMultiplier: 1.5, FinalMultiplier: 7.77}

	data, err := json.Marshal(round)
	if err != nil {
		t.Fatalf("Failed to marshal RoundState: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal RoundState: %v", err)
	}
	if _, ok := decoded["final_multiplier"]; ok {
		t.Error("final multiplier leaked while climbing")
	}
	if decoded["phase"] != "CLIMB" {
		t.Errorf("phase = %v, want CLIMB", decoded["phase"])
	}

	if _, ok := round.Public()["final_multiplier"]; ok {
		t.Error("Public() leaked final multiplier while climbing")
	}
	round.Phase = PhaseCrashed
	if got := round.Public()["final_multiplier"]; got != 7.77 {
		t.Errorf("Public() final_multiplier = %v, want 7.77", got)
	}
}

func TestNewPlayer(t *testing.T) {
	p := NewPlayer("sock-1", "user:1", "op 1", "Alice", "tok", "jetx", "10.0.0.1", decimal.NewFromInt(100))

	if p.UserID != "user%3A1" {
		t.Errorf("UserID = %q, want escaped", p.UserID)
	}
	if p.OperatorID != "op+1" {
		t.Errorf("OperatorID = %q, want escaped", p.OperatorID)
	}
	if p.Identity() != "op+1:user%3A1" {
		t.Errorf("Identity() = %q", p.Identity())
	}
	if p.Image != AvatarIndex(p.Identity()) {
		t.Errorf("Image = %d, want %d", p.Image, AvatarIndex(p.Identity()))
	}

	info := p.Info()
	if info.Balance != "100.00" {
		t.Errorf("Info().Balance = %q, want 100.00", info.Balance)
	}
}

func TestAvatarIndex(t *testing.T) {
	// 'a' + 'b' = 195
	if got := AvatarIndex("ab"); got != 5 {
		t.Errorf("AvatarIndex(ab) = %d, want 5", got)
	}
	for _, id := range []string{"", "x", "operator:user", "日本"} {
		if got := AvatarIndex(id); got < 0 || got > 9 {
			t.Errorf("AvatarIndex(%q) = %d out of range", id, got)
		}
	}
}
