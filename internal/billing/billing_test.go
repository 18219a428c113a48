package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maauso/clipchain-api/internal/generator"
)

func TestCheck(t *testing.T) {
	deny := GateFunc(func(context.Context, Charge) error { return ErrNotAuthorized })
	charge := Charge{Fingerprint: "fp", Provider: "kling", Tier: generator.TierPro, Seconds: 10}

	tests := []struct {
		name   string
		policy Policy
		gate   Gate
		want   error
	}{
		{"bypass skips a denying gate", StaticPolicy(true), deny, nil},
		{"enforced denying gate", StaticPolicy(false), deny, ErrNotAuthorized},
		{"nil policy enforces", nil, deny, ErrNotAuthorized},
		{"allow all", StaticPolicy(false), AllowAll{}, nil},
		{"nil gate", StaticPolicy(false), nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, Check(context.Background(), tt.policy, tt.gate, charge), tt.want)
		})
	}
}

func TestGateFunc_ReceivesCharge(t *testing.T) {
	var got Charge
	g := GateFunc(func(_ context.Context, c Charge) error {
		got = c
		return nil
	})
	want := Charge{Fingerprint: "fp", Provider: "pollo", Tier: generator.TierEconomy, Seconds: 5}

	assert.NoError(t, g.Authorize(context.Background(), want))
	assert.Equal(t, want, got)
}
