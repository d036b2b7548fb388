package hub

import (
	"testing"

	"github.com/tidwall/gjson"

	"github.com/routecodex/routecodex/internal/provider"
)

func TestApplyCompatibility(t *testing.T) {
	payload := []byte(`{"model":"m","max_tokens":256,"temperature":2.5,"store":true,"tools":[{"type":"function"}]}`)

	tests := []struct {
		profile string
		check   func(t *testing.T, out []byte)
	}{
		{
			profile: "",
			check: func(t *testing.T, out []byte) {
				if string(out) != string(payload) {
					t.Error("empty profile must not rewrite the payload")
				}
			},
		},
		{
			profile: "deepseek",
			check: func(t *testing.T, out []byte) {
				if gjson.GetBytes(out, "store").Exists() {
					t.Error("store should be dropped")
				}
				if got := gjson.GetBytes(out, "temperature").Float(); got != 2 {
					t.Errorf("temperature = %v, want clamped to 2", got)
				}
			},
		},
		{
			profile: "max-completion-tokens",
			check: func(t *testing.T, out []byte) {
				if gjson.GetBytes(out, "max_tokens").Exists() {
					t.Error("max_tokens should be renamed")
				}
				if got := gjson.GetBytes(out, "max_completion_tokens").Int(); got != 256 {
					t.Errorf("max_completion_tokens = %d", got)
				}
			},
		},
		{
			profile: "no-tools",
			check: func(t *testing.T, out []byte) {
				if gjson.GetBytes(out, "tools").Exists() {
					t.Error("tools should be dropped")
				}
			},
		},
		{
			profile: "unknown-profile",
			check: func(t *testing.T, out []byte) {
				if string(out) != string(payload) {
					t.Error("unknown profile must pass through")
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run("profile="+tt.profile, func(t *testing.T) {
			out := applyCompatibility(provider.RuntimeProfile{CompatibilityProfile: tt.profile}, append([]byte(nil), payload...))
			tt.check(t, out)
		})
	}
}
