package hookpolicy

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestDecide(t *testing.T) {
	cases := []struct {
		category Category
		hadError bool
		want     Decision
	}{
		{PreAction, true, Deny},
		{PreToolUse, true, Deny},
		{PermissionRequest, true, Deny},
		{UserPromptSubmit, true, Deny},
		{Notification, true, Allow},
		{PostToolUse, true, Allow},
		{PostToolUseFailure, true, Allow},
		{Stop, true, Allow},
		{SubagentStop, true, Allow},
		{PreCompact, true, Allow},
		{SessionStart, true, Allow},
		{SessionEnd, true, Allow},
		{Category("Unheard"), true, Deny},
		{PreAction, false, Allow},
		{Notification, false, Allow},
		{Category("Unheard"), false, Allow},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s/%t", tc.category, tc.hadError), func(t *testing.T) {
			require.Equal(t, tc.want, Decide(tc.category, tc.hadError))
		})
	}
}

func TestCategoriesPartition(t *testing.T) {
	for _, c := range Categories() {
		require.True(t, c.Known(), c)
		require.NotEqual(t, c.Gating(), c.Observational(), c)
	}
	require.False(t, Category("").Known())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		payload bool
		want    Failure
	}{
		{"ok", nil, 200, true, FailureNone},
		{"no content", nil, 204, true, FailureNone},
		{"refused", errors.New("connection refused"), 0, false, FailureTransport},
		{"deadline", fmt.Errorf("call hook: %w", context.DeadlineExceeded), 0, false, FailureTimeout},
		{"net timeout", timeoutErr{}, 0, false, FailureTimeout},
		{"server error", nil, 502, true, FailureStatus},
		{"redirect", nil, 302, true, FailureStatus},
		{"no response", nil, 0, false, FailureStatus},
		{"bad body", nil, 200, false, FailurePayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err, tc.status, tc.payload)
			require.Equal(t, tc.want, got, got.String())
		})
	}
}

func TestResolve(t *testing.T) {
	require.Equal(t, Allow, Resolve(PreToolUse, FailureNone))
	require.Equal(t, Deny, Resolve(PreToolUse, FailureTimeout))
	require.Equal(t, Allow, Resolve(Notification, FailureStatus))
}

// TestErrorPolicyProperty verifies that a failed callback denies exactly the
// non-observational categories and that successful callbacks never deny.
func TestErrorPolicyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	names := make([]any, 0, len(Categories())+2)
	for _, c := range Categories() {
		names = append(names, string(c))
	}
	names = append(names, "Custom", "")

	properties.Property("fail closed unless observational", prop.ForAll(
		func(name string, hadError bool) bool {
			c := Category(name)
			got := Decide(c, hadError)
			if !hadError {
				return got == Allow
			}
			if c.Observational() {
				return got == Allow
			}
			return got == Deny
		},
		gen.OneConstOf(names...),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
