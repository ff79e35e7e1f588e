package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeauth/internal/clock"
)

func TestLimiter_Check(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		attempts    int
		wantAllowed int
	}{
		{
			name:        "allows up to burst",
			cfg:         Config{RequestsPerMinute: 60, Burst: 5},
			attempts:    5,
			wantAllowed: 5,
		},
		{
			name:        "blocks after burst",
			cfg:         Config{RequestsPerMinute: 60, Burst: 5},
			attempts:    10,
			wantAllowed: 5,
		},
		{
			name:        "default burst is a tenth of the rate",
			cfg:         Config{RequestsPerMinute: 30},
			attempts:    10,
			wantAllowed: 3,
		},
		{
			name:        "minimum burst is one",
			cfg:         Config{RequestsPerMinute: 5},
			attempts:    3,
			wantAllowed: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewMock(time.Time{})
			l := New(tt.cfg, clk, nil)
			require.NotNil(t, l)

			allowed := 0
			for i := 0; i < tt.attempts; i++ {
				if l.Check(context.Background(), "app-1").Allowed {
					allowed++
				}
			}
			assert.Equal(t, tt.wantAllowed, allowed)
		})
	}
}

func TestLimiter_RemainingAndRefill(t *testing.T) {
	clk := clock.NewMock(time.Time{})
	l := New(Config{RequestsPerMinute: 60, Burst: 3}, clk, nil)
	ctx := context.Background()

	assert.Equal(t, Result{Allowed: true, Remaining: 2}, l.Check(ctx, "app-1"))
	assert.Equal(t, Result{Allowed: true, Remaining: 1}, l.Check(ctx, "app-1"))
	assert.Equal(t, Result{Allowed: true, Remaining: 0}, l.Check(ctx, "app-1"))
	assert.False(t, l.Check(ctx, "app-1").Allowed)

	// One token per second at 60/min.
	clk.Advance(time.Second)
	assert.True(t, l.Check(ctx, "app-1").Allowed)
}

func TestLimiter_IsolatedPerIdentifier(t *testing.T) {
	clk := clock.NewMock(time.Time{})
	l := New(Config{RequestsPerMinute: 60, Burst: 1}, clk, nil)
	ctx := context.Background()

	assert.True(t, l.Check(ctx, "app-1").Allowed)
	assert.False(t, l.Check(ctx, "app-1").Allowed)
	assert.True(t, l.Check(ctx, "app-2").Allowed)

	l.Reset("app-1")
	assert.True(t, l.Check(ctx, "app-1").Allowed)
}

func TestLimiter_Cleanup(t *testing.T) {
	clk := clock.NewMock(time.Time{})
	l := New(Config{RequestsPerMinute: 60, IdleTTL: time.Minute}, clk, nil)
	ctx := context.Background()

	l.Check(ctx, "app-1")
	l.Check(ctx, "app-2")
	assert.Equal(t, 2, l.Len())

	clk.Advance(2 * time.Minute)
	l.Check(ctx, "app-2")
	l.Cleanup()
	assert.Equal(t, 1, l.Len())
}

func TestLimiter_Disabled(t *testing.T) {
	l := New(Config{}, nil, nil)
	assert.Nil(t, l)

	for i := 0; i < 100; i++ {
		assert.True(t, l.Check(context.Background(), "app-1").Allowed)
	}
	l.Reset("app-1")
	l.Cleanup()
	assert.Equal(t, 0, l.Len())
}

func TestLimiter_NewBucketIsKept(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, Burst: 1}, clock.Real{}, nil)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 20; i++ {
		if l.Check(ctx, "app-1").Allowed {
			allowed++
		}
	}
	assert.Equal(t, 1, allowed)
	assert.Equal(t, 1, l.Len())
}
