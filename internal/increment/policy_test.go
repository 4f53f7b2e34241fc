package increment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/auctionhouse/internal/auctionerrors"
	"github.com/mmeshcher/auctionhouse/internal/model"
)

func testTiers() []model.IncrementTier {
	return []model.IncrementTier{
		{MinAmount: 5000, MaxAmount: 50000, IncrementAmount: 500},
		{MinAmount: 0, MaxAmount: 5000, IncrementAmount: 100},
		{MinAmount: 50000, MaxAmount: 0, IncrementAmount: 1000},
	}
}

func TestIncrement(t *testing.T) {
	p, err := NewPolicy(testTiers())
	require.NoError(t, err)

	tests := []struct {
		name  string
		price int64
		want  int64
	}{
		{name: "lowest bracket", price: 1000, want: 100},
		{name: "lower bound inclusive", price: 5000, want: 500},
		{name: "upper bound exclusive", price: 4999, want: 100},
		{name: "open top bracket", price: 1_000_000, want: 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Increment(tt.price))
		})
	}
}

func TestIncrement_NoMatchingTier(t *testing.T) {
	p, err := NewPolicy([]model.IncrementTier{{MinAmount: 100, MaxAmount: 200, IncrementAmount: 10}})
	require.NoError(t, err)

	assert.Equal(t, int64(1), p.Increment(50))
	assert.Equal(t, int64(301), p.MinimumBid(300))
}

func TestValidate(t *testing.T) {
	p, err := NewPolicy(testTiers())
	require.NoError(t, err)

	err = p.Validate(1000, 1050)
	require.True(t, errors.Is(err, auctionerrors.ErrBidTooLow), "got %v", err)
	assert.Contains(t, err.Error(), "1100")

	require.NoError(t, p.Validate(1000, 1100))
	require.Error(t, p.Validate(1000, 1000), "tie with current price must be rejected")
}

func TestNewPolicy_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		tiers []model.IncrementTier
	}{
		{
			name: "overlap",
			tiers: []model.IncrementTier{
				{MinAmount: 0, MaxAmount: 600, IncrementAmount: 10},
				{MinAmount: 500, MaxAmount: 1000, IncrementAmount: 50},
			},
		},
		{
			name: "unbounded tier followed by another",
			tiers: []model.IncrementTier{
				{MinAmount: 0, MaxAmount: 0, IncrementAmount: 10},
				{MinAmount: 500, MaxAmount: 1000, IncrementAmount: 50},
			},
		},
		{
			name:  "zero increment",
			tiers: []model.IncrementTier{{MinAmount: 0, MaxAmount: 100, IncrementAmount: 0}},
		},
		{
			name:  "empty range",
			tiers: []model.IncrementTier{{MinAmount: 100, MaxAmount: 100, IncrementAmount: 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPolicy(tt.tiers)
			require.ErrorIs(t, err, ErrInvalidTiers)
		})
	}
}
