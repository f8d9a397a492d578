package codes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ms-reservation/internal/domain"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetDiscountCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	args := m.Called(ctx, code)
	dc, _ := args.Get(0).(*models.DiscountCode)
	return dc, args.Error(1)
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestValidateAccess(t *testing.T) {
	open := &models.Session{}
	locked := &models.Session{AccessCode: "Tigers2026"}

	assert.True(t, ValidateAccess(open, ""))
	assert.True(t, ValidateAccess(open, "anything"))
	assert.True(t, ValidateAccess(locked, "Tigers2026"))
	assert.True(t, ValidateAccess(locked, "  tigers2026 "))
	assert.False(t, ValidateAccess(locked, ""))
	assert.False(t, ValidateAccess(locked, "Tigers"))
}

func TestApply(t *testing.T) {
	tests := []struct {
		name  string
		code  models.DiscountCode
		price int64
		want  int64
	}{
		{"full", models.DiscountCode{Type: models.DiscountFull}, 2500, 0},
		{"percentage", models.DiscountCode{Type: models.DiscountPercentage, Value: 20}, 2500, 2000},
		{"percentage rounds down", models.DiscountCode{Type: models.DiscountPercentage, Value: 33}, 1999, 1339},
		{"percentage over 100", models.DiscountCode{Type: models.DiscountPercentage, Value: 150}, 2500, 0},
		{"fixed", models.DiscountCode{Type: models.DiscountFixed, Value: 500}, 2500, 2000},
		{"fixed larger than price", models.DiscountCode{Type: models.DiscountFixed, Value: 5000}, 2500, 0},
		{"free session", models.DiscountCode{Type: models.DiscountFixed, Value: 500}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Apply(&tt.code, tt.price))
		})
	}
}

func TestCheck(t *testing.T) {
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name    string
		code    models.DiscountCode
		wantErr bool
	}{
		{"active", models.DiscountCode{Type: models.DiscountFull, Active: true}, false},
		{"inactive", models.DiscountCode{Type: models.DiscountFull}, true},
		{"not yet valid", models.DiscountCode{Type: models.DiscountFull, Active: true, ValidFrom: &future}, true},
		{"expired", models.DiscountCode{Type: models.DiscountFull, Active: true, ValidUntil: &past}, true},
		{"expires exactly now", models.DiscountCode{Type: models.DiscountFull, Active: true, ValidUntil: &now}, true},
		{"in window", models.DiscountCode{Type: models.DiscountFull, Active: true, ValidFrom: &past, ValidUntil: &future}, false},
		{"exhausted by pending", models.DiscountCode{Type: models.DiscountFull, Active: true, MaxUses: 1, PendingUses: 1}, true},
		{"exhausted by committed", models.DiscountCode{Type: models.DiscountFull, Active: true, MaxUses: 2, CurrentUses: 2}, true},
		{"unlimited", models.DiscountCode{Type: models.DiscountFull, Active: true, CurrentUses: 1000}, false},
		{"unknown type", models.DiscountCode{Type: "bogo", Active: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(&tt.code, now)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidDiscountCode)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateDiscount(t *testing.T) {
	store := new(mockStore)
	store.On("GetDiscountCode", mock.Anything, "SAVE20").
		Return(&models.DiscountCode{Code: "SAVE20", Type: models.DiscountPercentage, Value: 20, Active: true}, nil)
	store.On("GetDiscountCode", mock.Anything, "NOPE").Return(nil, nil)
	store.On("GetDiscountCode", mock.Anything, "BROKEN").Return(nil, errors.New("connection reset"))

	v := NewValidator(store, logger.Discard())
	ctx := context.Background()

	price, token, err := v.ValidateDiscount(ctx, " save20 ", 2500, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), price)
	require.NotNil(t, token)
	assert.Equal(t, "SAVE20", token.Code)

	price, token, err = v.ValidateDiscount(ctx, "", 2500, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), price)
	assert.Nil(t, token)

	_, _, err = v.ValidateDiscount(ctx, "nope", 2500, now)
	assert.ErrorIs(t, err, domain.ErrInvalidDiscountCode)

	_, _, err = v.ValidateDiscount(ctx, "broken", 2500, now)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrInvalidDiscountCode)

	store.AssertExpectations(t)
}
