package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/creatorbot/market-engine/internal/model"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.Invalid("shares", "must be positive"), http.StatusBadRequest},
		{model.ErrMarketDisabled, http.StatusBadRequest},
		{fmt.Errorf("balance 5: %w", model.ErrInsufficientFunds), http.StatusPaymentRequired},
		{fmt.Errorf("stock x: %w", model.ErrNotFound), http.StatusNotFound},
		{model.ErrOrderNotFound, http.StatusNotFound},
		{model.ErrDuplicate, http.StatusConflict},
		{model.ErrAlreadyTerminal, http.StatusConflict},
		{model.ErrInsufficientShares, http.StatusConflict},
		{model.ErrInsufficientStock, http.StatusConflict},
		{model.ErrConflict, http.StatusConflict},
		{errors.Join(model.ErrTransient, model.ErrConflict), http.StatusServiceUnavailable},
		{fmt.Errorf("ledger: %w", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
