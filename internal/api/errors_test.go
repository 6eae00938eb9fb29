package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"milestonepay/internal/escrowerr"
	"milestonepay/pkg/rbac"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&escrowerr.ValidationError{Field: "amount"}, http.StatusBadRequest},
		{&escrowerr.WalletMissingError{}, http.StatusUnprocessableEntity},
		{&escrowerr.EscrowAlreadyBoundError{}, http.StatusConflict},
		{&escrowerr.IndexOutOfRangeError{Position: 3}, http.StatusNotFound},
		{&escrowerr.InvalidTransitionError{}, http.StatusConflict},
		{&escrowerr.NotBoundError{}, http.StatusConflict},
		{&escrowerr.NotFoundError{Entity: "project"}, http.StatusNotFound},
		{&escrowerr.ReconciliationMismatch{}, http.StatusConflict},
		{&rbac.PermissionDeniedError{}, http.StatusForbidden},
		{&escrowerr.ChainCallError{Transient: true}, http.StatusServiceUnavailable},
		{&escrowerr.ChainCallError{}, http.StatusBadGateway},
		{&escrowerr.PersistenceError{Err: errors.New("down")}, http.StatusServiceUnavailable},
		{fmt.Errorf("milestone 1: %w", &escrowerr.ValidationError{}), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusFor(tc.err), "%T", tc.err)
	}
}
