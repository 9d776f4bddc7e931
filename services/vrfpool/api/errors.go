package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/R3E-Network/vrfpool/internal/engine/recovery"
	"github.com/R3E-Network/vrfpool/internal/proof"
	commonservice "github.com/R3E-Network/vrfpool/services/common/service"
	"github.com/R3E-Network/vrfpool/services/vrfpool/oracle"
)

const (
	errTypeNotFound  = "not_found"
	errTypePoolEmpty = "pool_empty"
	errTypeInternal  = "internal_error"
)

// writeServiceError maps an error to its HTTP status and the typed error body.
func writeServiceError(w http.ResponseWriter, err error) {
	status, errType := classifyHTTP(err)
	commonservice.WriteTypedError(w, status, errType, err.Error())
}

func classifyHTTP(err error) (int, string) {
	switch {
	case errors.Is(err, proof.ErrPoolEmpty):
		return http.StatusNotFound, errTypePoolEmpty
	case errors.Is(err, proof.ErrNotFound):
		return http.StatusNotFound, errTypeNotFound
	case errors.Is(err, proof.ErrInvalidAddress),
		errors.Is(err, proof.ErrInvalidGameType),
		errors.Is(err, proof.ErrInvalidSubType):
		return http.StatusBadRequest, string(recovery.TypeValidation)
	}

	t, ok := recovery.TypeOf(err)
	if !ok {
		return http.StatusInternalServerError, errTypeInternal
	}
	switch t {
	case recovery.TypeValidation:
		return http.StatusBadRequest, string(t)
	case recovery.TypeConflict:
		return http.StatusConflict, string(t)
	case recovery.TypeInsufficientFunds:
		return http.StatusServiceUnavailable, string(t)
	default:
		return http.StatusInternalServerError, string(t)
	}
}

func oracleHealthError(h oracle.Health) error {
	if h.Error != "" {
		return errors.New(h.Error)
	}
	return fmt.Errorf("signer %s balance %s below minimum %s", h.Signer, h.Balance, h.MinBalance)
}
