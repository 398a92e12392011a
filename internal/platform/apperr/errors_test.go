package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesByKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Conflict("process", "run already active"))

	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestStageFailure_Timeout(t *testing.T) {
	err := StageFailure("ocr", "call failed", context.DeadlineExceeded)

	assert.True(t, errors.Is(err, ErrStageFailure))
	assert.True(t, errors.Is(err, &Error{Kind: KindStageFailure, Stage: "ocr"}))
	assert.False(t, errors.Is(err, &Error{Kind: KindStageFailure, Stage: "extract"}))
	assert.True(t, IsTimeout(err))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatus(err))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NotFound("report", "abc"), http.StatusNotFound},
		{Validation("edit", "text required"), http.StatusBadRequest},
		{InvalidTransition("verify", "report is processing"), http.StatusConflict},
		{Conflict("process", "busy"), http.StatusConflict},
		{StageFailure("extract", "no findings", nil), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err.Error())
	}
}

func TestHTTPError_HidesInternalDetail(t *testing.T) {
	he := HTTPError(errors.New("pq: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, he.Code)
	assert.Equal(t, "internal server error", he.Message)

	he = HTTPError(NotFound("report", "r1"))
	assert.Equal(t, "report r1 not found", he.Message)
}

func TestError_Message(t *testing.T) {
	err := StageFailure("retrieve", "timeout", errors.New("deadline"))
	assert.Equal(t, "stage retrieve: timeout: deadline", err.Error())
}
