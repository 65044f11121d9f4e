package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/mxi-app/mxi-core/internal/apperrors"
)

func TestMapSQLError(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		wantKind apperrors.Kind
	}{
		{
			name:     "raised business error",
			err:      &pq.Error{Code: "P0001", Message: "insufficient balance"},
			wantKind: apperrors.KindValidation,
		},
		{
			name:     "invalid authorization",
			err:      &pq.Error{Code: "28000", Message: "invalid authorization specification"},
			wantKind: apperrors.KindAuth,
		},
		{
			name:     "bad password",
			err:      &pq.Error{Code: "28P01", Message: "password authentication failed"},
			wantKind: apperrors.KindAuth,
		},
		{
			name:     "connection exception",
			err:      &pq.Error{Code: "08006", Message: "connection failure"},
			wantKind: apperrors.KindNetwork,
		},
		{
			name:     "other server error",
			err:      &pq.Error{Code: "42883", Message: "function does not exist"},
			wantKind: apperrors.KindServer,
		},
		{
			name:     "deadline exceeded",
			err:      context.DeadlineExceeded,
			wantKind: apperrors.KindNetwork,
		},
		{
			name:     "plain transport error",
			err:      errors.New("broken pipe"),
			wantKind: apperrors.KindNetwork,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mapped := mapSQLError(tc.err)
			assert.Equal(t, tc.wantKind, apperrors.KindOf(mapped))
		})
	}
}

func TestMapSQLError_RaisedMessageSurvivesVerbatim(t *testing.T) {
	mapped := mapSQLError(&pq.Error{Code: "P0001", Message: "insufficient balance"})
	assert.Equal(t, "insufficient balance", mapped.Error())
}

func TestResult_Success(t *testing.T) {
	assert.True(t, Result{"success": true, "withdrawal_id": "w-1"}.Success())
	assert.False(t, Result{"success": false, "error": "limit reached"}.Success())
	assert.False(t, Result(nil).Success())

	// Query-style procedures return plain data without a flag.
	assert.True(t, Result{"phase": 3.0, "price": 0.25}.Success())
}

func TestDecodeResult_VoidResponseIsSuccess(t *testing.T) {
	// Void procedures come back as SQL NULL: no bytes at all or a JSON null.
	for _, raw := range [][]byte{nil, {}, []byte("null")} {
		result, err := decodeResult(raw)
		assert.NoError(t, err)
		assert.NotNil(t, result)
		assert.True(t, result.Success())
	}
}

func TestDecodeResult_PayloadAndGarbage(t *testing.T) {
	result, err := decodeResult([]byte(`{"success":false,"error":"limit reached"}`))
	assert.NoError(t, err)
	assert.False(t, result.Success())
	assert.Equal(t, "limit reached", result.ErrorMessage())

	_, err = decodeResult([]byte("{not json"))
	assert.Error(t, err)
}

func TestResult_ErrorMessage(t *testing.T) {
	assert.Equal(t, "limit reached", Result{"error": "limit reached"}.ErrorMessage())
	assert.Empty(t, Result{"success": true}.ErrorMessage())
	assert.Empty(t, Result(nil).ErrorMessage())
}
