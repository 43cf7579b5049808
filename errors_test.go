package boreal

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryableNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"Plain network failure", fmt.Errorf("connection refused"), true},
		{"Wrapped network failure", &NetworkError{Cause: fmt.Errorf("reset by peer")}, true},
		{"Context canceled", context.Canceled, false},
		{"Deadline exceeded", context.DeadlineExceeded, false},
		{"OCSP revocation", &NetworkError{Cause: ErrOCSPRevoked}, false},
		{"Unknown authority", &NetworkError{Cause: x509.UnknownAuthorityError{}}, false},
		{"Invalid certificate", &NetworkError{Cause: x509.CertificateInvalidError{}}, false},
		{"Hostname mismatch", &NetworkError{Cause: x509.HostnameError{Host: "evil"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableNetworkError(tt.err))
		})
	}
}

func TestOperationFailedError_InFlightContext(t *testing.T) {
	t.Run("Extracts the continuation token", func(t *testing.T) {
		oe := &OperationFailedError{Data: json.RawMessage(`{"inFlightCtx":{"step":2}}`)}
		assert.JSONEq(t, `{"step":2}`, string(oe.InFlightContext()))
	})

	t.Run("No data means no token", func(t *testing.T) {
		assert.Nil(t, (&OperationFailedError{}).InFlightContext())
	})

	t.Run("Malformed data means no token", func(t *testing.T) {
		oe := &OperationFailedError{Data: json.RawMessage(`"not an object"`)}
		assert.Nil(t, oe.InFlightContext())
	})
}

func TestOperationErrorCode(t *testing.T) {
	assert.Equal(t, "390112", operationErrorCode(&OperationFailedError{Code: "390112"}))
	assert.Empty(t, operationErrorCode(fmt.Errorf("plain")))
	assert.Empty(t, operationErrorCode(nil))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "busy (code: 405501)",
		clientError(ErrCodeConnectWhileConnecting, "busy").Error())
	assert.Contains(t, (&RequestFailedError{StatusCode: 503}).Error(), "503")
	assert.Contains(t,
		(&OperationFailedError{Code: "390112", Message: "expired", SQLState: "08003"}).Error(),
		"sqlState: 08003")
	assert.Contains(t, (&NetworkError{Cause: fmt.Errorf("boom")}).Error(), "boom")
}
