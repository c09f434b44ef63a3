package payment

import (
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature_Valid(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := SignPayload(payload, "secret", time.Now())

	err := VerifySignature(payload, header, "secret", DefaultTolerance)

	assert.NoError(t, err)
}

func TestVerifySignature_TamperedPayload(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := SignPayload(payload, "secret", time.Now())

	err := VerifySignature([]byte(`{"id":"evt_2"}`), header, "secret", DefaultTolerance)

	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := SignPayload(payload, "secret", time.Now())

	err := VerifySignature(payload, header, "other-secret", DefaultTolerance)

	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifySignature_StaleTimestamp(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := SignPayload(payload, "secret", time.Now().Add(-10*time.Minute))

	err := VerifySignature(payload, header, "secret", DefaultTolerance)

	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifySignature_FutureTimestamp(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := SignPayload(payload, "secret", time.Now().Add(10*time.Minute))

	err := VerifySignature(payload, header, "secret", DefaultTolerance)

	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifySignature_ZeroToleranceSkipsAgeCheck(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := SignPayload(payload, "secret", time.Now().Add(-24*time.Hour))

	err := VerifySignature(payload, header, "secret", 0)

	assert.NoError(t, err)
}

func TestVerifySignature_MalformedHeaders(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"no signature", "t=" + ts},
		{"no timestamp", "v1=deadbeef"},
		{"bad timestamp", "t=soon,v1=deadbeef"},
		{"garbage", "::::"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(payload, tt.header, "secret", DefaultTolerance)
			assert.ErrorIs(t, err, ErrInvalidSignature)
		})
	}
}

func TestVerifySignature_NonHexSignatureIgnored(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	header := fmt.Sprintf("t=%s,v1=not-hex", ts)

	err := VerifySignature(payload, header, "secret", DefaultTolerance)

	assert.ErrorIs(t, err, ErrInvalidSignature)
}

// Providers roll secrets by sending multiple v1 entries; one valid entry
// is enough.
func TestVerifySignature_MultipleSignatures(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	valid := SignPayload(payload, "secret", time.Now())
	header := valid + ",v1=" + "00ff00ff"

	err := VerifySignature(payload, header, "secret", DefaultTolerance)

	require.NoError(t, err)
}
