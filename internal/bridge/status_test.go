package bridge

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hostStatus builds a ~HS reply with the given flags set.
func hostStatus(paperOut, paused, bufferFull, headOpen, ribbonOut bool) []byte {
	b := func(v bool) int {
		if v {
			return 1
		}
		return 0
	}
	first := fmt.Sprintf("030,%d,%d,1245,000,%d,0,0,000,0,0,0", b(paperOut), b(paused), b(bufferFull))
	second := fmt.Sprintf("001,0,%d,%d,1,2,6,0,00000000,1,000", b(headOpen), b(ribbonOut))
	third := "1234,0"
	return []byte("\x02" + first + "\x03\r\n\x02" + second + "\x03\r\n\x02" + third + "\x03\r\n")
}

func TestParseHostStatus_Ready(t *testing.T) {
	s, err := ParseHostStatus(hostStatus(false, false, false, false, false))
	require.NoError(t, err)

	assert.True(t, s.Online)
	assert.True(t, s.CanPrint())
	assert.Equal(t, "online", s.State())
	assert.NoError(t, s.Err())
}

func TestParseHostStatus_Flags(t *testing.T) {
	tests := []struct {
		name  string
		raw   []byte
		want  error
		state string
	}{
		{"paper out", hostStatus(true, false, false, false, false), ErrOutOfMedia, "error"},
		{"ribbon out", hostStatus(false, false, false, false, true), ErrOutOfMedia, "error"},
		{"head open", hostStatus(true, false, false, true, false), ErrHeadOpen, "error"},
		{"paused", hostStatus(false, true, false, false, false), ErrPrinterPaused, "paused"},
		{"buffer full", hostStatus(false, false, true, false, false), ErrPrinterBusy, "busy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseHostStatus(tt.raw)
			require.NoError(t, err)
			assert.ErrorIs(t, s.Err(), tt.want)
			assert.False(t, s.CanPrint())
			assert.Equal(t, tt.state, s.State())
		})
	}
}

func TestParseHostStatus_Invalid(t *testing.T) {
	for _, raw := range [][]byte{
		nil,
		[]byte("garbage"),
		[]byte("\x02030,0,0\x03"),
		[]byte("\x02030,0,0,1245,000,0,0,0,000,0,0,0\x03"),
	} {
		_, err := ParseHostStatus(raw)
		assert.ErrorIs(t, err, ErrInvalidStatus, "%q", raw)
	}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(ErrPrinterNotFound))
	assert.False(t, IsTransient(fmt.Errorf("send: %w", ErrPrinterNotFound)))
	assert.False(t, IsTransient(context.Canceled))

	for _, err := range []error{
		ErrNotConnected, ErrConnectionFailed, ErrPrinterBusy,
		ErrPrinterPaused, ErrOutOfMedia, ErrHeadOpen,
		context.DeadlineExceeded, errors.New("boom"),
	} {
		assert.True(t, IsTransient(err), "%v", err)
	}
}

func TestPreflight(t *testing.T) {
	assert.NoError(t, preflight(nil, ErrInvalidStatus))
	assert.ErrorIs(t, preflight(nil, ErrConnectionFailed), ErrConnectionFailed)
	assert.ErrorIs(t, preflight(&PrinterStatus{Online: true, Paused: true}, nil), ErrPrinterPaused)
	assert.NoError(t, preflight(&PrinterStatus{Online: true}, nil))
}
