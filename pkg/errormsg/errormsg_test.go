package errormsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPowerUpMessage(t *testing.T) {
	s := NewStatus()
	assert.Equal(t, "73,SD2IEC DOS V1.0,00,00\r", string(s.Message()))
}

func TestSingleShot(t *testing.T) {
	s := NewStatus()
	s.Set(ErrorFileNotFound)
	assert.Equal(t, "62,FILE NOT FOUND,00,00\r", string(s.Message()))
	// Reading consumed the message and re-armed OK.
	assert.Equal(t, "00, OK,00,00\r", string(s.Message()))
}

func TestTrackSectorFields(t *testing.T) {
	s := NewStatus()
	s.SetTS(ErrorScratched, 3, 0)
	assert.Equal(t, "01,FILES SCRATCHED,03,00\r", string(s.Message()))
}

func TestPayloadPrecedence(t *testing.T) {
	s := NewStatus()
	s.Set(ErrorOK)
	s.SetPayload([]byte{0xDE, 0xAD})
	assert.Equal(t, []byte{0xDE, 0xAD}, s.Message())
	assert.Equal(t, "00, OK,00,00\r", string(s.Message()))
}
