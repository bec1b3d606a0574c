package passenc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeIsStable(t *testing.T) {
	got := Encode([4]byte{'1', '2', '3', '4'})
	assert.Len(t, got, 8)
	assert.Equal(t, got, Encode([4]byte{'1', '2', '3', '4'}))
	for _, c := range got {
		assert.True(t, (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F'))
	}
}

func TestEncodeStringRejectsWrongLength(t *testing.T) {
	_, err := EncodeString("abc")
	assert.ErrorIs(t, err, ErrInvalidLength)

	got, err := EncodeString("1234")
	assert.NoError(t, err)
	assert.Equal(t, Encode([4]byte{'1', '2', '3', '4'}), got)
}

func TestEncodeDiffersPerInput(t *testing.T) {
	a := Encode([4]byte{'1', '2', '3', '4'})
	b := Encode([4]byte{'4', '3', '2', '1'})
	assert.NotEqual(t, a, b)
}
