package snmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatchStringsSplitsAtLimit(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e", "f", "g"}
	batches := batchStrings(items, maxBatch)
	assert.Equal(t, [][]string{{"a", "b", "c", "d"}, {"e", "f", "g"}}, batches)
}

func TestBatchStringsExactMultiple(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	batches := batchStrings(items, maxBatch)
	assert.Equal(t, [][]string{{"a", "b", "c", "d"}}, batches)
}

func TestBatchStringsEmpty(t *testing.T) {
	assert.Nil(t, batchStrings(nil, maxBatch))
}

func TestNewClientDefaultsToStandardPort(t *testing.T) {
	c := NewClient()
	assert.EqualValues(t, 161, c.port)
}
