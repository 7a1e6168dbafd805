package canbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLessOrdersByArbitrationID(t *testing.T) {
	brake := NewFrame(IDBrakePressure, []byte{0xFF})
	engine := NewFrame(IDEngineRPM, []byte{0x00})

	assert.True(t, Less(brake, engine))
	assert.False(t, Less(engine, brake))
}

func TestLessBreaksTiesByPayload(t *testing.T) {
	a := NewFrame(IDEngineRPM, []byte{0x01, 0x00})
	b := NewFrame(IDEngineRPM, []byte{0x01, 0x01})
	short := NewFrame(IDEngineRPM, []byte{0x01})

	assert.True(t, Less(a, b))
	assert.False(t, Less(b, a))
	assert.True(t, Less(short, a))
	assert.False(t, Less(a, a))
}

func TestParseMeasure(t *testing.T) {
	for _, m := range Measures {
		got, err := ParseMeasure(string(m))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	_, err := ParseMeasure("firewall")
	assert.ErrorIs(t, err, ErrUnknownMeasure)
}

func TestSystemName(t *testing.T) {
	assert.Equal(t, "Brake Pressure (CRITICAL)", SystemName(IDBrakePressure))
	assert.Equal(t, "Unknown ID (0x123)", SystemName(0x123))
}
