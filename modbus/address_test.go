package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddress_Wire(t *testing.T) {
	a := MakeAddress(TableHoldingRegisters, 0x2711)
	assert.Equal(t, TableHoldingRegisters, a.Table())
	assert.Equal(t, uint16(0x2710), a.Wire())

	assert.Equal(t, uint16(0), MakeAddress(TableCoils, 1).Wire())
	assert.Equal(t, uint16(0xFFFE), MakeAddress(TableInputRegisters, 0xFFFF).Wire())
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{in: "40001", want: MakeAddress(TableHoldingRegisters, 1)},
		{in: "30010", want: MakeAddress(TableInputRegisters, 10)},
		{in: "10001", want: MakeAddress(TableDiscreteInputs, 1)},
		{in: "17", want: MakeAddress(TableCoils, 17)},
		{in: "4:10001", want: MakeAddress(TableHoldingRegisters, 10001)},
		{in: "0:1", want: MakeAddress(TableCoils, 1)},
		{in: "2:1", wantErr: true},
		{in: "40000", wantErr: true},
		{in: "60001", wantErr: true},
		{in: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
