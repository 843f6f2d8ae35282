package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name string
		pdu  []byte
		want Request
	}{
		{
			name: "read holding registers",
			pdu:  []byte{0x03, 0x00, 0x6B, 0x00, 0x03},
			want: ReadRequest{Func: FuncReadHoldingRegisters, Address: 0x6B, Quantity: 3},
		},
		{
			name: "write single coil",
			pdu:  []byte{0x05, 0x00, 0xAC, 0xFF, 0x00},
			want: WriteSingle{Func: FuncWriteSingleCoil, Address: 0xAC, Value: CoilOn},
		},
		{
			name: "write multiple registers",
			pdu:  []byte{0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02},
			want: WriteMultipleRequest{
				Func: FuncWriteMultipleRegisters, Address: 1, Quantity: 2, Count: 4,
				Data: []byte{0x00, 0x0A, 0x01, 0x02},
			},
		},
		{
			name: "read write multiple registers",
			pdu:  []byte{0x17, 0x00, 0x01, 0x00, 0x02, 0x00, 0x01, 0x00, 0x01, 0x02, 0x11, 0x22},
			want: ReadWriteRequest{
				ReadAddress: 1, ReadQuantity: 2, WriteAddress: 1, WriteQuantity: 1, Count: 2,
				Data: []byte{0x11, 0x22},
			},
		},
		{
			name: "diagnostics loopback",
			pdu:  []byte{0x08, 0x00, 0x00, 0xA5, 0x37},
			want: Diagnostic{SubFunction: DiagLoopback, Data: []byte{0xA5, 0x37}},
		},
		{
			name: "vendor",
			pdu:  []byte{0x65, 0x01},
			want: VendorRequest{Func: 0x65, Data: []byte{0x01}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRequest(tt.pdu)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, FunctionCode(tt.pdu[0]), got.Function())
		})
	}
}

func TestDecodeRequest_ShortHeader(t *testing.T) {
	short := [][]byte{
		{},
		{0x03, 0x00, 0x00},
		{0x06, 0x00, 0x00, 0x00},
		{0x10, 0x00, 0x00, 0x00, 0x01},
		{0x17, 0x00, 0x00, 0x00, 0x01, 0x00},
		{0x08, 0x00},
	}

	for _, pdu := range short {
		_, err := DecodeRequest(pdu)
		assert.Equal(t, ExceptionIllegalDataValue, err, "PDU % X", pdu)
	}
}

func TestEncode(t *testing.T) {
	b := make([]byte, MaxPDUSize)

	n := ReadRequest{Func: FuncReadCoils, Address: 0x13, Quantity: 0x25}.Encode(b)
	assert.Equal(t, []byte{0x01, 0x00, 0x13, 0x00, 0x25}, b[:n])

	n = WriteMultipleRequest{Func: FuncWriteMultipleCoils, Address: 0x13, Quantity: 10, Data: []byte{0xCD, 0x01}}.Encode(b)
	assert.Equal(t, []byte{0x0F, 0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01}, b[:n])

	n = Diagnostic{SubFunction: DiagLoopback, Data: []byte{1, 2, 3}}.Encode(b)
	assert.Equal(t, []byte{0x08, 0x00, 0x00, 1, 2, 3}, b[:n])

	n = EncodeException(b, FuncReadCoils, ExceptionIllegalDataAddress)
	assert.Equal(t, []byte{0x81, 0x02}, b[:n])
}

func TestExceptionFromCode(t *testing.T) {
	assert.Equal(t, ExceptionIllegalFunction, ExceptionFromCode(1))
	assert.Equal(t, ExceptionIllegalDataAddress, ExceptionFromCode(2))
	assert.Equal(t, ExceptionIllegalDataValue, ExceptionFromCode(3))
	assert.Equal(t, ExceptionSlaveDeviceFailure, ExceptionFromCode(4))
	assert.ErrorIs(t, ExceptionFromCode(5), ErrUnknownException)
	assert.ErrorIs(t, ExceptionFromCode(0), ErrUnknownException)
}

func TestBits(t *testing.T) {
	data := PackBits([]bool{true, false, true, true, false, false, true, true, true})
	assert.Equal(t, []byte{0xCD, 0x01}, data)
	assert.Equal(t, []bool{true, false, true, true}, UnpackBits(data, 4))

	BitSet(data, 0, false)
	assert.False(t, BitGet(data, 0))
	assert.Equal(t, 2, BitCount(9))
	assert.Equal(t, 250, BitCount(MaxReadBits))
}

func TestRegisters(t *testing.T) {
	values := []uint16{0x1234, 0xABCD}
	data := RegistersToBytes(values)
	assert.Equal(t, []byte{0x12, 0x34, 0xAB, 0xCD}, data)
	assert.Equal(t, values, BytesToRegisters(data))
}
