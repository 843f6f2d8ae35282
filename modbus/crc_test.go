package modbus

import (
	"testing"

	"github.com/sigurn/crc16"
	"github.com/stretchr/testify/assert"
)

func TestCRC_KnownFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  uint16
	}{
		{"read holding registers", []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}, 0xCDC5},
		{"check string", []byte("123456789"), 0x4B37},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CRC(tt.frame, CRCPreload))
			assert.Equal(t, crc16.Checksum(tt.frame, modbusTable), CRC(tt.frame, CRCPreload))
		})
	}
}

func TestCRC_Composable(t *testing.T) {
	frame := []byte{0x11, 0x0F, 0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01}

	whole := CRC(frame, CRCPreload)
	split := CRC(frame[1:], CRC(frame[:1], CRCPreload))
	assert.Equal(t, whole, split)

	for i := range frame {
		assert.Equal(t, whole, CRC(frame[i:], CRC(frame[:i], CRCPreload)), "split at %d", i)
	}
}

func TestCRC_EmptyKeepsPreload(t *testing.T) {
	assert.Equal(t, CRCPreload, CRC(nil, CRCPreload))
	assert.Equal(t, uint16(0x1234), CRC(nil, 0x1234))
}

func TestCRC_ResidualZero(t *testing.T) {
	frames := [][]byte{
		{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A},
		{0x11, 0x05, 0x00, 0xAC, 0xFF, 0x00},
		{0xF7, 0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02},
	}

	for _, f := range frames {
		crc := CRC(f, CRCPreload)
		adu := append(append([]byte{}, f...), byte(crc), byte(crc>>8))
		assert.Zero(t, CRC(adu, CRCPreload), "附加 CRC 後餘數應為 0: % X", adu)
	}
}
