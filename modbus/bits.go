package modbus

import "encoding/binary"

// Uint16 讀取大端序 16 位元值
func Uint16(b []byte) uint16 {
	return binary.BigEndian.Uint16(b)
}

// PutUint16 寫入大端序 16 位元值
func PutUint16(b []byte, v uint16) {
	binary.BigEndian.PutUint16(b, v)
}

// BitCount 傳回 quantity 個位元所需的位元組數
func BitCount(quantity int) int {
	return (quantity + 7) / 8
}

// BitGet 讀取打包位元組中的第 i 個位元 (LSB 優先)
func BitGet(data []byte, i int) bool {
	return data[i/8]&(1<<(i%8)) != 0
}

// BitSet 設定打包位元組中的第 i 個位元
func BitSet(data []byte, i int, v bool) {
	if v {
		data[i/8] |= 1 << (i % 8)
	} else {
		data[i/8] &^= 1 << (i % 8)
	}
}

// RegGet 讀取第 i 個大端序暫存器
func RegGet(data []byte, i int) uint16 {
	return binary.BigEndian.Uint16(data[i*2:])
}

// RegSet 寫入第 i 個大端序暫存器
func RegSet(data []byte, i int, v uint16) {
	binary.BigEndian.PutUint16(data[i*2:], v)
}

// RegistersToBytes 將暫存器值轉換為位元組陣列 (Big Endian)
func RegistersToBytes(registers []uint16) []byte {
	bytes := make([]byte, len(registers)*2)
	for i, reg := range registers {
		RegSet(bytes, i, reg)
	}
	return bytes
}

// BytesToRegisters 將位元組陣列轉換為暫存器值 (Big Endian)
func BytesToRegisters(data []byte) []uint16 {
	registers := make([]uint16, len(data)/2)
	for i := range registers {
		registers[i] = RegGet(data, i)
	}
	return registers
}

// PackBits 將布林值打包為位元組
func PackBits(bits []bool) []byte {
	bytes := make([]byte, BitCount(len(bits)))
	for i, bit := range bits {
		BitSet(bytes, i, bit)
	}
	return bytes
}

// UnpackBits 將打包位元組展開為 count 個布林值
func UnpackBits(data []byte, count int) []bool {
	bits := make([]bool, count)
	for i := range bits {
		bits[i] = BitGet(data, i)
	}
	return bits
}
