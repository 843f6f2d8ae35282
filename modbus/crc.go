package modbus

import (
	"math/bits"

	"github.com/sigurn/crc16"
)

// CRCPreload CRC-16 初始值
const CRCPreload uint16 = 0xFFFF

// modbusTable CRC-16/MODBUS (反射多項式 0xA001) 查表
var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// CRC 計算 Modbus RTU CRC-16，可從上一段的結果接續計算
//
// 對已附加 CRC (低位元組在前) 的訊框計算結果為 0。
func CRC(b []byte, preload uint16) uint16 {
	// crc16 內部狀態為未反射的暫存器值
	return crc16.Complete(crc16.Update(bits.Reverse16(preload), b, modbusTable), modbusTable)
}
