package modbus

import "fmt"

// FunctionCode Modbus 功能碼
type FunctionCode uint8

const (
	FuncReadCoils                  FunctionCode = 0x01
	FuncReadDiscreteInputs         FunctionCode = 0x02
	FuncReadHoldingRegisters       FunctionCode = 0x03
	FuncReadInputRegisters         FunctionCode = 0x04
	FuncWriteSingleCoil            FunctionCode = 0x05
	FuncWriteSingleRegister        FunctionCode = 0x06
	FuncDiagnostics                FunctionCode = 0x08
	FuncWriteMultipleCoils         FunctionCode = 0x0F
	FuncWriteMultipleRegisters     FunctionCode = 0x10
	FuncReadWriteMultipleRegisters FunctionCode = 0x17
)

// ExceptionFlag 異常回應時功能碼的最高位元
const ExceptionFlag = 0x80

// 協議限制
const (
	MaxPDUSize = 253

	MaxReadBits          = 0x7D0 // 2000
	MaxReadRegisters     = 0x7D  // 125
	MaxWriteBits         = 0x7B0 // 1968
	MaxWriteRegisters    = 0x7B  // 123
	MaxReadWriteWrite    = 0x79  // 121
	MaxLoopbackData      = MaxPDUSize - 3
	CoilOn        uint16 = 0xFF00
	CoilOff       uint16 = 0x0000
)

// DiagLoopback 診斷子功能: 回送查詢資料
const DiagLoopback uint16 = 0x0000

func (f FunctionCode) String() string {
	switch f {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncDiagnostics:
		return "Diagnostics"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	case FuncReadWriteMultipleRegisters:
		return "ReadWriteMultipleRegisters"
	default:
		return fmt.Sprintf("Function(0x%02X)", uint8(f))
	}
}

// IsRead 是否為讀取類功能碼 (廣播時不處理)
func (f FunctionCode) IsRead() bool {
	switch f {
	case FuncReadCoils, FuncReadDiscreteInputs,
		FuncReadHoldingRegisters, FuncReadInputRegisters:
		return true
	}
	return false
}

// Request 已解碼的請求 PDU
type Request interface {
	Function() FunctionCode
}

// ReadRequest 讀取請求 (FC 01-04)
type ReadRequest struct {
	Func     FunctionCode
	Address  uint16
	Quantity uint16
}

// WriteSingle 寫入單一線圈/暫存器 (FC 05/06)，請求與回應格式相同
type WriteSingle struct {
	Func    FunctionCode
	Address uint16
	Value   uint16
}

// WriteMultipleRequest 寫入多個線圈/暫存器 (FC 15/16)
type WriteMultipleRequest struct {
	Func     FunctionCode
	Address  uint16
	Quantity uint16
	Count    uint8
	// Data 為接收到的實際資料，長度可能與 Count 不符
	Data []byte
}

// ReadWriteRequest 讀寫多個暫存器 (FC 23)
type ReadWriteRequest struct {
	ReadAddress   uint16
	ReadQuantity  uint16
	WriteAddress  uint16
	WriteQuantity uint16
	Count         uint8
	Data          []byte
}

// Diagnostic 診斷請求 (FC 08)
type Diagnostic struct {
	SubFunction uint16
	Data        []byte
}

// VendorRequest 非標準功能碼
type VendorRequest struct {
	Func FunctionCode
	Data []byte
}

func (r ReadRequest) Function() FunctionCode          { return r.Func }
func (r WriteSingle) Function() FunctionCode          { return r.Func }
func (r WriteMultipleRequest) Function() FunctionCode { return r.Func }
func (ReadWriteRequest) Function() FunctionCode       { return FuncReadWriteMultipleRegisters }
func (Diagnostic) Function() FunctionCode             { return FuncDiagnostics }
func (r VendorRequest) Function() FunctionCode        { return r.Func }

// DecodeRequest 解碼請求 PDU
//
// 固定欄位長度不足時回傳 ExceptionIllegalDataValue。
// 回傳結構中的資料切片直接指向 b。
func DecodeRequest(b []byte) (Request, error) {
	if len(b) < 1 {
		return nil, ExceptionIllegalDataValue
	}

	fc := FunctionCode(b[0])
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
		if len(b) < 5 {
			return nil, ExceptionIllegalDataValue
		}
		return ReadRequest{Func: fc, Address: Uint16(b[1:]), Quantity: Uint16(b[3:])}, nil

	case FuncWriteSingleCoil, FuncWriteSingleRegister:
		if len(b) < 5 {
			return nil, ExceptionIllegalDataValue
		}
		return WriteSingle{Func: fc, Address: Uint16(b[1:]), Value: Uint16(b[3:])}, nil

	case FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		if len(b) < 6 {
			return nil, ExceptionIllegalDataValue
		}
		return WriteMultipleRequest{
			Func:     fc,
			Address:  Uint16(b[1:]),
			Quantity: Uint16(b[3:]),
			Count:    b[5],
			Data:     b[6:],
		}, nil

	case FuncReadWriteMultipleRegisters:
		if len(b) < 10 {
			return nil, ExceptionIllegalDataValue
		}
		return ReadWriteRequest{
			ReadAddress:   Uint16(b[1:]),
			ReadQuantity:  Uint16(b[3:]),
			WriteAddress:  Uint16(b[5:]),
			WriteQuantity: Uint16(b[7:]),
			Count:         b[9],
			Data:          b[10:],
		}, nil

	case FuncDiagnostics:
		if len(b) < 3 {
			return nil, ExceptionIllegalDataValue
		}
		return Diagnostic{SubFunction: Uint16(b[1:]), Data: b[3:]}, nil

	default:
		return VendorRequest{Func: fc, Data: b[1:]}, nil
	}
}

// Encode 編碼讀取請求
func (r ReadRequest) Encode(b []byte) int {
	b[0] = byte(r.Func)
	PutUint16(b[1:], r.Address)
	PutUint16(b[3:], r.Quantity)
	return 5
}

// Encode 編碼單一寫入請求
func (r WriteSingle) Encode(b []byte) int {
	b[0] = byte(r.Func)
	PutUint16(b[1:], r.Address)
	PutUint16(b[3:], r.Value)
	return 5
}

// Encode 編碼多重寫入請求，Count 取自 Data 長度
func (r WriteMultipleRequest) Encode(b []byte) int {
	b[0] = byte(r.Func)
	PutUint16(b[1:], r.Address)
	PutUint16(b[3:], r.Quantity)
	b[5] = byte(len(r.Data))
	return 6 + copy(b[6:], r.Data)
}

// Encode 編碼讀寫請求
func (r ReadWriteRequest) Encode(b []byte) int {
	b[0] = byte(FuncReadWriteMultipleRegisters)
	PutUint16(b[1:], r.ReadAddress)
	PutUint16(b[3:], r.ReadQuantity)
	PutUint16(b[5:], r.WriteAddress)
	PutUint16(b[7:], r.WriteQuantity)
	b[9] = byte(len(r.Data))
	return 10 + copy(b[10:], r.Data)
}

// Encode 編碼診斷請求
func (r Diagnostic) Encode(b []byte) int {
	b[0] = byte(FuncDiagnostics)
	PutUint16(b[1:], r.SubFunction)
	return 3 + copy(b[3:], r.Data)
}

// EncodeException 編碼異常回應
func EncodeException(b []byte, fc FunctionCode, e Exception) int {
	b[0] = byte(fc) | ExceptionFlag
	b[1] = byte(e)
	return 2
}
