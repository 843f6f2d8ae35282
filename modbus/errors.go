package modbus

import (
	"errors"
	"fmt"
)

// Exception Modbus 異常碼 (由 slave 在回應中回報)
type Exception uint8

const (
	ExceptionIllegalFunction    Exception = 0x01
	ExceptionIllegalDataAddress Exception = 0x02
	ExceptionIllegalDataValue   Exception = 0x03
	ExceptionSlaveDeviceFailure Exception = 0x04
)

func (e Exception) Error() string {
	switch e {
	case ExceptionIllegalFunction:
		return "modbus: 非法功能碼"
	case ExceptionIllegalDataAddress:
		return "modbus: 非法資料位址"
	case ExceptionIllegalDataValue:
		return "modbus: 非法資料值"
	case ExceptionSlaveDeviceFailure:
		return "modbus: slave 設備故障"
	default:
		return fmt.Sprintf("modbus: 異常碼 %d", uint8(e))
	}
}

// 通訊錯誤
var (
	ErrCRC              = errors.New("modbus: CRC 校驗失敗")
	ErrFrame            = errors.New("modbus: 訊框格式錯誤")
	ErrSlaveID          = errors.New("modbus: slave ID 不符")
	ErrTimeout          = errors.New("modbus: 等待回應逾時")
	ErrUnknownException = errors.New("modbus: 未知的異常碼")
)

// ErrInvalidRequest 本地參數驗證失敗，請求不會送出
var ErrInvalidRequest = errors.New("modbus: 無效的請求參數")

// ExceptionFromCode 將回應中的異常碼轉換為錯誤
func ExceptionFromCode(code uint8) error {
	switch e := Exception(code); e {
	case ExceptionIllegalFunction, ExceptionIllegalDataAddress,
		ExceptionIllegalDataValue, ExceptionSlaveDeviceFailure:
		return e
	default:
		return ErrUnknownException
	}
}

// AsException 取出錯誤中的異常碼
func AsException(err error) (Exception, bool) {
	var e Exception
	if errors.As(err, &e) {
		return e, true
	}
	return 0, false
}
