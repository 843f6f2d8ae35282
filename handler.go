package main

import (
	"fmt"

	"go.uber.org/zap"

	"modbus-engine/modbus"
	"modbus-engine/modbus/master"
	"modbus-engine/modbus/slave"
)

// PingFunction 範例自訂功能碼，回應 PingReply
const PingFunction = 101

// PingReply ping 的回應內容
const PingReply = "Hello World"

// pingHandler 回應 功能碼 + "Hello World"，忽略請求內容
func pingHandler(logger *zap.Logger) slave.VendorHandler {
	return slave.VendorHandlerFunc(func(pdu []byte, size int) (int, error) {
		logger.Debug("收到 ping", zap.Int("size", size))
		n := copy(pdu[1:], PingReply)
		return 1 + n, nil
	})
}

// vendorFuncs slave 支援的自訂功能碼
func vendorFuncs(logger *zap.Logger) []slave.VendorFunc {
	return []slave.VendorFunc{
		{Function: PingFunction, Handler: pingHandler(logger)},
	}
}

// Ping 以自訂功能碼 101 詢問 slave，回傳回應內容
func Ping(bus *master.Bus, slaveID uint8) (string, error) {
	if err := bus.SendRaw(slaveID, []byte{PingFunction}); err != nil {
		return "", err
	}
	if slaveID == 0 {
		return "", nil
	}

	buf := make([]byte, modbus.MaxPDUSize)
	n, err := bus.RecvRaw(slaveID, buf)
	if err != nil {
		return "", err
	}
	if n < 1 {
		return "", modbus.ErrFrame
	}
	if buf[0] == PingFunction|modbus.ExceptionFlag && n >= 2 {
		return "", modbus.ExceptionFromCode(buf[1])
	}
	if buf[0] != PingFunction {
		return "", fmt.Errorf("%w: 功能碼 %d", modbus.ErrFrame, buf[0])
	}
	return string(buf[1:n]), nil
}
