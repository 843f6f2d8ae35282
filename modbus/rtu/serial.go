package rtu

import (
	"fmt"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// SerialPort go.bug.st/serial 序列埠，提供 Configure 給 StreamLine 使用
type SerialPort struct {
	serial.Port
}

// Configure 設定鮑率與同位檢查並清除輸入緩衝 (8 資料位元、1 停止位元)
func (p *SerialPort) Configure(cfg SerialConfig) error {
	if err := p.SetMode(serialMode(cfg)); err != nil {
		return fmt.Errorf("設定序列埠失敗: %w", err)
	}
	return p.ResetInputBuffer()
}

func serialMode(cfg SerialConfig) *serial.Mode {
	mode := &serial.Mode{
		BaudRate: cfg.Baudrate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if mode.BaudRate <= 0 {
		mode.BaudRate = DefaultBaudrate
	}
	switch cfg.Parity {
	case ParityOdd:
		mode.Parity = serial.OddParity
	case ParityEven:
		mode.Parity = serial.EvenParity
	}
	return mode
}

// OpenSerial 開啟序列埠並包裝為 Line
func OpenSerial(device string, cfg SerialConfig, logger *zap.Logger) (*StreamLine, *SerialPort, error) {
	port, err := serial.Open(device, serialMode(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("開啟序列埠 %s 失敗: %w", device, err)
	}

	sp := &SerialPort{Port: port}
	return NewStreamLine(sp, logger), sp, nil
}

// RTSControl 以 RTS 控制 RS-485 收發器的傳送致能
func RTSControl(port serial.Port, logger *zap.Logger) func(on bool) {
	return func(on bool) {
		if err := port.SetRTS(on); err != nil && logger != nil {
			logger.Warn("設定 RTS 失敗", zap.Bool("on", on), zap.Error(err))
		}
	}
}
