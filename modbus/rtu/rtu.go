// Package rtu 實作 Modbus RTU 訊框層 (以字元間隔界定訊框)
package rtu

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"modbus-engine/modbus"
)

// MaxSlaveID RTU slave ID 上限
const MaxSlaveID = 247

// Config RTU 配置
type Config struct {
	Line   Line
	Timers Timers
	// TxEnable RS-485 收發器傳送致能，可為 nil
	TxEnable func(on bool)
	Serial   SerialConfig
	// WaitTxEmpty 傳送後等待線路回報傳送完畢 (tx 回呼)
	WaitTxEmpty bool
	Logger      *zap.Logger
}

// RTU Modbus RTU 傳輸層
type RTU struct {
	modbus.Role

	line        Line
	timers      Timers
	txEnable    func(on bool)
	waitTxEmpty bool
	events      *events

	broadcast bool
	charTime  time.Duration

	rxBuf   [modbus.MaxPDUSize + 2]byte
	discard [modbus.MaxPDUSize]byte
	txBuf   [1 + modbus.MaxPDUSize + 2]byte

	logger *zap.Logger
}

// New 建立 RTU 傳輸層
func New(cfg Config) (*RTU, error) {
	if cfg.Line == nil {
		panic("rtu: line 不可為 nil")
	}

	r := &RTU{
		line:        cfg.Line,
		timers:      cfg.Timers,
		txEnable:    cfg.TxEnable,
		waitTxEmpty: cfg.WaitTxEmpty,
		events:      newEvents(),
		logger:      cfg.Logger,
	}
	if r.timers == nil {
		r.timers = &SoftTimers{}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}

	r.line.Notify(r.rxHook, r.txHook)
	if err := r.SetSerialConfig(cfg.Serial); err != nil {
		return nil, err
	}
	return r, nil
}

// SetSerialConfig 設定序列埠並重新計算 T1.5/T3.5
func (r *RTU) SetSerialConfig(cfg SerialConfig) error {
	if cfg.Baudrate <= 0 {
		cfg.Baudrate = DefaultBaudrate
	}
	if err := r.line.Configure(cfg); err != nil {
		return err
	}

	r.charTime = CharTime(cfg.Baudrate)
	t1p5, t3p5 := Timeouts(cfg.Baudrate)
	r.timers.Init(t1p5, t3p5)

	r.logger.Debug("序列埠參數",
		zap.Int("baudrate", cfg.Baudrate),
		zap.Stringer("parity", cfg.Parity),
		zap.Duration("t1p5", t1p5),
		zap.Duration("t3p5", t3p5),
	)
	return nil
}

// CharTime 目前鮑率下的字元時間
func (r *RTU) CharTime() time.Duration {
	return r.charTime
}

func (r *RTU) txHook() {
	r.events.set(flagTxEmpty)
}

func (r *RTU) t1p5Expired() {
	r.events.set(flagT1P5)
}

func (r *RTU) t3p5Expired() {
	r.events.set(flagT3P5)
}

// rxHook 每收到資料時由線路呼叫
func (r *RTU) rxHook() {
	r.timers.Start(r.t1p5Expired, r.t3p5Expired)
	r.events.clear(flagT1P5 | flagT3P5)
	r.events.set(flagRxAvail)
}

// Bringup 解析十進位 slave ID，RTU 不需要建立連線
func (r *RTU) Bringup(ctx context.Context, name string) (modbus.Peer, error) {
	id, err := strconv.ParseUint(name, 10, 16)
	if err != nil || id > MaxSlaveID {
		return -1, fmt.Errorf("rtu: 無效的 slave ID %q", name)
	}
	return modbus.Peer(id), nil
}

// Shutdown RTU 無連線可關閉
func (r *RTU) Shutdown(peer modbus.Peer) error {
	return nil
}

// IsDown RTU 線路永遠視為可用
func (r *RTU) IsDown() bool {
	return false
}

// RxIsBroadcast 最後收到的訊框是否為廣播
func (r *RTU) RxIsBroadcast() bool {
	return r.broadcast
}

// RxAvailable 線路上是否有尚未讀取的資料
func (r *RTU) RxAvailable() bool {
	return r.line.Available() > 0
}

// read 讀取至多 len(p) 個位元組，仍有剩餘資料時保留 RX_AVAIL
func (r *RTU) read(p []byte) int {
	r.events.clear(flagRxAvail)
	if r.line.Available() > len(p) {
		r.events.set(flagRxAvail)
	}

	n, err := r.line.Read(p)
	if err != nil {
		r.logger.Error("接收失敗", zap.Error(err))
	}
	return n
}

func (r *RTU) write(p []byte) error {
	for len(p) > 0 {
		n, err := r.line.Write(p)
		if err != nil {
			r.logger.Error("傳送失敗", zap.Error(err))
			return err
		}
		if n <= 0 {
			return fmt.Errorf("rtu: 傳送失敗")
		}
		p = p[n:]
	}
	return nil
}

// Tx 傳送 slave ID、PDU 與 CRC，並保持 T3.5 的訊框間隔
func (r *RTU) Tx(txn *modbus.Transaction, size int) error {
	adu := r.txBuf[:0]
	adu = append(adu, txn.Unit)
	adu = append(adu, txn.Data[:size]...)
	crc := modbus.CRC(adu, modbus.CRCPreload)
	adu = append(adu, byte(crc), byte(crc>>8))

	r.logger.Debug("Tx", zap.Uint8("unit", txn.Unit), zap.Binary("pdu", txn.Data[:size]))

	if r.txEnable != nil {
		r.txEnable(true)
	}

	r.events.clear(flagTxEmpty)
	err := r.write(adu)

	if r.waitTxEmpty && err == nil {
		r.events.wait(flagTxEmpty, 0)
	}
	r.line.Drain(len(adu))

	r.events.clear(flagT1P5 | flagT3P5)
	if r.txEnable != nil {
		r.txEnable(false)
	}

	r.timers.Start(nil, r.t3p5Expired)
	r.events.wait(flagT3P5, 0)
	return err
}

// Rx 接收一個訊框，回傳 PDU 長度
//
// CRC 錯誤、slave ID 不符或訊框後仍有資料時回傳對應錯誤，
// 同一訊框有多個錯誤時以較後階段的檢查為準。
func (r *RTU) Rx(txn *modbus.Transaction, timeout time.Duration) (int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	// 等待第一個字元
	var unit [1]byte
	for {
		wait := time.Duration(0)
		if timeout > 0 {
			wait = time.Until(deadline)
			if wait <= 0 {
				return 0, modbus.ErrTimeout
			}
		}
		if _, ok := r.events.wait(flagT1P5|flagRxAvail, wait); !ok {
			return 0, modbus.ErrTimeout
		}
		if r.read(unit[:]) == 1 {
			break
		}
		// 閒置時殘留的 T1.5
		r.events.clear(flagT1P5)
	}
	crc := modbus.CRC(unit[:], modbus.CRCPreload)

	// 讀取訊框其餘部分直到 T1.5 逾時
	var rxErr error
	count := 0
	for {
		flags, _ := r.events.wait(flagT1P5|flagRxAvail, 0)
		if flags&flagRxAvail != 0 {
			if count < len(r.rxBuf) {
				count += r.read(r.rxBuf[count:])
			} else {
				r.read(r.discard[:])
				rxErr = modbus.ErrFrame
			}
		}
		if flags&flagT1P5 != 0 {
			break
		}
	}

	if modbus.CRC(r.rxBuf[:count], crc) != 0 {
		rxErr = modbus.ErrCRC
	}
	if unit[0] != txn.Unit && unit[0] != 0 {
		rxErr = modbus.ErrSlaveID
	}
	r.broadcast = unit[0] == 0

	// 等待訊框結束 (T3.5)，期間出現的資料視為雜訊
	for {
		flags, _ := r.events.wait(flagT3P5|flagRxAvail, 0)
		if flags&flagRxAvail != 0 {
			rxErr = modbus.ErrFrame
			r.read(r.discard[:])
		}
		if flags&flagT3P5 != 0 {
			break
		}
	}

	r.events.clear(flagT1P5 | flagT3P5 | flagRxAvail)

	if rxErr == nil && count < 3 {
		rxErr = modbus.ErrFrame
	}
	if rxErr != nil {
		r.logger.Debug("RxErr",
			zap.Uint8("unit", unit[0]),
			zap.Binary("data", r.rxBuf[:count]),
			zap.Error(rxErr),
		)
		return 0, rxErr
	}

	size := copy(txn.Data, r.rxBuf[:count-2])
	r.logger.Debug("Rx", zap.Uint8("unit", unit[0]), zap.Binary("pdu", txn.Data[:size]))
	return size, nil
}
