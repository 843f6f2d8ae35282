package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"modbus-engine/modbus"
	"modbus-engine/modbus/slave"
)

// SlaveState Slave 狀態
type SlaveState int32

const (
	SlaveStateStopped SlaveState = iota
	SlaveStateStarting
	SlaveStateRunning
	SlaveStateStopping
)

func (s SlaveState) String() string {
	switch s {
	case SlaveStateStopped:
		return "stopped"
	case SlaveStateStarting:
		return "starting"
	case SlaveStateRunning:
		return "running"
	case SlaveStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Slave 單一 Modbus slave 端點 (一個 TCP 監聽位址或一條 RTU 匯流排)
type Slave struct {
	// ID 端點識別，TCP 為 ip:port，RTU 為序列埠裝置
	ID     string
	unitID uint8

	state atomic.Int32

	registers *RegisterMap
	transport modbus.Transport
	closer    io.Closer
	engine    *slave.Slave
	rxTimeout time.Duration

	startTime time.Time
	logger    *zap.Logger
}

// SlaveOption Slave 配置選項
type SlaveOption func(*Slave)

// WithUnitID 設定 Unit ID
func WithUnitID(id uint8) SlaveOption {
	return func(s *Slave) {
		s.unitID = id
	}
}

// WithRegisters 設定自訂暫存器
func WithRegisters(rm *RegisterMap) SlaveOption {
	return func(s *Slave) {
		s.registers = rm
	}
}

// WithRxTimeout 設定等待請求的逾時
func WithRxTimeout(d time.Duration) SlaveOption {
	return func(s *Slave) {
		s.rxTimeout = d
	}
}

// WithLogger 設定日誌
func WithLogger(logger *zap.Logger) SlaveOption {
	return func(s *Slave) {
		s.logger = logger
	}
}

// NewSlave 建立 slave 端點，closer 於 Stop 時關閉傳輸層 (可為 nil)
func NewSlave(id string, transport modbus.Transport, closer io.Closer, config *Config, opts ...SlaveOption) *Slave {
	s := &Slave{
		ID:        id,
		unitID:    1,
		transport: transport,
		closer:    closer,
		rxTimeout: config.Server.RxTimeout,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.registers == nil {
		s.registers = NewSampleRegisterMap(config.Slaves)
	}

	s.engine = slave.New(slave.Config{
		ID:        s.unitID,
		IOMap:     s.registers.IOMap(vendorFuncs(s.logger)...),
		RxTimeout: s.rxTimeout,
	}, transport, slave.WithLogger(s.logger))

	return s
}

// Start 啟動 Slave
func (s *Slave) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(SlaveStateStopped), int32(SlaveStateStarting)) {
		return fmt.Errorf("slave %s 已經在運行中", s.ID)
	}

	// TCP 先建立監聽，讓位址錯誤在啟動時回報
	if l, ok := s.transport.(interface{ Listen() error }); ok {
		if err := l.Listen(); err != nil {
			s.state.Store(int32(SlaveStateStopped))
			return err
		}
	}

	s.startTime = time.Now()
	s.engine.Start(ctx)
	s.state.Store(int32(SlaveStateRunning))

	s.logger.Info("Slave 已啟動",
		zap.String("id", s.ID),
		zap.Uint8("unitID", s.UnitID()),
	)

	return nil
}

// Stop 停止 Slave，等待主迴圈結束或 ctx 逾時
func (s *Slave) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(SlaveStateRunning), int32(SlaveStateStopping)) {
		return nil // 已經停止
	}

	s.engine.Shutdown()

	var closeErr error
	if s.closer != nil {
		closeErr = s.closer.Close()
	}

	var err error
	select {
	case <-s.engine.Done():
	case <-ctx.Done():
		err = fmt.Errorf("等待 slave %s 結束逾時: %w", s.ID, ctx.Err())
	}

	s.state.Store(int32(SlaveStateStopped))

	stats := s.engine.Stats()
	s.logger.Info("Slave 已停止",
		zap.String("id", s.ID),
		zap.Duration("uptime", time.Since(s.startTime)),
		zap.Uint64("requests", stats.Requests.Load()),
	)

	return errors.Join(closeErr, err)
}

// State 取得當前狀態
func (s *Slave) State() SlaveState {
	return SlaveState(s.state.Load())
}

// GetStats 取得統計資訊
func (s *Slave) GetStats() *slave.Stats {
	return s.engine.Stats()
}

// Registers 取得暫存器映射
func (s *Slave) Registers() *RegisterMap {
	return s.registers
}

// UnitID 取得 slave ID
func (s *Slave) UnitID() uint8 {
	return s.engine.ID()
}

// SetUnitID 變更 slave ID，下一次等待請求時生效
func (s *Slave) SetUnitID(id uint8) {
	s.engine.SetID(id)
}
