// Package slave 實作 Modbus slave 請求分派引擎
package slave

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"modbus-engine/modbus"
)

// DefaultRxTimeout 等待請求的逾時，逾時後重新檢查 slave ID 與運行狀態
const DefaultRxTimeout = 5 * time.Second

// bringupRetryDelay 連線建立失敗後的重試間隔
const bringupRetryDelay = 100 * time.Millisecond

// Config slave 配置
type Config struct {
	ID        uint8
	IOMap     *IOMap
	RxTimeout time.Duration
}

// Stats slave 統計資訊
type Stats struct {
	Requests   atomic.Uint64
	Exceptions atomic.Uint64
	Broadcasts atomic.Uint64
	// Dropped 因匯流排上已有新請求而放棄的回應
	Dropped  atomic.Uint64
	RxErrors atomic.Uint64
	TxErrors atomic.Uint64
}

// Option slave 選項
type Option func(*Slave)

// WithLogger 設定日誌
func WithLogger(logger *zap.Logger) Option {
	return func(s *Slave) {
		s.logger = logger
	}
}

// Slave Modbus slave 引擎
type Slave struct {
	id        atomic.Uint32
	iomap     *IOMap
	transport modbus.Transport
	rxTimeout time.Duration

	running atomic.Bool
	done    chan struct{}
	once    sync.Once

	stats  Stats
	logger *zap.Logger
}

// New 建立 slave，transport 會被設定為 slave 端
func New(cfg Config, transport modbus.Transport, opts ...Option) *Slave {
	if transport == nil || cfg.IOMap == nil {
		panic("slave: transport 與 iomap 不可為 nil")
	}

	s := &Slave{
		iomap:     cfg.IOMap,
		transport: transport,
		rxTimeout: cfg.RxTimeout,
		done:      make(chan struct{}),
		logger:    zap.NewNop(),
	}
	if s.rxTimeout <= 0 {
		s.rxTimeout = DefaultRxTimeout
	}
	s.id.Store(uint32(cfg.ID))

	for _, opt := range opts {
		opt(s)
	}

	transport.SetServer(true)
	return s
}

// ID 取得 slave ID
func (s *Slave) ID() uint8 {
	return uint8(s.id.Load())
}

// SetID 變更 slave ID，於下一次等待請求時生效
func (s *Slave) SetID(id uint8) {
	s.id.Store(uint32(id))
}

// Transport 取得傳輸層
func (s *Slave) Transport() modbus.Transport {
	return s.transport
}

// Stats 取得統計資訊
func (s *Slave) Stats() *Stats {
	return &s.stats
}

// Running 是否運行中
func (s *Slave) Running() bool {
	return s.running.Load()
}

// Start 在背景 goroutine 執行 Run
func (s *Slave) Start(ctx context.Context) {
	s.running.Store(true)
	go func() {
		if err := s.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("slave 已結束", zap.Error(err))
		}
	}()
}

// Shutdown 要求 slave 停止，目前的接收完成後結束迴圈
func (s *Slave) Shutdown() {
	s.running.Store(false)
}

// Done 迴圈結束時關閉
func (s *Slave) Done() <-chan struct{} {
	return s.done
}

// Run 執行 slave 主迴圈直到 Shutdown 或 ctx 取消
func (s *Slave) Run(ctx context.Context) error {
	s.running.Store(true)
	return s.run(ctx)
}

func (s *Slave) run(ctx context.Context) error {
	defer s.once.Do(func() { close(s.done) })

	txn := modbus.NewTransaction()

	for s.running.Load() {
		if err := ctx.Err(); err != nil {
			s.running.Store(false)
			return err
		}

		if s.transport.IsDown() {
			peer, err := s.transport.Bringup(ctx, strconv.Itoa(int(s.ID())))
			if err != nil {
				s.logger.Debug("建立連線失敗", zap.Error(err))
				select {
				case <-ctx.Done():
				case <-time.After(bringupRetryDelay):
				}
				continue
			}
			txn.Peer = peer
			s.logger.Info("連線已建立", zap.Int("peer", int(peer)))
		}

		txn.Unit = s.ID()
		s.HandleRequest(txn)
	}

	return nil
}

// HandleRequest 接收並處理一個請求
func (s *Slave) HandleRequest(txn *modbus.Transaction) {
	size, err := s.transport.Rx(txn, s.rxTimeout)
	if err != nil {
		if !errors.Is(err, modbus.ErrTimeout) {
			s.stats.RxErrors.Add(1)
			s.logger.Debug("接收請求失敗", zap.Error(err))
		}
		return
	}
	if size <= 0 {
		return
	}

	s.stats.Requests.Add(1)
	broadcast := s.transport.RxIsBroadcast()
	if broadcast {
		s.stats.Broadcasts.Add(1)
	}

	fc := modbus.FunctionCode(txn.Data[0])
	n, err := s.dispatch(txn.Data, size, broadcast)
	if err != nil {
		code, ok := modbus.AsException(err)
		if !ok {
			s.logger.Warn("資料表存取失敗",
				zap.Stringer("function", fc),
				zap.Error(err),
			)
			code = modbus.ExceptionSlaveDeviceFailure
		}
		s.stats.Exceptions.Add(1)
		n = modbus.EncodeException(txn.Data, fc, code)
	}

	s.logger.Debug("處理請求",
		zap.Stringer("function", fc),
		zap.Uint8("unit", txn.Unit),
		zap.Int("rx", size),
		zap.Int("tx", n),
		zap.Bool("broadcast", broadcast),
	)

	// 匯流排上已出現新請求時主站已逾時，捨棄新請求且不回應
	if s.transport.RxAvailable() {
		s.stats.Dropped.Add(1)
		_, _ = s.transport.Rx(txn, 0)
		return
	}

	if broadcast || n == 0 {
		return
	}

	if err := s.transport.Tx(txn, n); err != nil {
		s.stats.TxErrors.Add(1)
		s.logger.Warn("傳送回應失敗", zap.Error(err))
	}
}

// dispatch 依功能碼處理請求，回應寫回 pdu 並回傳長度
func (s *Slave) dispatch(pdu []byte, size int, broadcast bool) (int, error) {
	req, err := modbus.DecodeRequest(pdu[:size])
	if err != nil {
		return 0, err
	}

	iomap := s.iomap
	switch r := req.(type) {
	case modbus.ReadRequest:
		if broadcast {
			return 0, nil
		}
		switch r.Func {
		case modbus.FuncReadCoils:
			return readBits(&iomap.Coils, r, pdu)
		case modbus.FuncReadDiscreteInputs:
			return readBits(&iomap.Inputs, r, pdu)
		case modbus.FuncReadHoldingRegisters:
			return readRegisters(&iomap.HoldingRegisters, r, pdu)
		case modbus.FuncReadInputRegisters:
			return readRegisters(&iomap.InputRegisters, r, pdu)
		}

	case modbus.WriteSingle:
		if r.Func == modbus.FuncWriteSingleCoil {
			return writeCoil(&iomap.Coils, r)
		}
		return writeRegister(&iomap.HoldingRegisters, r, pdu)

	case modbus.WriteMultipleRequest:
		if r.Func == modbus.FuncWriteMultipleCoils {
			return writeCoils(&iomap.Coils, r)
		}
		return writeRegisters(&iomap.HoldingRegisters, r)

	case modbus.ReadWriteRequest:
		return readWriteRegisters(&iomap.HoldingRegisters, r, pdu)

	case modbus.Diagnostic:
		return diagnostics(r, size)

	case modbus.VendorRequest:
		return vendor(iomap, r.Func, pdu, size)
	}

	return 0, fmt.Errorf("slave: 未處理的請求 %T", req)
}
