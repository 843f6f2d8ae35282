// Package master 實作 Modbus 主站 (client) 請求
package master

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"modbus-engine/modbus"
)

// DefaultTimeout 預設回應逾時
const DefaultTimeout = time.Second

// Config 主站配置
type Config struct {
	Timeout time.Duration
}

// Option 主站選項
type Option func(*Bus)

// WithLogger 設定日誌
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// Bus Modbus 主站，同一時間只處理一筆交易，不可並行使用
type Bus struct {
	timeout   time.Duration
	transport modbus.Transport
	txn       modbus.Transaction
	scratch   [modbus.MaxPDUSize]byte
	logger    *zap.Logger
}

// New 建立主站，transport 會被設定為 master 端
func New(cfg Config, transport modbus.Transport, opts ...Option) *Bus {
	if transport == nil {
		panic("master: transport 不可為 nil")
	}

	b := &Bus{
		timeout:   cfg.Timeout,
		transport: transport,
		logger:    zap.NewNop(),
	}
	if b.timeout <= 0 {
		b.timeout = DefaultTimeout
	}
	for i := range b.scratch {
		b.scratch[i] = 0x55
	}
	for _, opt := range opts {
		opt(b)
	}

	transport.SetServer(false)
	return b
}

// Transport 取得傳輸層
func (b *Bus) Transport() modbus.Transport {
	return b.transport
}

// Connect 建立連線 (TCP 為主機名稱，RTU 為本地 ID)
func (b *Bus) Connect(ctx context.Context, name string) (modbus.Peer, error) {
	peer, err := b.transport.Bringup(ctx, name)
	if err != nil {
		return peer, fmt.Errorf("連線 %s 失敗: %w", name, err)
	}
	b.txn.Peer = peer
	return peer, nil
}

// Disconnect 關閉連線
func (b *Bus) Disconnect(peer modbus.Peer) error {
	return b.transport.Shutdown(peer)
}

// ReadBits 讀取線圈或離散輸入，結果以 LSB 優先打包寫入 dst
func (b *Bus) ReadBits(slave uint8, address modbus.Address, quantity uint16, dst []byte) error {
	if slave == 0 {
		return fmt.Errorf("%w: 不可廣播讀取", modbus.ErrInvalidRequest)
	}

	var fc modbus.FunctionCode
	switch address.Table() {
	case modbus.TableCoils:
		fc = modbus.FuncReadCoils
	case modbus.TableDiscreteInputs:
		fc = modbus.FuncReadDiscreteInputs
	default:
		return fmt.Errorf("%w: 資料表 %s 不是位元表", modbus.ErrInvalidRequest, address.Table())
	}
	if quantity < 1 || quantity > modbus.MaxReadBits {
		return fmt.Errorf("%w: 數量 %d 超出範圍", modbus.ErrInvalidRequest, quantity)
	}
	count := modbus.BitCount(int(quantity))
	if len(dst) < count {
		return fmt.Errorf("%w: 緩衝區不足", modbus.ErrInvalidRequest)
	}

	data, err := b.read(slave, fc, address, quantity, count)
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// ReadRegisters 讀取輸入或保持暫存器，數量為 len(dst)
func (b *Bus) ReadRegisters(slave uint8, address modbus.Address, dst []uint16) error {
	if slave == 0 {
		return fmt.Errorf("%w: 不可廣播讀取", modbus.ErrInvalidRequest)
	}

	var fc modbus.FunctionCode
	switch address.Table() {
	case modbus.TableInputRegisters:
		fc = modbus.FuncReadInputRegisters
	case modbus.TableHoldingRegisters:
		fc = modbus.FuncReadHoldingRegisters
	default:
		return fmt.Errorf("%w: 資料表 %s 不是暫存器表", modbus.ErrInvalidRequest, address.Table())
	}
	quantity := len(dst)
	if quantity < 1 || quantity > modbus.MaxReadRegisters {
		return fmt.Errorf("%w: 數量 %d 超出範圍", modbus.ErrInvalidRequest, quantity)
	}

	data, err := b.read(slave, fc, address, uint16(quantity), 2*quantity)
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = modbus.RegGet(data, i)
	}
	return nil
}

// read 傳送讀取請求並回傳回應中的資料區
func (b *Bus) read(slave uint8, fc modbus.FunctionCode, address modbus.Address, quantity uint16, count int) ([]byte, error) {
	pdu := b.scratch[:]
	n := modbus.ReadRequest{Func: fc, Address: address.Wire(), Quantity: quantity}.Encode(pdu)

	size, err := b.transact(slave, n, true)
	if err != nil {
		return nil, err
	}

	if modbus.FunctionCode(pdu[0]) != fc || size < 2 || int(pdu[1]) < count || size < 2+int(pdu[1]) {
		b.logger.Debug("讀取回應格式錯誤",
			zap.Stringer("function", fc),
			zap.Binary("pdu", pdu[:size]),
		)
		return nil, modbus.ErrFrame
	}
	return pdu[2 : 2+count], nil
}

// WriteSingle 寫入單一線圈 (非 0 即 ON) 或保持暫存器
func (b *Bus) WriteSingle(slave uint8, address modbus.Address, value uint16) error {
	req := modbus.WriteSingle{Address: address.Wire(), Value: value}
	switch address.Table() {
	case modbus.TableCoils:
		req.Func = modbus.FuncWriteSingleCoil
		req.Value = modbus.CoilOff
		if value != 0 {
			req.Value = modbus.CoilOn
		}
	case modbus.TableHoldingRegisters:
		req.Func = modbus.FuncWriteSingleRegister
	default:
		return fmt.Errorf("%w: 資料表 %s 不可寫入", modbus.ErrInvalidRequest, address.Table())
	}

	n := req.Encode(b.scratch[:])
	_, err := b.transact(slave, n, slave != 0)
	return err
}

// WriteBits 寫入多個線圈，src 為 LSB 優先打包位元
func (b *Bus) WriteBits(slave uint8, address modbus.Address, quantity uint16, src []byte) error {
	if address.Table() != modbus.TableCoils {
		return fmt.Errorf("%w: 資料表 %s 不可寫入位元", modbus.ErrInvalidRequest, address.Table())
	}
	if quantity < 1 || quantity > modbus.MaxWriteBits {
		return fmt.Errorf("%w: 數量 %d 超出範圍", modbus.ErrInvalidRequest, quantity)
	}
	count := modbus.BitCount(int(quantity))
	if len(src) < count {
		return fmt.Errorf("%w: 資料不足", modbus.ErrInvalidRequest)
	}

	n := modbus.WriteMultipleRequest{
		Func:     modbus.FuncWriteMultipleCoils,
		Address:  address.Wire(),
		Quantity: quantity,
		Data:     src[:count],
	}.Encode(b.scratch[:])
	_, err := b.transact(slave, n, slave != 0)
	return err
}

// WriteRegisters 寫入多個保持暫存器
func (b *Bus) WriteRegisters(slave uint8, address modbus.Address, src []uint16) error {
	if address.Table() != modbus.TableHoldingRegisters {
		return fmt.Errorf("%w: 資料表 %s 不可寫入暫存器", modbus.ErrInvalidRequest, address.Table())
	}
	if len(src) < 1 || len(src) > modbus.MaxWriteRegisters {
		return fmt.Errorf("%w: 數量 %d 超出範圍", modbus.ErrInvalidRequest, len(src))
	}

	pdu := b.scratch[:]
	pdu[0] = byte(modbus.FuncWriteMultipleRegisters)
	modbus.PutUint16(pdu[1:], address.Wire())
	modbus.PutUint16(pdu[3:], uint16(len(src)))
	pdu[5] = byte(2 * len(src))
	for i, v := range src {
		modbus.RegSet(pdu[6:], i, v)
	}

	_, err := b.transact(slave, 6+2*len(src), slave != 0)
	return err
}

// Loopback 診斷回送測試，回傳收到的 PDU 長度 (廣播時為 0)
//
// 回送的資料會寫回 data。
func (b *Bus) Loopback(slave uint8, data []byte) (int, error) {
	if len(data) > modbus.MaxLoopbackData {
		return 0, fmt.Errorf("%w: 回送資料長度 %d 超出範圍", modbus.ErrInvalidRequest, len(data))
	}

	pdu := b.scratch[:]
	n := modbus.Diagnostic{SubFunction: modbus.DiagLoopback, Data: data}.Encode(pdu)

	size, err := b.transact(slave, n, slave != 0)
	if err != nil || slave == 0 {
		return 0, err
	}
	if size > 3 {
		copy(data, pdu[3:size])
	}
	return size, nil
}

// SendRaw 直接傳送 PDU
func (b *Bus) SendRaw(slave uint8, msg []byte) error {
	if len(msg) > modbus.MaxPDUSize {
		return fmt.Errorf("%w: 訊息長度 %d 超出範圍", modbus.ErrInvalidRequest, len(msg))
	}
	b.begin(slave)
	b.txn.Data = msg
	return b.transport.Tx(&b.txn, len(msg))
}

// RecvRaw 直接接收 PDU 至 msg，回傳長度
func (b *Bus) RecvRaw(slave uint8, msg []byte) (int, error) {
	buf := msg
	if len(buf) < modbus.MaxPDUSize {
		buf = b.scratch[:]
	}

	b.txn.Unit = slave
	b.txn.Data = buf
	n, err := b.transport.Rx(&b.txn, b.timeout)
	if err != nil {
		return 0, err
	}
	if len(msg) < modbus.MaxPDUSize {
		if n > len(msg) {
			return 0, fmt.Errorf("%w: 緩衝區不足", modbus.ErrInvalidRequest)
		}
		copy(msg, buf[:n])
	}
	return n, nil
}

func (b *Bus) begin(slave uint8) {
	b.txn.Unit = slave
	b.txn.ID++
}

// transact 傳送 scratch 中的請求，必要時等待回應並檢查異常
func (b *Bus) transact(slave uint8, size int, wait bool) (int, error) {
	b.begin(slave)
	b.txn.Data = b.scratch[:]

	b.logger.Debug("傳送請求",
		zap.Uint8("slave", slave),
		zap.Uint16("txn", b.txn.ID),
		zap.Binary("pdu", b.scratch[:size]),
	)

	if err := b.transport.Tx(&b.txn, size); err != nil {
		return 0, err
	}
	if !wait {
		return 0, nil
	}

	id := b.txn.ID
	n, err := b.transport.Rx(&b.txn, b.timeout)
	if err != nil {
		return 0, err
	}
	// RTU 不帶交易識別碼，Rx 不會改動 ID
	if b.txn.ID != id {
		b.logger.Debug("交易識別碼不符", zap.Uint16("want", id), zap.Uint16("got", b.txn.ID))
		b.txn.ID = id
		return 0, modbus.ErrFrame
	}
	if n < 1 {
		return 0, modbus.ErrFrame
	}

	pdu := b.scratch[:n]
	if pdu[0]&modbus.ExceptionFlag != 0 {
		if n < 2 {
			return 0, modbus.ErrFrame
		}
		return 0, modbus.ExceptionFromCode(pdu[1])
	}
	return n, nil
}
