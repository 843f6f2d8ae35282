// Package modbustest 提供 Modbus 引擎測試用的記憶體傳輸層
package modbustest

import (
	"context"
	"sync"
	"time"

	"modbus-engine/modbus"
)

// Frame 預先排入的接收訊框
type Frame struct {
	Unit uint8
	// ID 為 0 時沿用目前的交易識別碼
	ID   uint16
	PDU  []byte
	// Err 不為 nil 時 Rx 直接回傳此錯誤
	Err error
	// Broadcast 訊框是否為廣播
	Broadcast bool
	// Pending 接收此訊框後仍有資料等待讀取
	Pending bool
}

// Sent 已傳送的訊框
type Sent struct {
	Unit uint8
	ID   uint16
	PDU  []byte
}

// Transport 以佇列模擬的傳輸層
type Transport struct {
	modbus.Role

	mu        sync.Mutex
	frames    chan Frame
	sent      []Sent
	down      bool
	last      Frame
	bringups  int
	shutdowns int

	// BringupErr 不為 nil 時 Bringup 失敗
	BringupErr error
}

// New 建立測試傳輸層，初始為未連線狀態
func New() *Transport {
	return &Transport{
		frames: make(chan Frame, 64),
		down:   true,
	}
}

// Push 排入接收訊框
func (t *Transport) Push(frames ...Frame) {
	for _, f := range frames {
		t.frames <- f
	}
}

// Sent 取得所有已傳送訊框
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Sent, len(t.sent))
	copy(out, t.sent)
	return out
}

// Bringups 取得 Bringup 呼叫次數
func (t *Transport) Bringups() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bringups
}

// Bringup 標記為已連線
func (t *Transport) Bringup(ctx context.Context, name string) (modbus.Peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bringups++
	if t.BringupErr != nil {
		return -1, t.BringupErr
	}
	t.down = false
	return modbus.Peer(1), nil
}

// Shutdown 標記為已斷線
func (t *Transport) Shutdown(peer modbus.Peer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shutdowns++
	t.down = true
	return nil
}

// SetDown 設定連線狀態
func (t *Transport) SetDown(down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down = down
}

// IsDown 連線是否中斷
func (t *Transport) IsDown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.down
}

// Tx 記錄傳送內容
func (t *Transport) Tx(txn *modbus.Transaction, size int) error {
	pdu := make([]byte, size)
	copy(pdu, txn.Data[:size])

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, Sent{Unit: txn.Unit, ID: txn.ID, PDU: pdu})
	return nil
}

// Rx 取出下一個排入的訊框
func (t *Transport) Rx(txn *modbus.Transaction, timeout time.Duration) (int, error) {
	var f Frame
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case f = <-t.frames:
		case <-timer.C:
			return 0, modbus.ErrTimeout
		}
	} else {
		f = <-t.frames
	}

	t.mu.Lock()
	t.last = f
	t.mu.Unlock()

	if f.Err != nil {
		return 0, f.Err
	}
	txn.Unit = f.Unit
	if f.ID != 0 {
		txn.ID = f.ID
	}
	return copy(txn.Data, f.PDU), nil
}

// RxIsBroadcast 最後訊框是否為廣播
func (t *Transport) RxIsBroadcast() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last.Broadcast
}

// RxAvailable 最後訊框之後是否仍有資料
func (t *Transport) RxAvailable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last.Pending
}
