package modbus

import (
	"context"
	"time"
)

// Peer 對端識別 (TCP 連線序號或 RTU slave ID)
type Peer int

// Transaction 一次請求/回應交換的狀態
type Transaction struct {
	Peer Peer
	// ID MBAP 交易識別碼，RTU 不使用
	ID    uint16
	Unit  uint8
	Flags uint8
	// Data PDU 緩衝區，容量為 MaxPDUSize
	Data []byte
}

// NewTransaction 建立具備完整 PDU 緩衝區的交易
func NewTransaction() *Transaction {
	return &Transaction{Data: make([]byte, MaxPDUSize)}
}

// Transport ADU 封裝層 (RTU 或 TCP)
type Transport interface {
	// Bringup 建立連線，name 由各實作解讀 (主機名稱或 slave ID)
	Bringup(ctx context.Context, name string) (Peer, error)
	// Shutdown 關閉連線
	Shutdown(peer Peer) error
	// IsDown 連線是否中斷
	IsDown() bool
	// Tx 傳送 txn.Data[:size]
	Tx(txn *Transaction, size int) error
	// Rx 接收一個 PDU 至 txn.Data，timeout 為 0 時無限等待
	Rx(txn *Transaction, timeout time.Duration) (int, error)
	// RxIsBroadcast 最後收到的訊框是否為廣播
	RxIsBroadcast() bool
	// RxAvailable 是否有尚未讀取的資料
	RxAvailable() bool
	// SetServer 設定為 slave 端
	SetServer(server bool)
}

// Role 可嵌入的 slave/master 角色旗標
type Role struct {
	server bool
}

// SetServer 設定角色
func (r *Role) SetServer(server bool) {
	r.server = server
}

// IsServer 是否為 slave 端
func (r *Role) IsServer() bool {
	return r.server
}
