// Package tcp 實作 Modbus TCP (MBAP) 傳輸層
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"modbus-engine/modbus"
)

const (
	// DefaultPort Modbus TCP 預設埠號
	DefaultPort = 502
	// HeaderSize MBAP 標頭長度 (含 unit ID)
	HeaderSize = 7

	// acceptTimeout slave 等待連線的時間，逾時後回到主迴圈重試
	acceptTimeout = 500 * time.Millisecond
	// frameTimeout 收到第一個位元組後讀完整個訊框的時間
	frameTimeout = 500 * time.Millisecond
	// shutdownDelay 關閉連線後的等待時間
	shutdownDelay = 10 * time.Millisecond
	keepAlive     = 30 * time.Second
)

// Config TCP 配置
type Config struct {
	// Bind slave 綁定的位址，空字串代表所有介面
	Bind string
	Port int
	// Listener 使用既有的監聽器，設定後忽略 Bind 與 Port
	Listener net.Listener
	Logger   *zap.Logger
}

// TCP Modbus TCP 傳輸層，同一時間只服務一條連線
type TCP struct {
	modbus.Role

	bind string
	port int

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn
	down     bool
	closed   bool
	peers    int

	rxBuf [HeaderSize + modbus.MaxPDUSize]byte
	txBuf [HeaderSize + modbus.MaxPDUSize]byte

	logger *zap.Logger
}

// New 建立 TCP 傳輸層，初始為斷線狀態
func New(cfg Config) *TCP {
	t := &TCP{
		bind:     cfg.Bind,
		port:     cfg.Port,
		listener: cfg.Listener,
		down:     true,
		logger:   cfg.Logger,
	}
	if t.port <= 0 {
		t.port = DefaultPort
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	return t
}

// Listen 開始監聽 (slave 端)，Bringup 時若尚未監聽會自動呼叫
func (t *TCP) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listenLocked()
}

func (t *TCP) listenLocked() error {
	if t.closed {
		return net.ErrClosed
	}
	if t.listener != nil {
		return nil
	}

	addr := net.JoinHostPort(t.bind, strconv.Itoa(t.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("監聽 %s 失敗: %w", addr, err)
	}
	t.listener = ln
	t.logger.Info("開始監聽", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr 監聽位址，尚未監聽時為 nil
func (t *TCP) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Close 關閉連線與監聽，之後不再接受連線
func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.closeConnLocked()
	if t.listener == nil {
		return nil
	}
	err := t.listener.Close()
	t.listener = nil
	return err
}

// Bringup slave 端等待一條連線，master 端連線至 name (主機或 主機:埠)
func (t *TCP) Bringup(ctx context.Context, name string) (modbus.Peer, error) {
	if t.IsServer() {
		return t.accept()
	}
	return t.dial(ctx, name)
}

func (t *TCP) accept() (modbus.Peer, error) {
	t.mu.Lock()
	if err := t.listenLocked(); err != nil {
		t.mu.Unlock()
		return -1, err
	}
	ln := t.listener
	t.mu.Unlock()

	if d, ok := ln.(interface{ SetDeadline(time.Time) error }); ok {
		if err := d.SetDeadline(time.Now().Add(acceptTimeout)); err != nil {
			return -1, err
		}
	}
	conn, err := ln.Accept()
	if err != nil {
		return -1, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetKeepAlive(true); err == nil {
			_ = tc.SetKeepAlivePeriod(keepAlive)
		}
	}

	t.logger.Info("接受連線", zap.String("remote", conn.RemoteAddr().String()))
	return t.attach(conn), nil
}

func (t *TCP) dial(ctx context.Context, name string) (modbus.Peer, error) {
	addr := name
	if _, _, err := net.SplitHostPort(name); err != nil {
		addr = net.JoinHostPort(name, strconv.Itoa(t.port))
	}

	dialer := net.Dialer{KeepAlive: keepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return -1, fmt.Errorf("連線 %s 失敗: %w", addr, err)
	}

	t.logger.Info("已連線", zap.String("remote", conn.RemoteAddr().String()))
	return t.attach(conn), nil
}

func (t *TCP) attach(conn net.Conn) modbus.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closeConnLocked()
	t.conn = conn
	t.down = false
	t.peers++
	return modbus.Peer(t.peers)
}

// Shutdown 關閉目前的連線
func (t *TCP) Shutdown(peer modbus.Peer) error {
	t.mu.Lock()
	t.closeConnLocked()
	t.mu.Unlock()

	time.Sleep(shutdownDelay)
	return nil
}

func (t *TCP) closeConnLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.down = true
}

// drop 連線發生錯誤時關閉
func (t *TCP) drop(conn net.Conn, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.logger.Info("連線中斷", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		t.closeConnLocked()
	}
}

// IsDown 連線是否中斷
func (t *TCP) IsDown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.down
}

func (t *TCP) current() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// RxIsBroadcast TCP 沒有廣播
func (t *TCP) RxIsBroadcast() bool {
	return false
}

// RxAvailable TCP 一次只處理一個請求
func (t *TCP) RxAvailable() bool {
	return false
}

// Tx 加上 MBAP 標頭後一次寫出
func (t *TCP) Tx(txn *modbus.Transaction, size int) error {
	conn := t.current()
	if conn == nil {
		return fmt.Errorf("tcp: 連線未建立")
	}

	buf := t.txBuf[:HeaderSize+size]
	modbus.PutUint16(buf[0:], txn.ID)
	modbus.PutUint16(buf[2:], 0)
	modbus.PutUint16(buf[4:], uint16(size+1))
	buf[6] = txn.Unit
	copy(buf[HeaderSize:], txn.Data[:size])

	t.logger.Debug("Tx", zap.Uint16("txn", txn.ID), zap.Uint8("unit", txn.Unit), zap.Binary("pdu", txn.Data[:size]))

	n, err := conn.Write(buf)
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	if err != nil {
		t.drop(conn, err)
		return fmt.Errorf("tcp: 傳送失敗: %w", err)
	}
	return nil
}

// Rx 接收一個 MBAP 訊框，等待第一個位元組逾時時連線保持開啟
func (t *TCP) Rx(txn *modbus.Transaction, timeout time.Duration) (int, error) {
	conn := t.current()
	if conn == nil {
		return 0, modbus.ErrFrame
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		t.drop(conn, err)
		return 0, modbus.ErrFrame
	}

	header := t.rxBuf[:HeaderSize]
	if _, err := conn.Read(header[:1]); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, modbus.ErrTimeout
		}
		t.drop(conn, err)
		return 0, modbus.ErrFrame
	}

	if err := conn.SetReadDeadline(time.Now().Add(frameTimeout)); err != nil {
		t.drop(conn, err)
		return 0, modbus.ErrFrame
	}
	if _, err := io.ReadFull(conn, header[1:]); err != nil {
		t.drop(conn, err)
		return 0, modbus.ErrFrame
	}

	length := int(modbus.Uint16(header[4:]))
	if length < 2 {
		t.drop(conn, fmt.Errorf("MBAP 長度 %d", length))
		return 0, modbus.ErrFrame
	}
	size := length - 1
	excess := 0
	if size > modbus.MaxPDUSize {
		excess = size - modbus.MaxPDUSize
		size = modbus.MaxPDUSize
	}

	if _, err := io.ReadFull(conn, txn.Data[:size]); err != nil {
		t.drop(conn, err)
		return 0, modbus.ErrFrame
	}

	// 超長訊框整個讀掉後丟棄，連線維持同步
	if excess > 0 {
		if _, err := io.CopyN(io.Discard, conn, int64(excess)); err != nil {
			t.drop(conn, err)
			return 0, modbus.ErrFrame
		}
		t.logger.Debug("Rx 訊框過長", zap.Int("length", length))
		return 0, modbus.ErrFrame
	}

	if modbus.Uint16(header[2:]) != 0 {
		return 0, modbus.ErrFrame
	}

	txn.ID = modbus.Uint16(header[0:])
	txn.Unit = header[6]

	t.logger.Debug("Rx", zap.Uint16("txn", txn.ID), zap.Uint8("unit", txn.Unit), zap.Binary("pdu", txn.Data[:size]))
	return size, nil
}
