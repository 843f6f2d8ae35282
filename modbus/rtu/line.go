package rtu

import (
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultBaudrate 預設鮑率
const DefaultBaudrate = 19200

// Parity 同位檢查
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

func (p Parity) String() string {
	switch p {
	case ParityOdd:
		return "odd"
	case ParityEven:
		return "even"
	default:
		return "none"
	}
}

// ParseParity 解析同位檢查設定 ("none", "odd", "even")
func ParseParity(s string) (Parity, error) {
	switch s {
	case "", "none", "N":
		return ParityNone, nil
	case "odd", "O":
		return ParityOdd, nil
	case "even", "E":
		return ParityEven, nil
	}
	return ParityNone, errors.New("rtu: 無效的同位檢查設定 " + s)
}

// SerialConfig 序列埠參數
type SerialConfig struct {
	Baudrate int
	Parity   Parity
}

// Line 序列線路
type Line interface {
	// Read 讀取已緩衝的資料，不會阻塞
	Read(p []byte) (int, error)
	// Write 寫入資料
	Write(p []byte) (int, error)
	// Available 已緩衝可讀取的位元組數
	Available() int
	// Drain 等待 size 個位元組實際送出
	Drain(size int)
	// Configure 設定序列埠參數
	Configure(cfg SerialConfig) error
	// Notify 註冊收到資料與傳送完畢時的回呼
	Notify(rxHook, txHook func())
}

// drainer 可等待輸出緩衝送出的裝置 (例如 go.bug.st/serial)
type drainer interface {
	Drain() error
}

// configurer 可設定序列埠參數的裝置
type configurer interface {
	Configure(cfg SerialConfig) error
}

// StreamLine 將阻塞式 io.ReadWriter 轉換為 Line
//
// 背景 goroutine 持續讀取並緩衝資料，每收到一段資料呼叫 rx 回呼。
type StreamLine struct {
	rw io.ReadWriter

	mu       sync.Mutex
	buf      []byte
	rxHook   func()
	txHook   func()
	charTime time.Duration
	closed   chan struct{}
	err      error

	logger *zap.Logger
}

// NewStreamLine 建立 StreamLine 並開始讀取
func NewStreamLine(rw io.ReadWriter, logger *zap.Logger) *StreamLine {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &StreamLine{
		rw:       rw,
		charTime: CharTime(DefaultBaudrate),
		closed:   make(chan struct{}),
		logger:   logger,
	}
	go l.readLoop()
	return l
}

func (l *StreamLine) readLoop() {
	defer close(l.closed)

	chunk := make([]byte, 256)
	for {
		n, err := l.rw.Read(chunk)
		if n > 0 {
			l.mu.Lock()
			l.buf = append(l.buf, chunk[:n]...)
			hook := l.rxHook
			l.mu.Unlock()
			if hook != nil {
				hook()
			}
		}
		if err != nil {
			l.mu.Lock()
			l.err = err
			l.mu.Unlock()
			if !errors.Is(err, io.EOF) {
				l.logger.Warn("序列埠讀取失敗", zap.Error(err))
			}
			return
		}
	}
}

// Notify 註冊回呼
func (l *StreamLine) Notify(rxHook, txHook func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rxHook = rxHook
	l.txHook = txHook
}

// Read 讀取已緩衝的資料
func (l *StreamLine) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := copy(p, l.buf)
	l.buf = l.buf[n:]
	if n == 0 && l.err != nil && len(p) > 0 {
		return 0, l.err
	}
	return n, nil
}

// Available 已緩衝的位元組數
func (l *StreamLine) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// Write 寫入資料並在完成後呼叫 tx 回呼
func (l *StreamLine) Write(p []byte) (int, error) {
	n, err := l.rw.Write(p)

	l.mu.Lock()
	hook := l.txHook
	l.mu.Unlock()
	if hook != nil {
		hook()
	}
	return n, err
}

// Drain 等待輸出送出，裝置不支援時依字元時間估算
func (l *StreamLine) Drain(size int) {
	if d, ok := l.rw.(drainer); ok {
		if err := d.Drain(); err != nil {
			l.logger.Warn("等待序列埠輸出失敗", zap.Error(err))
		}
		return
	}

	l.mu.Lock()
	charTime := l.charTime
	l.mu.Unlock()
	time.Sleep(time.Duration(size) * charTime)
}

// Configure 設定序列埠參數並清除接收緩衝
func (l *StreamLine) Configure(cfg SerialConfig) error {
	if c, ok := l.rw.(configurer); ok {
		if err := c.Configure(cfg); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.charTime = CharTime(cfg.Baudrate)
	l.buf = l.buf[:0]
	return nil
}

// Close 關閉底層裝置
func (l *StreamLine) Close() error {
	if c, ok := l.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Done 讀取 goroutine 結束時關閉
func (l *StreamLine) Done() <-chan struct{} {
	return l.closed
}
