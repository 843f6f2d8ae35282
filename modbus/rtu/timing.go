package rtu

import (
	"sync"
	"time"
)

// CharTime 一個 11 位元字元的傳輸時間
//
// 超過 19200 baud 時固定為 500µs，使 T1.5 = 750µs、T3.5 = 1750µs。
func CharTime(baudrate int) time.Duration {
	if baudrate <= 0 {
		baudrate = DefaultBaudrate
	}
	if baudrate > 19200 {
		return 500 * time.Microsecond
	}
	return time.Duration(11*1000*1000/baudrate) * time.Microsecond
}

// Timeouts 計算字元間 (T1.5) 與訊框間 (T3.5) 逾時
func Timeouts(baudrate int) (t1p5, t3p5 time.Duration) {
	us := CharTime(baudrate) / time.Microsecond
	return 15 * us / 10 * time.Microsecond, 35 * us / 10 * time.Microsecond
}

// Timers 字元間與訊框間計時器
type Timers interface {
	// Init 設定兩個計時器的逾時
	Init(t1p5, t3p5 time.Duration)
	// Start 重新啟動計時器，callback 為 nil 的計時器只停止不啟動
	Start(t1p5Expired, t3p5Expired func())
}

// SoftTimers 以 time.AfterFunc 實作的 Timers
type SoftTimers struct {
	mu         sync.Mutex
	t1p5, t3p5 time.Duration
	timers     [2]*time.Timer
	generation uint64
}

// Init 設定逾時
func (s *SoftTimers) Init(t1p5, t3p5 time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t1p5 = t1p5
	s.t3p5 = t3p5
}

// Start 停止舊計時器並啟動新計時器，舊計時器的 callback 不會再被呼叫
func (s *SoftTimers) Start(t1p5Expired, t3p5Expired func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.timers {
		if t != nil {
			t.Stop()
			s.timers[i] = nil
		}
	}
	s.generation++

	if t1p5Expired != nil {
		s.timers[0] = time.AfterFunc(s.t1p5, s.fire(s.generation, t1p5Expired))
	}
	if t3p5Expired != nil {
		s.timers[1] = time.AfterFunc(s.t3p5, s.fire(s.generation, t3p5Expired))
	}
}

func (s *SoftTimers) fire(generation uint64, fn func()) func() {
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.generation == generation {
			fn()
		}
	}
}
