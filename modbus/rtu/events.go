package rtu

import (
	"sync"
	"time"
)

// 事件旗標
const (
	flagTxEmpty uint32 = 1 << iota
	flagRxAvail
	flagT1P5
	flagT3P5
)

// events 可等待的旗標集合，旗標不會自動清除
type events struct {
	mu      sync.Mutex
	flags   uint32
	changed chan struct{}
}

func newEvents() *events {
	return &events{changed: make(chan struct{})}
}

func (e *events) set(mask uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flags |= mask
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *events) clear(mask uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flags &^= mask
}

func (e *events) get() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags
}

// wait 等待 mask 中任一旗標被設定，回傳目前符合的旗標
//
// timeout 為 0 時無限等待；逾時回傳 false。
func (e *events) wait(mask uint32, timeout time.Duration) (uint32, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		e.mu.Lock()
		flags := e.flags & mask
		changed := e.changed
		e.mu.Unlock()

		if flags != 0 {
			return flags, true
		}

		select {
		case <-changed:
		case <-expired:
			return 0, false
		}
	}
}
