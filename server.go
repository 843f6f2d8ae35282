package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"modbus-engine/modbus/rtu"
	"modbus-engine/modbus/tcp"
)

// EngineState 引擎狀態
type EngineState int32

const (
	EngineStateStopped EngineState = iota
	EngineStateStarting
	EngineStateRunning
	EngineStateStopping
)

func (s EngineState) String() string {
	switch s {
	case EngineStateStopped:
		return "stopped"
	case EngineStateStarting:
		return "starting"
	case EngineStateRunning:
		return "running"
	case EngineStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Engine 管理所有 slave 端點 (每個綁定位址一個 TCP slave，另可加上一條 RTU 匯流排)
type Engine struct {
	mu sync.RWMutex

	config *Config

	state atomic.Int32

	slaves      map[string]*Slave
	provisioner NetworkProvisioner

	stats EngineStats

	logger *zap.Logger
}

// EngineStats 引擎統計資訊
type EngineStats struct {
	StartTime    time.Time
	SlaveCount   int
	ActiveSlaves int
	Requests     uint64
	Exceptions   uint64
	Broadcasts   uint64
	Dropped      uint64
	RxErrors     uint64
	TxErrors     uint64
}

// endpoint TCP slave 的監聽位址
type endpoint struct {
	ip   net.IP
	port int
}

func (e endpoint) String() string {
	host := ""
	if e.ip != nil {
		host = e.ip.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(e.port))
}

// NewEngine 建立新的引擎
func NewEngine(config *Config, logger *zap.Logger) *Engine {
	return &Engine{
		config: config,
		slaves: make(map[string]*Slave),
		logger: logger,
	}
}

// Start 啟動引擎
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(EngineStateStopped), int32(EngineStateStarting)) {
		return fmt.Errorf("引擎已經在運行中")
	}

	e.stats = EngineStats{StartTime: time.Now()}
	e.logger.Info("正在啟動引擎",
		zap.Int("slave_count", e.config.Slaves.Count),
		zap.Int("port", e.config.Server.Port),
		zap.String("serial", e.config.Serial.Device),
	)

	if e.config.Network.Provision && len(e.config.Network.IPRanges) > 0 {
		e.provisioner = NewNetworkProvisioner(e.config.Network.Interface, e.logger)
		if err := e.provisioner.Setup(ctx, e.config.Network.IPRanges); err != nil {
			e.state.Store(int32(EngineStateStopped))
			return fmt.Errorf("設置虛擬 IP 失敗: %w", err)
		}
	}

	var errs []error

	if e.config.Server.Enabled {
		endpoints, err := e.endpoints()
		if err != nil {
			e.state.Store(int32(EngineStateStopped))
			return fmt.Errorf("取得綁定 IP 失敗: %w", err)
		}
		errs = append(errs, e.startTCPSlaves(ctx, endpoints)...)
	}

	if e.config.Serial.Device != "" {
		if err := e.startRTUSlave(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	e.mu.RLock()
	count := len(e.slaves)
	e.mu.RUnlock()

	if len(errs) > 0 {
		e.logger.Warn("部分 Slaves 啟動失敗",
			zap.Int("failed", len(errs)),
			zap.Int("success", count),
			zap.Error(errors.Join(errs...)),
		)
	}
	// 如果所有 Slaves 都失敗，返回錯誤
	if count == 0 {
		e.teardownNetwork()
		e.state.Store(int32(EngineStateStopped))
		if len(errs) > 0 {
			return fmt.Errorf("所有 Slaves 啟動失敗: %w", errs[0])
		}
		return fmt.Errorf("沒有啟用任何 slave 端點")
	}

	e.stats.SlaveCount = count
	e.state.Store(int32(EngineStateRunning))

	e.logger.Info("引擎啟動完成",
		zap.Int("active_slaves", count),
		zap.Duration("startup_time", time.Since(e.stats.StartTime)),
	)

	return nil
}

// startTCPSlaves 並行啟動所有 TCP slave，回傳失敗的錯誤
func (e *Engine) startTCPSlaves(ctx context.Context, endpoints []endpoint) []error {
	var wg sync.WaitGroup
	errChan := make(chan error, len(endpoints))
	semaphore := make(chan struct{}, 100) // 限制並發啟動數量

	for i, ep := range endpoints {
		wg.Add(1)
		go func(ep endpoint, idx int) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			id := ep.String()
			transport := tcp.New(tcp.Config{
				Bind:   hostOf(ep.ip),
				Port:   ep.port,
				Logger: e.logger.With(zap.String("slave_id", id)),
			})
			s := NewSlave(id, transport, transport, e.config,
				WithUnitID(e.unitID(idx)),
				WithLogger(e.logger.With(zap.String("slave_id", id))),
			)

			if err := s.Start(ctx); err != nil {
				errChan <- fmt.Errorf("啟動 Slave %s 失敗: %w", id, err)
				return
			}

			e.mu.Lock()
			e.slaves[s.ID] = s
			e.mu.Unlock()
		}(ep, i)
	}

	wg.Wait()
	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	return errs
}

// startRTUSlave 開啟序列埠並啟動 RTU slave
func (e *Engine) startRTUSlave(ctx context.Context) error {
	cfg := e.config.Serial
	logger := e.logger.With(zap.String("slave_id", cfg.Device))

	settings, err := cfg.SerialSettings()
	if err != nil {
		return err
	}

	line, port, err := rtu.OpenSerial(cfg.Device, settings, logger)
	if err != nil {
		return err
	}

	var txEnable func(bool)
	if cfg.RTS {
		txEnable = rtu.RTSControl(port.Port, logger)
	}

	transport, err := rtu.New(rtu.Config{
		Line:     line,
		TxEnable: txEnable,
		Serial:   settings,
		Logger:   logger,
	})
	if err != nil {
		line.Close()
		return fmt.Errorf("設定序列埠 %s 失敗: %w", cfg.Device, err)
	}

	s := NewSlave(cfg.Device, transport, line, e.config,
		WithUnitID(cfg.SlaveID),
		WithLogger(logger),
	)
	if err := s.Start(ctx); err != nil {
		line.Close()
		return err
	}

	e.mu.Lock()
	e.slaves[s.ID] = s
	e.mu.Unlock()
	return nil
}

// Stop 停止引擎
func (e *Engine) Stop(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(EngineStateRunning), int32(EngineStateStopping)) {
		return nil
	}

	slaves := e.ListSlaves()
	e.logger.Info("正在停止引擎", zap.Int("slave_count", len(slaves)))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, 100)

	for _, slave := range slaves {
		wg.Add(1)
		go func(s *Slave) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if err := s.Stop(ctx); err != nil {
				e.logger.Warn("停止 Slave 失敗",
					zap.String("id", s.ID),
					zap.Error(err),
				)
			}
		}(slave)
	}

	// 等待所有 Slaves 停止或超時
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("停止引擎超時")
	}

	e.teardownNetwork()

	e.mu.Lock()
	e.slaves = make(map[string]*Slave)
	e.mu.Unlock()

	e.state.Store(int32(EngineStateStopped))
	e.logger.Info("引擎已停止")

	return nil
}

func (e *Engine) teardownNetwork() {
	if e.provisioner == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.provisioner.Teardown(ctx); err != nil {
		e.logger.Warn("移除虛擬 IP 失敗", zap.Error(err))
	}
	e.provisioner = nil
}

// GetSlaveByID 取得指定 ID 的 Slave
func (e *Engine) GetSlaveByID(id string) (*Slave, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	slave, ok := e.slaves[id]
	return slave, ok
}

// ListSlaves 列出所有 Slaves
func (e *Engine) ListSlaves() []*Slave {
	e.mu.RLock()
	defer e.mu.RUnlock()

	slaves := make([]*Slave, 0, len(e.slaves))
	for _, slave := range e.slaves {
		slaves = append(slaves, slave)
	}
	return slaves
}

// State 取得引擎狀態
func (e *Engine) State() EngineState {
	return EngineState(e.state.Load())
}

// Stats 取得統計資訊
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := e.stats

	// 彙整所有 Slaves 的統計
	for _, slave := range e.slaves {
		if slave.State() == SlaveStateRunning {
			stats.ActiveSlaves++
		}
		s := slave.GetStats()
		stats.Requests += s.Requests.Load()
		stats.Exceptions += s.Exceptions.Load()
		stats.Broadcasts += s.Broadcasts.Load()
		stats.Dropped += s.Dropped.Load()
		stats.RxErrors += s.RxErrors.Load()
		stats.TxErrors += s.TxErrors.Load()
	}

	return stats
}

// unitID 第 idx 個 TCP slave 的 ID，依序遞增並在 1..247 之間循環
func (e *Engine) unitID(idx int) uint8 {
	return uint8((int(e.config.Slaves.UnitIDStart)+idx-1)%rtu.MaxSlaveID + 1)
}

// endpoints 取得 TCP slave 的監聽位址
//
// 有配置 IP 範圍時每個 IP 一個 slave，共用同一埠號；
// 否則在所有介面上從 Server.Port 起依序使用 Count 個埠號。
func (e *Engine) endpoints() ([]endpoint, error) {
	count := e.config.Slaves.Count

	if len(e.config.Network.IPRanges) > 0 {
		ips, err := e.config.ExpandIPRanges()
		if err != nil {
			return nil, err
		}
		if len(ips) > count {
			ips = ips[:count]
		}

		endpoints := make([]endpoint, 0, len(ips))
		for _, ip := range ips {
			endpoints = append(endpoints, endpoint{ip: ip, port: e.config.Server.Port})
		}
		return endpoints, nil
	}

	if e.config.Server.Port+count-1 > 65535 {
		return nil, fmt.Errorf("埠號範圍超出上限: %d + %d", e.config.Server.Port, count)
	}

	endpoints := make([]endpoint, 0, count)
	for i := 0; i < count; i++ {
		endpoints = append(endpoints, endpoint{port: e.config.Server.Port + i})
	}
	return endpoints, nil
}

func hostOf(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
