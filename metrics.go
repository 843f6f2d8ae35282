package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricsCollector 指標收集器
type MetricsCollector struct {
	mu sync.RWMutex

	startTime time.Time
	last      EngineStats
	state     string

	// 歷史記錄 (用於計算速率)
	requestHistory []requestSample
	maxHistory     int

	server *http.Server
	stop   chan struct{}

	engine *Engine
	logger *zap.Logger
}

type requestSample struct {
	timestamp time.Time
	requests  uint64
}

// MetricsSnapshot 指標快照
type MetricsSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	Uptime      string    `json:"uptime"`
	EngineState string    `json:"engine_state"`

	// Slave 指標
	TotalSlaves   int `json:"total_slaves"`
	ActiveSlaves  int `json:"active_slaves"`
	StoppedSlaves int `json:"stopped_slaves"`

	// 請求指標
	TotalRequests  uint64  `json:"total_requests"`
	Exceptions     uint64  `json:"exceptions"`
	Broadcasts     uint64  `json:"broadcasts"`
	Dropped        uint64  `json:"dropped"`
	RxErrors       uint64  `json:"rx_errors"`
	TxErrors       uint64  `json:"tx_errors"`
	ExceptionRate  float64 `json:"exception_rate"`
	RequestsPerSec float64 `json:"requests_per_sec"`
}

// NewMetricsCollector 建立指標收集器
func NewMetricsCollector(engine *Engine, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		engine:     engine,
		logger:     logger,
		startTime:  time.Now(),
		maxHistory: 60, // 保留 60 個樣本 (用於計算每秒速率)
		stop:       make(chan struct{}),
	}
}

// Handler 指標、健康檢查與就緒檢查的 HTTP handler
func (m *MetricsCollector) Handler(endpoint string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(endpoint, m.handleMetrics)
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/ready", m.handleReady)
	return mux
}

// Start 啟動指標收集與 HTTP 伺服器
func (m *MetricsCollector) Start(endpoint string, port int) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("監聽 %s 失敗: %w", addr, err)
	}

	m.collect()
	go m.collectLoop()

	m.server = &http.Server{
		Handler:           m.Handler(endpoint),
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.logger.Info("啟動指標伺服器", zap.String("addr", addr))

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止收集並關閉 HTTP 伺服器
func (m *MetricsCollector) Stop(ctx context.Context) error {
	close(m.stop)
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// collectLoop 背景收集迴圈
func (m *MetricsCollector) collectLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

// collect 收集指標
func (m *MetricsCollector) collect() {
	if m.engine == nil {
		return
	}

	stats := m.engine.Stats()
	state := m.engine.State().String()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.last = stats
	m.state = state

	m.requestHistory = append(m.requestHistory, requestSample{
		timestamp: time.Now(),
		requests:  stats.Requests,
	})
	if len(m.requestHistory) > m.maxHistory {
		m.requestHistory = m.requestHistory[1:]
	}
}

// Snapshot 取得指標快照
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.last
	snapshot := MetricsSnapshot{
		Timestamp:     time.Now(),
		Uptime:        time.Since(m.startTime).String(),
		EngineState:   m.state,
		TotalSlaves:   s.SlaveCount,
		ActiveSlaves:  s.ActiveSlaves,
		StoppedSlaves: s.SlaveCount - s.ActiveSlaves,
		TotalRequests: s.Requests,
		Exceptions:    s.Exceptions,
		Broadcasts:    s.Broadcasts,
		Dropped:       s.Dropped,
		RxErrors:      s.RxErrors,
		TxErrors:      s.TxErrors,
	}

	if s.Requests > 0 {
		snapshot.ExceptionRate = float64(s.Exceptions) / float64(s.Requests) * 100
	}

	// 計算每秒請求數 (使用最近的歷史記錄)
	if len(m.requestHistory) >= 2 {
		first := m.requestHistory[0]
		last := m.requestHistory[len(m.requestHistory)-1]
		duration := last.timestamp.Sub(first.timestamp).Seconds()
		if duration > 0 {
			snapshot.RequestsPerSec = float64(last.requests-first.requests) / duration
		}
	}

	return snapshot
}

// handleMetrics 處理 /metrics 請求
func (m *MetricsCollector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := m.Snapshot()

	// 檢查 Accept header
	accept := r.Header.Get("Accept")
	if accept == "application/json" || r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
		return
	}

	// Prometheus 格式
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	metric := func(name, kind, help string, value any) {
		fmt.Fprintf(w, "# HELP modbusd_%s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE modbusd_%s %s\n", name, kind)
		switch v := value.(type) {
		case float64:
			fmt.Fprintf(w, "modbusd_%s %f\n\n", name, v)
		default:
			fmt.Fprintf(w, "modbusd_%s %d\n\n", name, v)
		}
	}

	metric("uptime_seconds", "gauge", "Uptime in seconds", time.Since(m.startTime).Seconds())
	metric("slaves_total", "gauge", "Total number of slave endpoints", snapshot.TotalSlaves)
	metric("slaves_active", "gauge", "Running slave endpoints", snapshot.ActiveSlaves)
	metric("requests_total", "counter", "Requests received", snapshot.TotalRequests)
	metric("exceptions_total", "counter", "Exception responses", snapshot.Exceptions)
	metric("broadcasts_total", "counter", "Broadcast requests", snapshot.Broadcasts)
	metric("dropped_total", "counter", "Responses dropped because a newer request was pending", snapshot.Dropped)
	metric("rx_errors_total", "counter", "Frames rejected by the framer", snapshot.RxErrors)
	metric("tx_errors_total", "counter", "Failed response transmissions", snapshot.TxErrors)
	metric("requests_per_second", "gauge", "Requests per second", snapshot.RequestsPerSec)
}

// handleHealth 處理 /health 請求
func (m *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleReady 處理 /ready 請求
func (m *MetricsCollector) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if m.engine == nil || m.engine.State() != EngineStateRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
