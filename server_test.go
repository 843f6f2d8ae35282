package main

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"modbus-engine/modbus"
	"modbus-engine/modbus/master"
	"modbus-engine/modbus/tcp"
)

// freePort 取得目前可用的 TCP 埠號
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// startLoopbackEngine 在 127.0.0.1 上啟動單一 TCP slave
func startLoopbackEngine(t *testing.T) (*Engine, int) {
	t.Helper()

	config := DefaultConfig()
	config.Server.Port = freePort(t)
	config.Server.RxTimeout = 50 * time.Millisecond
	config.Slaves.UnitIDStart = 9
	config.Network.IPRanges = []IPRange{{Start: "127.0.0.1", End: "127.0.0.1"}}

	engine := NewEngine(config, zap.NewNop())
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		engine.Stop(ctx)
	})
	return engine, config.Server.Port
}

func dialEngine(t *testing.T, port int) *master.Bus {
	t.Helper()
	transport := tcp.New(tcp.Config{Port: port})
	bus := master.New(master.Config{Timeout: time.Second}, transport)

	peer, err := bus.Connect(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	t.Cleanup(func() {
		bus.Disconnect(peer)
		transport.Close()
	})
	return bus
}

func TestEngine_StartStop(t *testing.T) {
	engine, port := startLoopbackEngine(t)

	assert.Equal(t, EngineStateRunning, engine.State())
	assert.Error(t, engine.Start(context.Background()), "重複啟動應失敗")

	slaves := engine.ListSlaves()
	require.Len(t, slaves, 1)
	id := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	s, ok := engine.GetSlaveByID(id)
	require.True(t, ok)
	assert.Equal(t, uint8(9), s.UnitID())

	stats := engine.Stats()
	assert.Equal(t, 1, stats.SlaveCount)
	assert.Equal(t, 1, stats.ActiveSlaves)

	require.NoError(t, engine.Stop(context.Background()))
	assert.Equal(t, EngineStateStopped, engine.State())
	assert.Empty(t, engine.ListSlaves())

	// 埠號已釋放
	ln, err := net.Listen("tcp", id)
	require.NoError(t, err)
	ln.Close()
}

func TestEngine_ServesRequests(t *testing.T) {
	engine, port := startLoopbackEngine(t)
	bus := dialEngine(t, port)

	regs := make([]uint16, 2)
	require.NoError(t, bus.ReadRegisters(9, modbus.MakeAddress(modbus.TableInputRegisters, 4), regs))
	assert.Equal(t, []uint16{0x1103, 0x1104}, regs)

	require.NoError(t, bus.WriteRegisters(9, modbus.MakeAddress(modbus.TableHoldingRegisters, 1), []uint16{7, 8}))
	require.NoError(t, bus.ReadRegisters(9, modbus.MakeAddress(modbus.TableHoldingRegisters, 1), regs))
	assert.Equal(t, []uint16{7, 8}, regs)

	err := bus.ReadRegisters(9, modbus.MakeAddress(modbus.TableHoldingRegisters, 4), regs)
	code, ok := modbus.AsException(err)
	require.True(t, ok)
	assert.Equal(t, modbus.ExceptionIllegalDataAddress, code)

	reply, err := Ping(bus, 9)
	require.NoError(t, err)
	assert.Equal(t, PingReply, reply)

	stats := engine.Stats()
	assert.Equal(t, uint64(5), stats.Requests)
	assert.Equal(t, uint64(1), stats.Exceptions)
}

func TestEngine_NothingEnabled(t *testing.T) {
	config := DefaultConfig()
	config.Server.Enabled = false

	engine := NewEngine(config, zap.NewNop())
	assert.Error(t, engine.Start(context.Background()))
	assert.Equal(t, EngineStateStopped, engine.State())
}

func TestEngine_StartFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	config := DefaultConfig()
	config.Server.Port = ln.Addr().(*net.TCPAddr).Port
	config.Network.IPRanges = []IPRange{{Start: "127.0.0.1", End: "127.0.0.1"}}

	engine := NewEngine(config, zap.NewNop())
	assert.Error(t, engine.Start(context.Background()))
	assert.Equal(t, EngineStateStopped, engine.State())
}

func TestEngine_Endpoints(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*Config)
		want    []string
		wantErr bool
	}{
		{
			name: "consecutive ports",
			setup: func(c *Config) {
				c.Server.Port = 1502
				c.Slaves.Count = 3
			},
			want: []string{":1502", ":1503", ":1504"},
		},
		{
			name: "one per ip",
			setup: func(c *Config) {
				c.Slaves.Count = 3
				c.Network.IPRanges = []IPRange{{Start: "10.0.0.1", End: "10.0.0.5"}}
			},
			want: []string{"10.0.0.1:502", "10.0.0.2:502", "10.0.0.3:502"},
		},
		{
			name: "fewer ips than count",
			setup: func(c *Config) {
				c.Slaves.Count = 10
				c.Network.IPRanges = []IPRange{{Start: "10.0.0.1", End: "10.0.0.2"}}
			},
			want: []string{"10.0.0.1:502", "10.0.0.2:502"},
		},
		{
			name: "port overflow",
			setup: func(c *Config) {
				c.Server.Port = 65535
				c.Slaves.Count = 2
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.setup(config)

			endpoints, err := NewEngine(config, zap.NewNop()).endpoints()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			got := make([]string, len(endpoints))
			for i, ep := range endpoints {
				got[i] = ep.String()
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEngine_UnitID(t *testing.T) {
	config := DefaultConfig()
	config.Slaves.UnitIDStart = 246
	engine := NewEngine(config, zap.NewNop())

	assert.Equal(t, uint8(246), engine.unitID(0))
	assert.Equal(t, uint8(247), engine.unitID(1))
	assert.Equal(t, uint8(1), engine.unitID(2))
	assert.Equal(t, uint8(2), engine.unitID(3))
}

func TestEngineState_String(t *testing.T) {
	assert.Equal(t, "running", EngineStateRunning.String())
	assert.Equal(t, "unknown", EngineState(99).String())
	assert.Equal(t, "stopping", SlaveStateStopping.String())
}
