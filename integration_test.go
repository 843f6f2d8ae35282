// +build integration

package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"

	mb "modbus-engine/modbus"
	"modbus-engine/modbus/master"
	"modbus-engine/modbus/tcp"
)

func TestEngineIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	logger, _ := zap.NewDevelopment()
	config := DefaultConfig()
	config.Server.Port = freePort(t)
	config.Server.RxTimeout = 100 * time.Millisecond
	config.Network.IPRanges = []IPRange{{Start: "127.0.0.1", End: "127.0.0.1"}}

	engine := NewEngine(config, logger)
	require.NoError(t, engine.Start(context.Background()))
	defer engine.Stop(context.Background())

	handler := modbus.NewTCPClientHandler(fmt.Sprintf("127.0.0.1:%d", config.Server.Port))
	handler.Timeout = 2 * time.Second
	handler.SlaveId = 1
	require.NoError(t, handler.Connect())
	defer handler.Close()

	client := modbus.NewClient(handler)

	t.Run("ReadHoldingRegisters", func(t *testing.T) {
		results, err := client.ReadHoldingRegisters(0, 4)
		require.NoError(t, err)
		assert.Len(t, results, 8)
	})

	t.Run("WriteSingleRegister", func(t *testing.T) {
		_, err := client.WriteSingleRegister(1, 1234)
		require.NoError(t, err)

		results, err := client.ReadHoldingRegisters(1, 1)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x04, 0xD2}, results)
	})

	t.Run("Coils", func(t *testing.T) {
		_, err := client.WriteSingleCoil(5, 0xFF00)
		require.NoError(t, err)

		results, err := client.ReadCoils(0, 8)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x20}, results)
	})

	t.Run("ReadDiscreteInputs", func(t *testing.T) {
		results, err := client.ReadDiscreteInputs(0, 2)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x03}, results)
	})

	t.Run("ReadInputRegisters", func(t *testing.T) {
		results, err := client.ReadInputRegisters(0, 2)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x11, 0x00, 0x11, 0x01}, results)
	})

	t.Run("IllegalAddress", func(t *testing.T) {
		_, err := client.ReadHoldingRegisters(100, 1)
		var mbErr *modbus.ModbusError
		require.ErrorAs(t, err, &mbErr)
		assert.Equal(t, byte(modbus.ExceptionCodeIllegalDataAddress), mbErr.ExceptionCode)
	})

	stats := engine.Stats()
	assert.GreaterOrEqual(t, stats.Requests, uint64(8))
	assert.GreaterOrEqual(t, stats.Exceptions, uint64(1))
}

func TestMasterAgainstMbserver(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	port := freePort(t)
	server := mbserver.NewServer()
	require.NoError(t, server.ListenTCP(fmt.Sprintf("127.0.0.1:%d", port)))
	defer server.Close()

	server.HoldingRegisters[10] = 0x0102
	server.HoldingRegisters[11] = 0x0304

	transport := tcp.New(tcp.Config{Port: port})
	defer transport.Close()
	bus := master.New(master.Config{Timeout: 2 * time.Second}, transport)

	peer, err := bus.Connect(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	defer bus.Disconnect(peer)

	regs := make([]uint16, 2)
	require.NoError(t, bus.ReadRegisters(1, mb.MakeAddress(mb.TableHoldingRegisters, 11), regs))
	assert.Equal(t, []uint16{0x0102, 0x0304}, regs)

	require.NoError(t, bus.WriteRegisters(1, mb.MakeAddress(mb.TableHoldingRegisters, 21), []uint16{0xAAAA, 0x5555}))
	require.NoError(t, bus.ReadRegisters(1, mb.MakeAddress(mb.TableHoldingRegisters, 21), regs))
	assert.Equal(t, []uint16{0xAAAA, 0x5555}, regs)

	// mbserver 不支援自訂功能碼
	_, err = Ping(bus, 1)
	code, ok := mb.AsException(err)
	require.True(t, ok)
	assert.Equal(t, mb.ExceptionIllegalFunction, code)
}
