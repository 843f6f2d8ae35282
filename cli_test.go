package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-engine/modbus"
)

func TestParseValues(t *testing.T) {
	tests := []struct {
		name    string
		table   modbus.Table
		args    []string
		want    []uint16
		wantErr bool
	}{
		{"coils", modbus.TableCoils, []string{"1", "off", "TRUE", "0"}, []uint16{1, 0, 1, 0}, false},
		{"invalid coil", modbus.TableCoils, []string{"2"}, nil, true},
		{"registers", modbus.TableHoldingRegisters, []string{"10", "0x1F", "65535"}, []uint16{10, 31, 65535}, false},
		{"register overflow", modbus.TableHoldingRegisters, []string{"65536"}, nil, true},
		{"register text", modbus.TableHoldingRegisters, []string{"abc"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseValues(tt.table, tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func newNetworkFlagsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("interface", "", "")
	cmd.Flags().String("start", "", "")
	cmd.Flags().String("end", "", "")
	cmd.Flags().String("cidr", "", "")
	return cmd
}

func TestApplyNetworkFlags(t *testing.T) {
	t.Run("cidr", func(t *testing.T) {
		cmd := newNetworkFlagsCmd()
		require.NoError(t, cmd.Flags().Parse([]string{"--interface", "lo", "--cidr", "10.0.0.0/30"}))

		cfg := DefaultConfig()
		ranges := applyNetworkFlags(cmd, cfg)
		assert.Equal(t, "lo", cfg.Network.Interface)
		assert.Equal(t, []IPRange{{CIDR: "10.0.0.0/30"}}, ranges)
	})

	t.Run("start end", func(t *testing.T) {
		cmd := newNetworkFlagsCmd()
		require.NoError(t, cmd.Flags().Parse([]string{"--start", "10.0.0.1", "--end", "10.0.0.9"}))

		cfg := DefaultConfig()
		ranges := applyNetworkFlags(cmd, cfg)
		assert.Equal(t, "eth0", cfg.Network.Interface)
		assert.Equal(t, []IPRange{{Start: "10.0.0.1", End: "10.0.0.9"}}, ranges)
	})

	t.Run("from config", func(t *testing.T) {
		cmd := newNetworkFlagsCmd()
		cfg := DefaultConfig()
		cfg.Network.IPRanges = []IPRange{{CIDR: "192.168.1.0/24"}}

		assert.Equal(t, cfg.Network.IPRanges, applyNetworkFlags(cmd, cfg))
	})
}

func TestApplySerialFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	addSerialFlags(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"--serial", "/dev/ttyUSB0", "--baud", "9600", "--rts"}))

	cfg := DefaultConfig()
	applySerialFlags(cmd, cfg)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Serial.Device)
	assert.Equal(t, 9600, cfg.Serial.Baudrate)
	assert.Equal(t, "none", cfg.Serial.Parity)
	assert.True(t, cfg.Serial.RTS)
}

func TestInitLogger(t *testing.T) {
	logger, err := initLogger(LoggingConfig{Level: "debug", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = initLogger(LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}
