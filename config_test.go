package main

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-engine/modbus/rtu"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 502, cfg.Server.Port)
	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, 1, cfg.Slaves.Count)
	assert.Equal(t, 4, cfg.Slaves.HoldingRegisters)
	assert.Equal(t, 19200, cfg.Serial.Baudrate)
	assert.Empty(t, cfg.Serial.Device)
	assert.Equal(t, "tcp", cfg.Master.Transport)
	assert.False(t, cfg.Metrics.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid port - too low",
			modify: func(c *Config) {
				c.Server.Port = 0
			},
			wantErr: true,
		},
		{
			name: "invalid port - too high",
			modify: func(c *Config) {
				c.Server.Port = 70000
			},
			wantErr: true,
		},
		{
			name: "invalid slave count - zero",
			modify: func(c *Config) {
				c.Slaves.Count = 0
			},
			wantErr: true,
		},
		{
			name: "invalid slave count - too high",
			modify: func(c *Config) {
				c.Slaves.Count = 20000
			},
			wantErr: true,
		},
		{
			name: "invalid unit id start",
			modify: func(c *Config) {
				c.Slaves.UnitIDStart = 248
			},
			wantErr: true,
		},
		{
			name: "invalid table size",
			modify: func(c *Config) {
				c.Slaves.HoldingRegisters = 70000
			},
			wantErr: true,
		},
		{
			name: "valid serial",
			modify: func(c *Config) {
				c.Serial.Device = "/dev/ttyUSB0"
				c.Serial.Parity = "even"
			},
			wantErr: false,
		},
		{
			name: "invalid serial parity",
			modify: func(c *Config) {
				c.Serial.Device = "/dev/ttyUSB0"
				c.Serial.Parity = "mark"
			},
			wantErr: true,
		},
		{
			name: "invalid serial slave id",
			modify: func(c *Config) {
				c.Serial.Device = "/dev/ttyUSB0"
				c.Serial.SlaveID = 0
			},
			wantErr: true,
		},
		{
			name: "serial ignored when disabled",
			modify: func(c *Config) {
				c.Serial.Parity = "mark"
			},
			wantErr: false,
		},
		{
			name: "invalid master transport",
			modify: func(c *Config) {
				c.Master.Transport = "udp"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSerialConfig_SerialSettings(t *testing.T) {
	cfg := SerialConfig{Baudrate: 9600, Parity: "odd"}
	settings, err := cfg.SerialSettings()
	require.NoError(t, err)
	assert.Equal(t, rtu.SerialConfig{Baudrate: 9600, Parity: rtu.ParityOdd}, settings)

	cfg.Parity = "space"
	_, err = cfg.SerialSettings()
	assert.Error(t, err)
}

func TestIPRange_Validate(t *testing.T) {
	tests := []struct {
		name    string
		r       IPRange
		wantErr bool
	}{
		{
			name:    "valid CIDR",
			r:       IPRange{CIDR: "192.168.1.0/24"},
			wantErr: false,
		},
		{
			name:    "valid range",
			r:       IPRange{Start: "192.168.1.1", End: "192.168.1.100"},
			wantErr: false,
		},
		{
			name:    "invalid CIDR",
			r:       IPRange{CIDR: "invalid"},
			wantErr: true,
		},
		{
			name:    "invalid start IP",
			r:       IPRange{Start: "invalid", End: "192.168.1.100"},
			wantErr: true,
		},
		{
			name:    "invalid end IP",
			r:       IPRange{Start: "192.168.1.1", End: "invalid"},
			wantErr: true,
		},
		{
			name:    "reversed range",
			r:       IPRange{Start: "192.168.1.100", End: "192.168.1.1"},
			wantErr: true,
		},
		{
			name:    "missing both",
			r:       IPRange{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIPRange_Expand_CIDR(t *testing.T) {
	r := IPRange{CIDR: "192.168.1.0/30"}
	ips, err := r.Expand()
	require.NoError(t, err)

	// /30 = 4 IPs, minus network and broadcast = 2 usable
	assert.Len(t, ips, 2)
	assert.Equal(t, "192.168.1.1", ips[0].String())
	assert.Equal(t, "192.168.1.2", ips[1].String())
}

func TestIPRange_Expand_Range(t *testing.T) {
	r := IPRange{Start: "192.168.1.10", End: "192.168.1.15"}
	ips, err := r.Expand()
	require.NoError(t, err)

	assert.Len(t, ips, 6)
	assert.Equal(t, "192.168.1.10", ips[0].String())
	assert.Equal(t, "192.168.1.15", ips[5].String())
}

func TestConfig_ExpandIPRanges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Network.IPRanges = []IPRange{
		{Start: "192.168.1.1", End: "192.168.1.5"},
		{Start: "192.168.2.1", End: "192.168.2.3"},
	}

	ips, err := cfg.ExpandIPRanges()
	require.NoError(t, err)
	assert.Len(t, ips, 8) // 5 + 3
}

func TestConfig_SaveAndLoad(t *testing.T) {
	// 建立暫存目錄
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.json")

	// 儲存配置
	cfg := DefaultConfig()
	cfg.Slaves.Count = 50
	cfg.Server.Port = 5020

	err := cfg.SaveConfig(configPath)
	require.NoError(t, err)

	// 確認檔案存在
	_, err = os.Stat(configPath)
	require.NoError(t, err)

	// 載入配置
	loadedCfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, cfg.Slaves.Count, loadedCfg.Slaves.Count)
	assert.Equal(t, cfg.Server.Port, loadedCfg.Server.Port)
	assert.Equal(t, cfg.Server.RxTimeout, loadedCfg.Server.RxTimeout)
	assert.Equal(t, cfg.Master.Timeout, loadedCfg.Master.Timeout)
}

func TestLoadConfig_YAMLAndEnv(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "modbusd.yaml")
	yaml := `
serial:
  device: /dev/ttyS1
  baudrate: 9600
  parity: even
slaves:
  holding_registers: 100
`
	require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0644))
	t.Setenv("MODBUSD_SERIAL_SLAVE_ID", "17")
	t.Setenv("MODBUSD_MASTER_TIMEOUT", "250ms")

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyS1", cfg.Serial.Device)
	assert.Equal(t, 9600, cfg.Serial.Baudrate)
	assert.Equal(t, "even", cfg.Serial.Parity)
	assert.Equal(t, uint8(17), cfg.Serial.SlaveID)
	assert.Equal(t, 250*time.Millisecond, cfg.Master.Timeout)
	assert.Equal(t, 100, cfg.Slaves.HoldingRegisters)
	// 未設定的鍵保留預設值
	assert.Equal(t, 16, cfg.Slaves.Coils)
	assert.Equal(t, 502, cfg.Server.Port)
}

func TestLoadConfig_Invalid(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"server": {"port": 0}}`), 0644))

	_, err := LoadConfig(configPath)
	assert.Error(t, err)
}

func TestIncIP(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"192.168.1.1", "192.168.1.2"},
		{"192.168.1.255", "192.168.2.0"},
		{"192.168.255.255", "192.169.0.0"},
		{"10.0.0.1", "10.0.0.2"},
		{"255.255.255.255", "0.0.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			ip := net.ParseIP(tt.input).To4()
			incIP(ip)
			assert.Equal(t, tt.expected, ip.String())
		})
	}
}
