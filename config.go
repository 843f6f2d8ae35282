package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"modbus-engine/modbus/rtu"
	"modbus-engine/modbus/slave"
	"modbus-engine/modbus/tcp"
)

// Config 全域配置
type Config struct {
	Server  ServerConfig  `json:"server" mapstructure:"server"`
	Network NetworkConfig `json:"network" mapstructure:"network"`
	Slaves  SlavesConfig  `json:"slaves" mapstructure:"slaves"`
	Serial  SerialConfig  `json:"serial" mapstructure:"serial"`
	Master  MasterConfig  `json:"master" mapstructure:"master"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// ServerConfig Modbus TCP slave 配置
type ServerConfig struct {
	Enabled         bool          `json:"enabled" mapstructure:"enabled"`
	Port            int           `json:"port" mapstructure:"port"`
	RxTimeout       time.Duration `json:"rx_timeout" mapstructure:"rx_timeout"`
	GracefulTimeout time.Duration `json:"graceful_timeout" mapstructure:"graceful_timeout"`
	PIDFile         string        `json:"pid_file" mapstructure:"pid_file"`
}

// NetworkConfig 網路配置
type NetworkConfig struct {
	Interface string `json:"interface" mapstructure:"interface"`
	// Provision 啟動時於 Interface 上建立 IPRanges 中的位址，停止時移除
	Provision bool      `json:"provision" mapstructure:"provision"`
	IPRanges  []IPRange `json:"ip_ranges" mapstructure:"ip_ranges"`
}

// IPRange IP 範圍
type IPRange struct {
	Start string `json:"start" mapstructure:"start"`
	End   string `json:"end" mapstructure:"end"`
	CIDR  string `json:"cidr" mapstructure:"cidr"`
}

// SlavesConfig 每個 slave 的 ID 與暫存器表大小
type SlavesConfig struct {
	Count            int   `json:"count" mapstructure:"count"`
	UnitIDStart      uint8 `json:"unit_id_start" mapstructure:"unit_id_start"`
	Coils            int   `json:"coils" mapstructure:"coils"`
	DiscreteInputs   int   `json:"discrete_inputs" mapstructure:"discrete_inputs"`
	InputRegisters   int   `json:"input_registers" mapstructure:"input_registers"`
	HoldingRegisters int   `json:"holding_registers" mapstructure:"holding_registers"`
}

// SerialConfig Modbus RTU 序列埠配置，Device 為空時不啟用
type SerialConfig struct {
	Device   string `json:"device" mapstructure:"device"`
	Baudrate int    `json:"baudrate" mapstructure:"baudrate"`
	Parity   string `json:"parity" mapstructure:"parity"`
	SlaveID  uint8  `json:"slave_id" mapstructure:"slave_id"`
	// RTS 以 RTS 控制 RS-485 傳送致能
	RTS bool `json:"rts" mapstructure:"rts"`
}

// MasterConfig read/write/loopback 命令使用的 master 配置
type MasterConfig struct {
	// Transport "tcp" 或 "rtu"
	Transport string        `json:"transport" mapstructure:"transport"`
	Target    string        `json:"target" mapstructure:"target"`
	SlaveID   uint8         `json:"slave_id" mapstructure:"slave_id"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	OutputPath string `json:"output_path" mapstructure:"output_path"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Port     int    `json:"port" mapstructure:"port"`
}

// envKeys 可由環境變數覆蓋的配置鍵
var envKeys = []string{
	"server.enabled",
	"server.port",
	"server.rx_timeout",
	"slaves.count",
	"slaves.unit_id_start",
	"serial.device",
	"serial.baudrate",
	"serial.parity",
	"serial.slave_id",
	"serial.rts",
	"master.transport",
	"master.target",
	"master.slave_id",
	"master.timeout",
	"logging.level",
	"metrics.enabled",
	"metrics.port",
}

var envKeyReplacer = strings.NewReplacer(".", "_")

func bindEnv(v *viper.Viper) {
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:         true,
			Port:            tcp.DefaultPort,
			RxTimeout:       slave.DefaultRxTimeout,
			GracefulTimeout: 10 * time.Second,
		},
		Network: NetworkConfig{
			Interface: "eth0",
			IPRanges:  []IPRange{},
		},
		Slaves: SlavesConfig{
			Count:            1,
			UnitIDStart:      1,
			Coils:            16,
			DiscreteInputs:   2,
			InputRegisters:   5,
			HoldingRegisters: 4,
		},
		Serial: SerialConfig{
			Baudrate: rtu.DefaultBaudrate,
			Parity:   "none",
			SlaveID:  1,
		},
		Master: MasterConfig{
			Transport: "tcp",
			Target:    "127.0.0.1",
			SlaveID:   1,
			Timeout:   time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
			Port:     9090,
		},
	}
}

// LoadConfig 載入配置檔
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/modbusd/")
		v.AddConfigPath("$HOME/.modbusd/")
	}

	// 環境變數覆蓋，例如 MODBUSD_SERIAL_DEVICE
	v.SetEnvPrefix("MODBUSD")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		// 配置檔不存在，使用預設值
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無效的埠號: %d", c.Server.Port)
	}

	if c.Slaves.Count < 1 {
		return fmt.Errorf("Slave 數量必須大於 0")
	}
	if c.Slaves.Count > 10000 {
		return fmt.Errorf("Slave 數量超過上限 (最大 10000)")
	}
	if c.Slaves.UnitIDStart < 1 || c.Slaves.UnitIDStart > rtu.MaxSlaveID {
		return fmt.Errorf("無效的起始 Unit ID: %d", c.Slaves.UnitIDStart)
	}

	for name, size := range map[string]int{
		"coils":             c.Slaves.Coils,
		"discrete_inputs":   c.Slaves.DiscreteInputs,
		"input_registers":   c.Slaves.InputRegisters,
		"holding_registers": c.Slaves.HoldingRegisters,
	} {
		if size < 0 || size > 65536 {
			return fmt.Errorf("無效的 %s 數量: %d", name, size)
		}
	}

	if c.Serial.Device != "" {
		if c.Serial.Baudrate <= 0 {
			return fmt.Errorf("無效的鮑率: %d", c.Serial.Baudrate)
		}
		if _, err := rtu.ParseParity(c.Serial.Parity); err != nil {
			return err
		}
		if c.Serial.SlaveID < 1 || c.Serial.SlaveID > rtu.MaxSlaveID {
			return fmt.Errorf("無效的 RTU slave ID: %d", c.Serial.SlaveID)
		}
	}

	switch c.Master.Transport {
	case "tcp", "rtu":
	default:
		return fmt.Errorf("無效的 master 傳輸層: %q", c.Master.Transport)
	}

	for _, ipRange := range c.Network.IPRanges {
		if err := ipRange.Validate(); err != nil {
			return fmt.Errorf("IP 範圍驗證失敗: %w", err)
		}
	}

	return nil
}

// SerialSettings 轉換為 RTU 序列埠參數
func (c *SerialConfig) SerialSettings() (rtu.SerialConfig, error) {
	parity, err := rtu.ParseParity(c.Parity)
	if err != nil {
		return rtu.SerialConfig{}, err
	}
	return rtu.SerialConfig{Baudrate: c.Baudrate, Parity: parity}, nil
}

// Validate 驗證 IP 範圍
func (r *IPRange) Validate() error {
	if r.CIDR != "" {
		if _, _, err := net.ParseCIDR(r.CIDR); err != nil {
			return fmt.Errorf("無效的 CIDR: %s", r.CIDR)
		}
		return nil
	}

	if r.Start == "" || r.End == "" {
		return fmt.Errorf("必須指定 Start 和 End 或 CIDR")
	}

	startIP := net.ParseIP(r.Start).To4()
	if startIP == nil {
		return fmt.Errorf("無效的起始 IP: %s", r.Start)
	}
	endIP := net.ParseIP(r.End).To4()
	if endIP == nil {
		return fmt.Errorf("無效的結束 IP: %s", r.End)
	}
	if compareIP(startIP, endIP) > 0 {
		return fmt.Errorf("起始 IP 大於結束 IP: %s - %s", r.Start, r.End)
	}

	return nil
}

// SaveConfig 儲存配置到檔案
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	return nil
}

// ExpandIPRanges 展開所有 IP 範圍為 IP 列表
func (c *Config) ExpandIPRanges() ([]net.IP, error) {
	var ips []net.IP

	for _, r := range c.Network.IPRanges {
		rangeIPs, err := r.Expand()
		if err != nil {
			return nil, err
		}
		ips = append(ips, rangeIPs...)
	}

	return ips, nil
}

// Expand 展開 IP 範圍
func (r *IPRange) Expand() ([]net.IP, error) {
	if r.CIDR != "" {
		return expandCIDR(r.CIDR)
	}
	return expandRange(r.Start, r.End)
}

func expandCIDR(cidr string) ([]net.IP, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for ip := ip.Mask(ipNet.Mask); ipNet.Contains(ip); incIP(ip) {
		ips = append(ips, append(net.IP(nil), ip...))
	}

	// 移除網路位址和廣播位址
	if len(ips) > 2 {
		ips = ips[1 : len(ips)-1]
	}

	return ips, nil
}

func expandRange(start, end string) ([]net.IP, error) {
	startIP := net.ParseIP(start).To4()
	endIP := net.ParseIP(end).To4()

	if startIP == nil || endIP == nil || compareIP(startIP, endIP) > 0 {
		return nil, fmt.Errorf("無效的 IP 範圍: %s - %s", start, end)
	}

	var ips []net.IP
	for ip := append(net.IP(nil), startIP...); compareIP(ip, endIP) <= 0; incIP(ip) {
		ips = append(ips, append(net.IP(nil), ip...))
		if ip.Equal(net.IPv4bcast) {
			break
		}
	}

	return ips, nil
}

func compareIP(a, b net.IP) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func incIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}
