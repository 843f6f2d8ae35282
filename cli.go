package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"modbus-engine/modbus"
	"modbus-engine/modbus/master"
	"modbus-engine/modbus/rtu"
	"modbus-engine/modbus/tcp"
)

var (
	cfgFile   string
	logger    *zap.Logger
	appConfig *Config
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "modbusd",
	Short: "Modbus RTU/TCP slave 與 master 工具",
	Long: `Modbus 協定引擎：
以 slave 身分在 TCP 與序列埠 (RTU) 上提供暫存器表，
或以 master 身分讀寫遠端裝置。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 載入配置 (除了 version 和 generate 命令)
		var cfgErr error
		appConfig = DefaultConfig()
		if cmd.Name() != "version" && cmd.Name() != "generate" && cmd.Name() != "validate" {
			if cfg, err := LoadConfig(cfgFile); err == nil {
				appConfig = cfg
			} else {
				cfgErr = err
			}
		}

		var err error
		logger, err = initLogger(appConfig.Logging)
		if err != nil {
			return fmt.Errorf("初始化日誌失敗: %w", err)
		}

		if cfgErr != nil {
			if cfgFile != "" {
				return cfgErr
			}
			logger.Warn("載入配置失敗，使用預設配置", zap.Error(cfgErr))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// startCmd 啟動命令
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "啟動 slave",
	Long:  "在 TCP 監聽位址與序列埠上啟動 Modbus slave，直到收到 SIGINT/SIGTERM。",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 覆蓋 CLI 參數
		if ip, _ := cmd.Flags().GetString("ip"); ip != "" {
			appConfig.Network.IPRanges = []IPRange{{Start: ip, End: ip}}
		}
		if count, _ := cmd.Flags().GetInt("count"); count > 0 {
			appConfig.Slaves.Count = count
		}
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			appConfig.Server.Port = port
		}
		if noTCP, _ := cmd.Flags().GetBool("no-tcp"); noTCP {
			appConfig.Server.Enabled = false
		}
		applySerialFlags(cmd, appConfig)
		if id, _ := cmd.Flags().GetUint8("slave-id"); id > 0 {
			appConfig.Serial.SlaveID = id
		}
		if err := appConfig.Validate(); err != nil {
			return err
		}

		logger.Info("啟動 Modbus slave",
			zap.Bool("tcp", appConfig.Server.Enabled),
			zap.Int("port", appConfig.Server.Port),
			zap.Int("slaves", appConfig.Slaves.Count),
			zap.String("serial", appConfig.Serial.Device),
		)

		engine := NewEngine(appConfig, logger)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("啟動引擎失敗: %w", err)
		}

		if appConfig.Server.PIDFile != "" {
			if err := writePIDFile(appConfig.Server.PIDFile); err != nil {
				logger.Warn("寫入 PID 檔案失敗", zap.Error(err))
			} else {
				defer os.Remove(appConfig.Server.PIDFile)
			}
		}

		var metrics *MetricsCollector
		if appConfig.Metrics.Enabled {
			metrics = NewMetricsCollector(engine, logger)
			if err := metrics.Start(appConfig.Metrics.Endpoint, appConfig.Metrics.Port); err != nil {
				logger.Warn("啟動指標伺服器失敗", zap.Error(err))
				metrics = nil
			}
		}

		// 等待信號
		sig := <-sigChan
		logger.Info("收到關閉信號", zap.String("signal", sig.String()))

		// 優雅關閉
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), appConfig.Server.GracefulTimeout)
		defer shutdownCancel()

		if metrics != nil {
			_ = metrics.Stop(shutdownCtx)
		}
		if err := engine.Stop(shutdownCtx); err != nil {
			logger.Error("關閉引擎失敗", zap.Error(err))
			return err
		}

		logger.Info("slave 已停止")
		return nil
	},
}

// stopCmd 停止命令
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "停止 slave",
	Long:  "依 PID 檔案向執行中的 modbusd 發送 SIGTERM。",
	RunE: func(cmd *cobra.Command, args []string) error {
		pidFile := appConfig.Server.PIDFile
		if pid, _ := cmd.Flags().GetString("pid-file"); pid != "" {
			pidFile = pid
		}
		if pidFile == "" {
			return fmt.Errorf("未指定 PID 檔案")
		}

		data, err := os.ReadFile(pidFile)
		if err != nil {
			return fmt.Errorf("讀取 PID 檔案失敗: %w", err)
		}

		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return fmt.Errorf("解析 PID 失敗: %w", err)
		}

		process, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("找不到程序: %w", err)
		}

		if err := process.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("發送信號失敗: %w", err)
		}

		fmt.Printf("已發送停止信號到 PID %d\n", pid)
		return nil
	},
}

// readCmd 讀取命令
var readCmd = &cobra.Command{
	Use:   "read <address> [quantity]",
	Short: "讀取線圈、離散輸入或暫存器",
	Long: `以 master 身分讀取遠端 slave。
位址格式為 "表:偏移" (例如 4:1) 或 5 位數字 (例如 40001)。`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		address, err := modbus.ParseAddress(args[0])
		if err != nil {
			return err
		}
		quantity := 1
		if len(args) > 1 {
			if quantity, err = strconv.Atoi(args[1]); err != nil || quantity < 1 || quantity > modbus.MaxReadBits {
				return fmt.Errorf("無效的數量: %s", args[1])
			}
		}

		return withBus(cmd, func(bus *master.Bus, slaveID uint8) error {
			if address.Table().IsBit() {
				bits := make([]byte, modbus.BitCount(quantity))
				if err := bus.ReadBits(slaveID, address, uint16(quantity), bits); err != nil {
					return err
				}
				for i, v := range modbus.UnpackBits(bits, quantity) {
					fmt.Printf("%s: %t\n", address+modbus.Address(i), v)
				}
				return nil
			}

			regs := make([]uint16, quantity)
			if err := bus.ReadRegisters(slaveID, address, regs); err != nil {
				return err
			}
			for i, v := range regs {
				fmt.Printf("%s: %d (0x%04X)\n", address+modbus.Address(i), v, v)
			}
			return nil
		})
	},
}

// writeCmd 寫入命令
var writeCmd = &cobra.Command{
	Use:   "write <address> <value>...",
	Short: "寫入線圈或保持暫存器",
	Long: `以 master 身分寫入遠端 slave。
單一值使用單筆寫入 (FC 05/06)，多個值使用多筆寫入 (FC 15/16)。
線圈值可為 1/0、on/off、true/false；暫存器值可為十進位或 0x 開頭的十六進位。`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		address, err := modbus.ParseAddress(args[0])
		if err != nil {
			return err
		}

		values, err := parseValues(address.Table(), args[1:])
		if err != nil {
			return err
		}

		return withBus(cmd, func(bus *master.Bus, slaveID uint8) error {
			if len(values) == 1 {
				return bus.WriteSingle(slaveID, address, values[0])
			}
			if address.Table() == modbus.TableCoils {
				bits := make([]bool, len(values))
				for i, v := range values {
					bits[i] = v != 0
				}
				return bus.WriteBits(slaveID, address, uint16(len(bits)), modbus.PackBits(bits))
			}
			return bus.WriteRegisters(slaveID, address, values)
		})
	},
}

// loopbackCmd 診斷回送命令
var loopbackCmd = &cobra.Command{
	Use:   "loopback [text]",
	Short: "診斷回送測試 (FC 08)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := "modbusd"
		if len(args) > 0 {
			text = args[0]
		}

		return withBus(cmd, func(bus *master.Bus, slaveID uint8) error {
			data := []byte(text)
			start := time.Now()
			n, err := bus.Loopback(slaveID, data)
			if err != nil {
				return err
			}
			fmt.Printf("回送 %d 位元組: %q (%v)\n", n, data, time.Since(start))
			return nil
		})
	},
}

// pingCmd 自訂功能碼命令
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "以自訂功能碼 101 詢問 slave",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBus(cmd, func(bus *master.Bus, slaveID uint8) error {
			reply, err := Ping(bus, slaveID)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		})
	},
}

// networkCmd 網路命令組
var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "網路管理命令",
	Long:  "管理 TCP slave 綁定用的虛擬 IP。",
}

// networkSetupCmd 設置網路
var networkSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "建立虛擬 IP",
	Long:  "在指定的網路介面上建立虛擬 IP 位址。",
	RunE: func(cmd *cobra.Command, args []string) error {
		ranges := applyNetworkFlags(cmd, appConfig)

		provisioner := NewNetworkProvisioner(appConfig.Network.Interface, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := provisioner.Setup(ctx, ranges); err != nil {
			return fmt.Errorf("設置網路失敗: %w", err)
		}

		fmt.Println("虛擬 IP 設置完成")
		return nil
	},
}

// networkTeardownCmd 移除網路
var networkTeardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "移除虛擬 IP",
	Long:  "移除配置中 (或參數指定) 的虛擬 IP 位址。",
	RunE: func(cmd *cobra.Command, args []string) error {
		ranges := applyNetworkFlags(cmd, appConfig)
		if len(ranges) == 0 {
			return fmt.Errorf("未指定要移除的 IP 範圍")
		}

		provisioner := NewNetworkProvisioner(appConfig.Network.Interface, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := provisioner.Teardown(ctx, ranges...); err != nil {
			return fmt.Errorf("移除網路失敗: %w", err)
		}

		fmt.Println("虛擬 IP 已移除")
		return nil
	},
}

// networkListCmd 列出網路
var networkListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出已配置 IP",
	Long:  "列出網路介面上目前的 IPv4 位址。",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyNetworkFlags(cmd, appConfig)

		provisioner := NewNetworkProvisioner(appConfig.Network.Interface, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ips, err := provisioner.List(ctx)
		if err != nil {
			return fmt.Errorf("列出 IP 失敗: %w", err)
		}

		if len(ips) == 0 {
			fmt.Println("目前沒有配置 IP")
			return nil
		}

		fmt.Printf("%s 上的 IP (%d 個):\n", appConfig.Network.Interface, len(ips))
		for _, ip := range ips {
			fmt.Printf("  - %s\n", ip.String())
		}
		return nil
	},
}

// configCmd 配置命令組
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
	Long:  "管理配置檔。",
}

// configValidateCmd 驗證配置
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "驗證配置檔",
	Long:  "驗證指定的配置檔是否有效。",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return err
		}

		fmt.Println("配置驗證通過")
		fmt.Printf("  TCP: %t (port %d, %d slaves)\n", cfg.Server.Enabled, cfg.Server.Port, cfg.Slaves.Count)
		fmt.Printf("  Serial: %q (%d baud, parity %s)\n", cfg.Serial.Device, cfg.Serial.Baudrate, cfg.Serial.Parity)
		fmt.Printf("  Interface: %s\n", cfg.Network.Interface)
		fmt.Printf("  IP Ranges: %d\n", len(cfg.Network.IPRanges))
		return nil
	},
}

// configGenerateCmd 生成配置
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成範例配置",
	Long:  "生成範例配置檔。",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = "config.json"
		}

		cfg := DefaultConfig()

		// 添加範例 IP 範圍與序列埠
		cfg.Network.IPRanges = []IPRange{
			{Start: "192.168.1.101", End: "192.168.1.110"},
		}
		cfg.Slaves.Count = 10
		cfg.Serial.Device = "/dev/ttyUSB0"

		if err := cfg.SaveConfig(output); err != nil {
			return fmt.Errorf("生成配置失敗: %w", err)
		}

		fmt.Printf("範例配置已生成: %s\n", output)
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("modbusd version %s\n", Version)
		fmt.Printf("  Build: %s\n", BuildTime)
		fmt.Printf("  Commit: %s\n", GitCommit)
	},
}

func init() {
	// 全域 flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")

	// start 命令 flags
	startCmd.Flags().StringP("ip", "i", "", "綁定 IP 位址")
	startCmd.Flags().IntP("count", "n", 0, "TCP slave 數量")
	startCmd.Flags().IntP("port", "p", 0, "監聽埠號")
	startCmd.Flags().Bool("no-tcp", false, "不啟動 TCP slave")
	startCmd.Flags().Uint8("slave-id", 0, "RTU slave ID")
	addSerialFlags(startCmd)

	// stop 命令 flags
	stopCmd.Flags().String("pid-file", "", "PID 檔案路徑")

	// master 命令 flags
	for _, cmd := range []*cobra.Command{readCmd, writeCmd, loopbackCmd, pingCmd} {
		cmd.Flags().StringP("transport", "t", "", "傳輸層 (tcp 或 rtu)")
		cmd.Flags().String("target", "", "TCP 主機[:埠] 或序列埠裝置")
		cmd.Flags().Uint8P("slave", "s", 0, "slave ID (0 為廣播)")
		cmd.Flags().Duration("timeout", 0, "回應逾時")
		addSerialFlags(cmd)
	}

	// network 命令 flags
	for _, cmd := range []*cobra.Command{networkSetupCmd, networkTeardownCmd, networkListCmd} {
		cmd.Flags().StringP("interface", "i", "", "網路介面")
	}
	for _, cmd := range []*cobra.Command{networkSetupCmd, networkTeardownCmd} {
		cmd.Flags().String("start", "", "起始 IP")
		cmd.Flags().String("end", "", "結束 IP")
		cmd.Flags().String("cidr", "", "CIDR 表示法")
	}

	// config 命令 flags
	configGenerateCmd.Flags().StringP("output", "o", "config.json", "輸出檔案路徑")

	// 組裝命令樹
	networkCmd.AddCommand(networkSetupCmd, networkTeardownCmd, networkListCmd)
	configCmd.AddCommand(configValidateCmd, configGenerateCmd)

	rootCmd.AddCommand(
		startCmd,
		stopCmd,
		readCmd,
		writeCmd,
		loopbackCmd,
		pingCmd,
		networkCmd,
		configCmd,
		versionCmd,
	)
}

func addSerialFlags(cmd *cobra.Command) {
	cmd.Flags().String("serial", "", "序列埠裝置")
	cmd.Flags().Int("baud", 0, "鮑率")
	cmd.Flags().String("parity", "", "同位檢查 (none, odd, even)")
	cmd.Flags().Bool("rts", false, "以 RTS 控制 RS-485 傳送致能")
}

func applySerialFlags(cmd *cobra.Command, cfg *Config) {
	if device, _ := cmd.Flags().GetString("serial"); device != "" {
		cfg.Serial.Device = device
	}
	if baud, _ := cmd.Flags().GetInt("baud"); baud > 0 {
		cfg.Serial.Baudrate = baud
	}
	if parity, _ := cmd.Flags().GetString("parity"); parity != "" {
		cfg.Serial.Parity = parity
	}
	if rts, _ := cmd.Flags().GetBool("rts"); rts {
		cfg.Serial.RTS = true
	}
}

// applyNetworkFlags 以參數覆蓋網路配置，回傳要處理的 IP 範圍
func applyNetworkFlags(cmd *cobra.Command, cfg *Config) []IPRange {
	if iface, _ := cmd.Flags().GetString("interface"); iface != "" {
		cfg.Network.Interface = iface
	}

	if cmd.Flags().Lookup("cidr") != nil {
		startIP, _ := cmd.Flags().GetString("start")
		endIP, _ := cmd.Flags().GetString("end")
		cidr, _ := cmd.Flags().GetString("cidr")

		if cidr != "" {
			cfg.Network.IPRanges = []IPRange{{CIDR: cidr}}
		} else if startIP != "" && endIP != "" {
			cfg.Network.IPRanges = []IPRange{{Start: startIP, End: endIP}}
		}
	}
	return cfg.Network.IPRanges
}

// withBus 依配置與參數建立 master，執行 fn 後關閉
func withBus(cmd *cobra.Command, fn func(bus *master.Bus, slaveID uint8) error) error {
	cfg := appConfig.Master
	if transport, _ := cmd.Flags().GetString("transport"); transport != "" {
		cfg.Transport = transport
	}
	if target, _ := cmd.Flags().GetString("target"); target != "" {
		cfg.Target = target
	}
	if cmd.Flags().Changed("slave") {
		cfg.SlaveID, _ = cmd.Flags().GetUint8("slave")
	}
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		cfg.Timeout = timeout
	}
	applySerialFlags(cmd, appConfig)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout+5*time.Second)
	defer cancel()

	bus, closeBus, err := openBus(ctx, cfg, appConfig)
	if err != nil {
		return err
	}
	defer closeBus()

	err = fn(bus, cfg.SlaveID)
	if code, ok := modbus.AsException(err); ok {
		return fmt.Errorf("slave %d 回應異常 %d: %w", cfg.SlaveID, uint8(code), err)
	}
	if errors.Is(err, modbus.ErrTimeout) {
		return fmt.Errorf("slave %d 無回應: %w", cfg.SlaveID, err)
	}
	return err
}

// openBus 建立 master 與其傳輸層
func openBus(ctx context.Context, cfg MasterConfig, appCfg *Config) (*master.Bus, func(), error) {
	busCfg := master.Config{Timeout: cfg.Timeout}

	switch cfg.Transport {
	case "rtu":
		device := cfg.Target
		if device == "" || device == DefaultConfig().Master.Target {
			device = appCfg.Serial.Device
		}
		settings, err := appCfg.Serial.SerialSettings()
		if err != nil {
			return nil, nil, err
		}

		line, port, err := rtu.OpenSerial(device, settings, logger)
		if err != nil {
			return nil, nil, err
		}
		var txEnable func(bool)
		if appCfg.Serial.RTS {
			txEnable = rtu.RTSControl(port.Port, logger)
		}

		transport, err := rtu.New(rtu.Config{Line: line, TxEnable: txEnable, Serial: settings, Logger: logger})
		if err != nil {
			line.Close()
			return nil, nil, err
		}
		bus := master.New(busCfg, transport, master.WithLogger(logger))
		return bus, func() { line.Close() }, nil

	case "tcp":
		transport := tcp.New(tcp.Config{Port: appCfg.Server.Port, Logger: logger})
		bus := master.New(busCfg, transport, master.WithLogger(logger))
		peer, err := bus.Connect(ctx, cfg.Target)
		if err != nil {
			return nil, nil, err
		}
		return bus, func() { bus.Disconnect(peer) }, nil

	default:
		return nil, nil, fmt.Errorf("無效的傳輸層: %q", cfg.Transport)
	}
}

// parseValues 解析寫入值，線圈接受 1/0、on/off、true/false
func parseValues(table modbus.Table, args []string) ([]uint16, error) {
	values := make([]uint16, 0, len(args))
	for _, arg := range args {
		if table == modbus.TableCoils {
			switch strings.ToLower(arg) {
			case "1", "on", "true":
				values = append(values, 1)
			case "0", "off", "false":
				values = append(values, 0)
			default:
				return nil, fmt.Errorf("無效的線圈值: %s", arg)
			}
			continue
		}

		v, err := strconv.ParseUint(arg, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("無效的暫存器值: %s", arg)
		}
		values = append(values, uint16(v))
	}
	return values, nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

func initLogger(cfg LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}

	output := cfg.OutputPath
	if output == "" {
		output = "stdout"
	}
	zcfg.OutputPaths = []string{output}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// Execute 執行 CLI
func Execute() error {
	return rootCmd.Execute()
}
