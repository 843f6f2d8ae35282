package main

import (
	"fmt"
	"sync"

	"modbus-engine/modbus"
	"modbus-engine/modbus/slave"
)

// RegisterMap 線程安全的暫存器映射表，提供 slave 的四個標準資料表
//
// 位址一律為從 0 起算的線上位址。
type RegisterMap struct {
	mu sync.RWMutex

	coils            []bool   // 0x - Coils
	discreteInputs   []bool   // 1x - Discrete Inputs
	inputRegisters   []uint16 // 3x - Input Registers
	holdingRegisters []uint16 // 4x - Holding Registers
}

// NewRegisterMap 建立新的暫存器映射表
func NewRegisterMap(coilSize, discreteSize, inputSize, holdingSize int) *RegisterMap {
	return &RegisterMap{
		coils:            make([]bool, coilSize),
		discreteInputs:   make([]bool, discreteSize),
		inputRegisters:   make([]uint16, inputSize),
		holdingRegisters: make([]uint16, holdingSize),
	}
}

// NewSampleRegisterMap 依配置建立範例裝置：離散輸入全部為 1，輸入暫存器為 0x1100|offset
func NewSampleRegisterMap(cfg SlavesConfig) *RegisterMap {
	rm := NewRegisterMap(cfg.Coils, cfg.DiscreteInputs, cfg.InputRegisters, cfg.HoldingRegisters)
	for i := range rm.discreteInputs {
		rm.discreteInputs[i] = true
	}
	for i := range rm.inputRegisters {
		rm.inputRegisters[i] = 0x1100 | uint16(i&0xFF)
	}
	return rm
}

// checkRange 檢查 [address, address+quantity) 是否在 size 之內
func checkRange(name string, address uint16, quantity, size int) error {
	if quantity < 1 || int(address)+quantity > size {
		return fmt.Errorf("%s位址超出範圍: %d-%d", name, address, int(address)+quantity-1)
	}
	return nil
}

// --- Coils (0x) ---

// ReadCoils 讀取多個線圈
func (rm *RegisterMap) ReadCoils(address uint16, quantity int) ([]bool, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if err := checkRange("線圈", address, quantity, len(rm.coils)); err != nil {
		return nil, err
	}
	return append([]bool(nil), rm.coils[address:int(address)+quantity]...), nil
}

// WriteCoils 寫入多個線圈
func (rm *RegisterMap) WriteCoils(address uint16, values []bool) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if err := checkRange("線圈", address, len(values), len(rm.coils)); err != nil {
		return err
	}
	copy(rm.coils[address:], values)
	return nil
}

// --- Discrete Inputs (1x) ---

// ReadDiscreteInputs 讀取多個離散輸入
func (rm *RegisterMap) ReadDiscreteInputs(address uint16, quantity int) ([]bool, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if err := checkRange("離散輸入", address, quantity, len(rm.discreteInputs)); err != nil {
		return nil, err
	}
	return append([]bool(nil), rm.discreteInputs[address:int(address)+quantity]...), nil
}

// SetDiscreteInput 設定離散輸入 (內部用)
func (rm *RegisterMap) SetDiscreteInput(address uint16, value bool) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if err := checkRange("離散輸入", address, 1, len(rm.discreteInputs)); err != nil {
		return err
	}
	rm.discreteInputs[address] = value
	return nil
}

// --- Input Registers (3x) ---

// ReadInputRegisters 讀取多個輸入暫存器
func (rm *RegisterMap) ReadInputRegisters(address uint16, quantity int) ([]uint16, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if err := checkRange("輸入暫存器", address, quantity, len(rm.inputRegisters)); err != nil {
		return nil, err
	}
	return append([]uint16(nil), rm.inputRegisters[address:int(address)+quantity]...), nil
}

// SetInputRegister 設定輸入暫存器 (內部用)
func (rm *RegisterMap) SetInputRegister(address uint16, value uint16) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if err := checkRange("輸入暫存器", address, 1, len(rm.inputRegisters)); err != nil {
		return err
	}
	rm.inputRegisters[address] = value
	return nil
}

// --- Holding Registers (4x) ---

// ReadHoldingRegisters 讀取多個保持暫存器
func (rm *RegisterMap) ReadHoldingRegisters(address uint16, quantity int) ([]uint16, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if err := checkRange("保持暫存器", address, quantity, len(rm.holdingRegisters)); err != nil {
		return nil, err
	}
	return append([]uint16(nil), rm.holdingRegisters[address:int(address)+quantity]...), nil
}

// WriteHoldingRegisters 寫入多個保持暫存器
func (rm *RegisterMap) WriteHoldingRegisters(address uint16, values []uint16) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if err := checkRange("保持暫存器", address, len(values), len(rm.holdingRegisters)); err != nil {
		return err
	}
	copy(rm.holdingRegisters[address:], values)
	return nil
}

// --- slave 資料表 ---

// IOMap 將映射表包裝為 slave 資料表，大小為 0 的表不提供
func (rm *RegisterMap) IOMap(vendor ...slave.VendorFunc) *slave.IOMap {
	iomap := &slave.IOMap{Vendor: vendor}

	if n := len(rm.coils); n > 0 {
		iomap.Coils = slave.Table{
			Size: n,
			Get:  slave.GetFunc(rm.getBits(rm.ReadCoils)),
			Set: slave.SetFunc(func(address uint16, data []byte, quantity int) error {
				return rm.WriteCoils(address, modbus.UnpackBits(data, quantity))
			}),
		}
	}
	if n := len(rm.discreteInputs); n > 0 {
		iomap.Inputs = slave.Table{
			Size: n,
			Get:  slave.GetFunc(rm.getBits(rm.ReadDiscreteInputs)),
		}
	}
	if n := len(rm.holdingRegisters); n > 0 {
		iomap.HoldingRegisters = slave.Table{
			Size: n,
			Get:  slave.GetFunc(rm.getRegisters(rm.ReadHoldingRegisters)),
			Set: slave.SetFunc(func(address uint16, data []byte, quantity int) error {
				return rm.WriteHoldingRegisters(address, modbus.BytesToRegisters(data[:quantity*2]))
			}),
		}
	}
	if n := len(rm.inputRegisters); n > 0 {
		iomap.InputRegisters = slave.Table{
			Size: n,
			Get:  slave.GetFunc(rm.getRegisters(rm.ReadInputRegisters)),
		}
	}

	return iomap
}

func (rm *RegisterMap) getBits(read func(uint16, int) ([]bool, error)) func(uint16, []byte, int) error {
	return func(address uint16, data []byte, quantity int) error {
		bits, err := read(address, quantity)
		if err != nil {
			return err
		}
		for i, bit := range bits {
			modbus.BitSet(data, i, bit)
		}
		return nil
	}
}

func (rm *RegisterMap) getRegisters(read func(uint16, int) ([]uint16, error)) func(uint16, []byte, int) error {
	return func(address uint16, data []byte, quantity int) error {
		regs, err := read(address, quantity)
		if err != nil {
			return err
		}
		for i, reg := range regs {
			modbus.RegSet(data, i, reg)
		}
		return nil
	}
}
