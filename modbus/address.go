package modbus

import (
	"fmt"
	"strconv"
	"strings"
)

// Table 資料表類型
type Table uint8

const (
	TableCoils            Table = 0
	TableDiscreteInputs   Table = 1
	TableInputRegisters   Table = 3
	TableHoldingRegisters Table = 4
)

func (t Table) String() string {
	switch t {
	case TableCoils:
		return "coils"
	case TableDiscreteInputs:
		return "discrete_inputs"
	case TableInputRegisters:
		return "input_registers"
	case TableHoldingRegisters:
		return "holding_registers"
	default:
		return fmt.Sprintf("table(%d)", uint8(t))
	}
}

// IsBit 是否為位元資料表
func (t Table) IsBit() bool {
	return t == TableCoils || t == TableDiscreteInputs
}

// Address 主站位址，高 16 位元為資料表，低 16 位元為從 1 起算的偏移
type Address uint32

// MakeAddress 由資料表與 1 起算偏移建立位址
func MakeAddress(table Table, offset uint16) Address {
	return Address(uint32(table)<<16 | uint32(offset))
}

// Table 取得資料表
func (a Address) Table() Table {
	return Table(a >> 16)
}

// Offset 取得 1 起算偏移
func (a Address) Offset() uint16 {
	return uint16(a)
}

// Wire 取得線上 0 起算位址
func (a Address) Wire() uint16 {
	return uint16(a - 1)
}

func (a Address) String() string {
	return fmt.Sprintf("%d:%d", a.Table(), a.Offset())
}

// ParseAddress 解析位址字串
//
// 支援 "table:offset" (例如 "4:1") 與傳統五位數格式 (例如 40001, 10001, 30001, 1)。
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if table, offset, ok := strings.Cut(s, ":"); ok {
		t, err := strconv.ParseUint(table, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("無效的資料表 %q: %w", table, err)
		}
		o, err := strconv.ParseUint(offset, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("無效的偏移 %q: %w", offset, err)
		}
		return checkAddress(Table(t), uint16(o))
	}

	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("無效的位址 %q: %w", s, err)
	}
	if n > 49999 {
		return 0, fmt.Errorf("位址超出範圍: %d", n)
	}
	return checkAddress(Table(n/10000), uint16(n%10000))
}

func checkAddress(t Table, offset uint16) (Address, error) {
	switch t {
	case TableCoils, TableDiscreteInputs, TableInputRegisters, TableHoldingRegisters:
	default:
		return 0, fmt.Errorf("不支援的資料表: %d", uint8(t))
	}
	if offset == 0 {
		return 0, fmt.Errorf("偏移必須從 1 起算")
	}
	return MakeAddress(t, offset), nil
}
