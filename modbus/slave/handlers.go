package slave

import (
	"modbus-engine/modbus"
)

func readBits(t *Table, req modbus.ReadRequest, pdu []byte) (int, error) {
	quantity := int(req.Quantity)
	if quantity < 1 || quantity > modbus.MaxReadBits {
		return 0, modbus.ExceptionIllegalDataValue
	}
	if int(req.Address)+quantity > t.Size {
		return 0, modbus.ExceptionIllegalDataAddress
	}
	if t.Get == nil {
		return 0, modbus.ExceptionIllegalFunction
	}

	count := modbus.BitCount(quantity)
	pdu[1] = byte(count)
	data := pdu[2 : 2+count]
	clear(data)
	if err := t.Get.Get(req.Address, data, quantity); err != nil {
		return 0, err
	}

	// 未使用的高位元補 0
	if rem := quantity % 8; rem != 0 {
		data[count-1] &= byte(1<<rem - 1)
	}
	return 2 + count, nil
}

func readRegisters(t *Table, req modbus.ReadRequest, pdu []byte) (int, error) {
	quantity := int(req.Quantity)
	if quantity < 1 || quantity > modbus.MaxReadRegisters {
		return 0, modbus.ExceptionIllegalDataValue
	}
	if int(req.Address)+quantity > t.Size {
		return 0, modbus.ExceptionIllegalDataAddress
	}
	if t.Get == nil {
		return 0, modbus.ExceptionIllegalFunction
	}

	count := 2 * quantity
	pdu[1] = byte(count)
	if err := t.Get.Get(req.Address, pdu[2:2+count], quantity); err != nil {
		return 0, err
	}
	return 2 + count, nil
}

func writeCoil(t *Table, req modbus.WriteSingle) (int, error) {
	if req.Value != modbus.CoilOn && req.Value != modbus.CoilOff {
		return 0, modbus.ExceptionIllegalDataValue
	}
	if int(req.Address) >= t.Size {
		return 0, modbus.ExceptionIllegalDataAddress
	}
	if t.Set == nil {
		return 0, modbus.ExceptionIllegalFunction
	}

	bit := []byte{0}
	if req.Value == modbus.CoilOn {
		bit[0] = 1
	}
	if err := t.Set.Set(req.Address, bit, 1); err != nil {
		return 0, err
	}
	return 5, nil
}

func writeRegister(t *Table, req modbus.WriteSingle, pdu []byte) (int, error) {
	if int(req.Address) >= t.Size {
		return 0, modbus.ExceptionIllegalDataAddress
	}
	if t.Set == nil {
		return 0, modbus.ExceptionIllegalFunction
	}

	if err := t.Set.Set(req.Address, pdu[3:5], 1); err != nil {
		return 0, err
	}
	return 5, nil
}

func writeCoils(t *Table, req modbus.WriteMultipleRequest) (int, error) {
	quantity := int(req.Quantity)
	if quantity < 1 || quantity > modbus.MaxWriteBits {
		return 0, modbus.ExceptionIllegalDataValue
	}
	if int(req.Count) != modbus.BitCount(quantity) {
		return 0, modbus.ExceptionIllegalDataValue
	}
	if int(req.Address)+quantity > t.Size {
		return 0, modbus.ExceptionIllegalDataAddress
	}
	if len(req.Data) != int(req.Count) {
		return 0, modbus.ExceptionIllegalDataValue
	}
	if t.Set == nil {
		return 0, modbus.ExceptionIllegalFunction
	}

	if err := t.Set.Set(req.Address, req.Data, quantity); err != nil {
		return 0, err
	}
	return 5, nil
}

func writeRegisters(t *Table, req modbus.WriteMultipleRequest) (int, error) {
	quantity := int(req.Quantity)
	if quantity < 1 || quantity > modbus.MaxWriteRegisters {
		return 0, modbus.ExceptionIllegalDataValue
	}
	if int(req.Count) != 2*quantity {
		return 0, modbus.ExceptionIllegalDataValue
	}
	if int(req.Address)+quantity > t.Size {
		return 0, modbus.ExceptionIllegalDataAddress
	}
	if len(req.Data) != int(req.Count) {
		return 0, modbus.ExceptionIllegalDataValue
	}
	if t.Set == nil {
		return 0, modbus.ExceptionIllegalFunction
	}

	if err := t.Set.Set(req.Address, req.Data, quantity); err != nil {
		return 0, err
	}
	return 5, nil
}

// readWriteRegisters 先完成寫入再讀取
func readWriteRegisters(t *Table, req modbus.ReadWriteRequest, pdu []byte) (int, error) {
	writeQuantity := int(req.WriteQuantity)
	if writeQuantity < 1 || writeQuantity > modbus.MaxReadWriteWrite {
		return 0, modbus.ExceptionIllegalDataValue
	}
	if int(req.Count) != 2*writeQuantity {
		return 0, modbus.ExceptionIllegalDataValue
	}
	if int(req.WriteAddress)+writeQuantity > t.Size {
		return 0, modbus.ExceptionIllegalDataAddress
	}
	if len(req.Data) != int(req.Count) {
		return 0, modbus.ExceptionIllegalDataValue
	}
	if t.Set == nil {
		return 0, modbus.ExceptionIllegalFunction
	}

	readQuantity := int(req.ReadQuantity)
	if readQuantity < 1 || readQuantity > modbus.MaxReadRegisters {
		return 0, modbus.ExceptionIllegalDataValue
	}
	if int(req.ReadAddress)+readQuantity > t.Size {
		return 0, modbus.ExceptionIllegalDataAddress
	}
	if t.Get == nil {
		return 0, modbus.ExceptionIllegalFunction
	}

	if err := t.Set.Set(req.WriteAddress, req.Data, writeQuantity); err != nil {
		return 0, err
	}

	count := 2 * readQuantity
	pdu[1] = byte(count)
	if err := t.Get.Get(req.ReadAddress, pdu[2:2+count], readQuantity); err != nil {
		return 0, err
	}
	return 2 + count, nil
}

func diagnostics(req modbus.Diagnostic, size int) (int, error) {
	switch req.SubFunction {
	case modbus.DiagLoopback:
		return size, nil
	}
	return 0, modbus.ExceptionIllegalFunction
}

func vendor(iomap *IOMap, fc modbus.FunctionCode, pdu []byte, size int) (int, error) {
	for _, v := range iomap.Vendor {
		if v.Function != uint8(fc) {
			continue
		}
		n, err := v.Handler.Handle(pdu, size)
		switch {
		case err != nil:
			return 0, err
		case n < 0 && -n <= 0xFF:
			return 0, modbus.Exception(-n)
		case n < 0 || n > modbus.MaxPDUSize:
			return 0, modbus.ExceptionSlaveDeviceFailure
		}
		return n, nil
	}
	return 0, modbus.ExceptionIllegalFunction
}
