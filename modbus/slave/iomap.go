package slave

// Getter 讀取資料表內容
//
// data 為線上格式: 位元表為 LSB 優先打包，暫存器表為大端序。
type Getter interface {
	Get(address uint16, data []byte, quantity int) error
}

// GetFunc 函式形式的 Getter
type GetFunc func(address uint16, data []byte, quantity int) error

// Get 實作 Getter
func (f GetFunc) Get(address uint16, data []byte, quantity int) error {
	return f(address, data, quantity)
}

// Setter 寫入資料表內容，data 格式同 Getter
type Setter interface {
	Set(address uint16, data []byte, quantity int) error
}

// SetFunc 函式形式的 Setter
type SetFunc func(address uint16, data []byte, quantity int) error

// Set 實作 Setter
func (f SetFunc) Set(address uint16, data []byte, quantity int) error {
	return f(address, data, quantity)
}

// Table I/O 資料表，Get 或 Set 為 nil 表示不支援該方向
type Table struct {
	Size int
	Get  Getter
	Set  Setter
}

// VendorHandler 處理自訂功能碼
//
// pdu 為整個 PDU 緩衝區 (容量 MaxPDUSize)，size 為請求長度；
// 回應直接寫入 pdu 並回傳長度，回傳 0 表示不回應。
// 回傳負值 -X 時回應異常碼 X；長度超過 MaxPDUSize 時回應 SlaveDeviceFailure。
type VendorHandler interface {
	Handle(pdu []byte, size int) (int, error)
}

// VendorHandlerFunc 函式形式的 VendorHandler
type VendorHandlerFunc func(pdu []byte, size int) (int, error)

// Handle 實作 VendorHandler
func (f VendorHandlerFunc) Handle(pdu []byte, size int) (int, error) {
	return f(pdu, size)
}

// VendorFunc 自訂功能碼對應
type VendorFunc struct {
	Function uint8
	Handler  VendorHandler
}

// IOMap slave 的四個標準資料表與自訂功能碼
type IOMap struct {
	Coils            Table
	Inputs           Table
	HoldingRegisters Table
	InputRegisters   Table
	Vendor           []VendorFunc
}
