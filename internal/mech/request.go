package mech

// Request 描述一条链上登记的计算请求。
// 请求一经观察即不可变，其标识由合约按请求方单调递增分配。
type Request struct {
	ID          uint64 `json:"id"`
	Requester   string `json:"requester"`
	ToolID      string `json:"tool_id"`
	PayloadHash string `json:"payload_hash"`
	Payment     string `json:"payment"`
	BlockHeight uint64 `json:"block_height"`
}

// ResolvedPayload 是根据请求引用的数据块解码并通过校验的工具输入。
// 由 Resolver 构造，交给执行引擎后不再修改。
type ResolvedPayload struct {
	ToolID string         `json:"tool_id"`
	Fields map[string]any `json:"fields"`
	Raw    []byte         `json:"-"`
}

// ResultStatus 表示一次工具执行的结论。
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
)

// Result 保存一次工具执行的产出。
type Result struct {
	ToolID      string       `json:"tool_id"`
	Status      ResultStatus `json:"status"`
	Output      []byte       `json:"output,omitempty"`
	ErrorKind   string       `json:"error_kind,omitempty"`
	ErrorDetail string       `json:"error_detail,omitempty"`
}
