package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Seq    uint64 `json:"seq,omitempty"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

// NewSeqResponse reports the sequence a write was assigned.
func NewSeqResponse(seq uint64) Response {
	return Response{Status: StatusSuccess, Seq: seq}
}

func NewDataResponse(data any) Response {
	return Response{Status: StatusSuccess, Data: data}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// RowsPayload is the body of row writes and deletes. Each row maps column
// names to values; missing columns are null.
type RowsPayload struct {
	Rows []map[string]any `json:"rows"`
}

type RecordView struct {
	Seq uint64         `json:"seq"`
	Row map[string]any `json:"row"`
}

// ScanResult is the body of a row scan.
type ScanResult struct {
	Watermark uint64       `json:"watermark"`
	Rows      []RecordView `json:"rows"`
	// More is set when the scan stopped at the limit.
	More bool `json:"more,omitempty"`
}
