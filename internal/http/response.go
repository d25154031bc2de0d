package http

import "noderepl/pkg/memtable"

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
	Status  Status `json:"status,omitempty"`
	Value   string `json:"value,omitempty"`
	Version uint64 `json:"version,omitempty"`
	// Previous is the value replaced or removed by a write.
	Previous *string  `json:"previous,omitempty"`
	Items    []KVItem `json:"items,omitempty"`
	Error    string   `json:"error,omitempty"`
}

type KVItem struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Version uint64 `json:"version"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(it memtable.Item) Response {
	return Response{Status: StatusSuccess, Value: string(it.Value), Version: it.Version}
}

func NewWriteResponse(resp memtable.Response) Response {
	out := NewSuccessResponse()
	if resp.Found {
		prev := string(resp.Item.Value)
		out.Previous = &prev
	}
	return out
}

func NewScanResponse(items []memtable.Item) Response {
	out := Response{Status: StatusSuccess, Items: make([]KVItem, 0, len(items))}
	for _, it := range items {
		out.Items = append(out.Items, KVItem{Key: string(it.Key), Value: string(it.Value), Version: it.Version})
	}
	return out
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
