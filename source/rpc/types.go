package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/xraph/chainhook/source"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// EventFilter narrows getEvents to a set of contracts.
type EventFilter struct {
	Type        string   `json:"type"`
	ContractIDs []string `json:"contractIds,omitempty"`
}

// Pagination pages through getEvents results.
type Pagination struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// GetEventsParams are the getEvents parameters. StartLedger and the
// pagination cursor are mutually exclusive.
type GetEventsParams struct {
	StartLedger int64         `json:"startLedger,omitempty"`
	Filters     []EventFilter `json:"filters,omitempty"`
	Pagination  *Pagination   `json:"pagination,omitempty"`
}

// GetEventsResult is one page of events.
type GetEventsResult struct {
	Events       []source.RawEvent `json:"events"`
	LatestLedger int64             `json:"latestLedger"`
	Cursor       string            `json:"cursor,omitempty"`
}

// LatestLedgerResult is the getLatestLedger result.
type LatestLedgerResult struct {
	ID              string `json:"id"`
	ProtocolVersion int    `json:"protocolVersion"`
	Sequence        int64  `json:"sequence"`
}
