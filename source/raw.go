package source

import (
	"encoding/json"

	"github.com/xraph/chainhook/chainevent"
)

// RawEvent is a contract event as returned by the network's query interface.
// Topics and Data hold JSON-decoded contract values: symbols and addresses
// as strings, integers as numbers or decimal strings.
type RawEvent struct {
	ContractAddress string            `json:"contract_address"`
	Topics          []json.RawMessage `json:"topics"`
	Data            json.RawMessage   `json:"data"`
	TxHash          string            `json:"tx_hash"`
	Ledger          int64             `json:"ledger"`
	EventIndex      int               `json:"event_index"`
}

// Position is the stream position of the raw event.
func (r *RawEvent) Position() chainevent.Cursor {
	return chainevent.Cursor{Ledger: r.Ledger, EventIndex: r.EventIndex}
}

// Key is the idempotency key of the raw event.
func (r *RawEvent) Key() chainevent.Key {
	return chainevent.Key{TxHash: r.TxHash, EventIndex: r.EventIndex}
}
