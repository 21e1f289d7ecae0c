// Package id provides prefix-qualified identifiers for chainhook records.
//
// Identifiers are TypeIDs ("sub_01h455vb4pex5vsknk084sn02q"): a short type
// prefix followed by a UUIDv7 suffix, so they sort by creation time and
// can be pasted into URLs unescaped.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix names the record type encoded in an ID.
type Prefix string

const (
	// PrefixSubscription marks webhook subscriptions.
	PrefixSubscription Prefix = "sub"
	// PrefixDeliveryLog marks delivery ledger rows.
	PrefixDeliveryLog Prefix = "dlog"
)

// ID is a TypeID with an explicit validity flag so the zero value can be
// told apart from a parsed identifier.
//
//nolint:recvcheck // UnmarshalText and Scan need pointer receivers.
type ID struct {
	tid   typeid.TypeID
	valid bool
}

// Nil is the zero ID. It renders as the empty string and stores as NULL.
var Nil ID

// New generates a fresh ID. An invalid prefix is a programming error and panics.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: generate %q: %v", prefix, err))
	}
	return ID{tid: tid, valid: true}
}

// NewSubscriptionID returns a new "sub" ID.
func NewSubscriptionID() ID { return New(PrefixSubscription) }

// NewDeliveryLogID returns a new "dlog" ID.
func NewDeliveryLogID() ID { return New(PrefixDeliveryLog) }

// Parse decodes any well-formed TypeID.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse: empty string")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{tid: tid, valid: true}, nil
}

// ParseAs decodes s and checks that it carries the wanted prefix.
func ParseAs(s string, want Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if got := parsed.Prefix(); got != want {
		return Nil, fmt.Errorf("id: %q has prefix %q, want %q", s, got, want)
	}
	return parsed, nil
}

// ParseSubscriptionID decodes a "sub" ID.
func ParseSubscriptionID(s string) (ID, error) { return ParseAs(s, PrefixSubscription) }

// ParseDeliveryLogID decodes a "dlog" ID.
func ParseDeliveryLogID(s string) (ID, error) { return ParseAs(s, PrefixDeliveryLog) }

func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.tid.String()
}

// Prefix reports the type prefix, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.tid.Prefix())
}

// IsNil reports whether i is the zero ID.
func (i ID) IsNil() bool { return !i.valid }

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input yields Nil.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value implements driver.Valuer. Nil is written as SQL NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // NULL
	}
	return i.tid.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T", src)
	}
}
