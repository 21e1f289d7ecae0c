package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/xraph/chainhook/chainevent"
)

// ErrIgnored is returned for well-formed events whose topic is outside the
// token taxonomy.
var ErrIgnored = errors.New("source: topic not in taxonomy")

// ignoredTopics are emitted by the token contract but carry nothing that
// subscribers can subscribe to.
var ignoredTopics = map[string]bool{
	"init":     true,
	"fee_upd":  true,
	"pause":    true,
	"unpause":  true,
	"clawback": true,
	"adm_xfer": true,
}

// normalizer maps one upstream topic's data tuple onto canonical fields.
type normalizer struct {
	typ   chainevent.Type
	arity int
	apply func(d tuple, fields map[string]any) error
}

var normalizers = map[string]normalizer{
	"burn": {chainevent.TypeBurnSelf, 3, func(d tuple, f map[string]any) error {
		caller, err := d.address(0)
		if err != nil {
			return err
		}
		f["from"], f["burner"] = caller, caller
		return d.amounts(f, at{"amount": 1, "newSupply": 2})
	}},
	"tok_burn": {chainevent.TypeBurnSelf, 1, func(d tuple, f map[string]any) error {
		return d.amounts(f, at{"amount": 0})
	}},
	"admin_burn": {chainevent.TypeBurnAdmin, 4, func(d tuple, f map[string]any) error {
		if err := d.addresses(f, at{"admin": 0, "from": 1}); err != nil {
			return err
		}
		return d.amounts(f, at{"amount": 2, "newSupply": 3})
	}},
	"adm_burn": {chainevent.TypeBurnAdmin, 3, func(d tuple, f map[string]any) error {
		if err := d.addresses(f, at{"admin": 0, "from": 1}); err != nil {
			return err
		}
		return d.amounts(f, at{"amount": 2})
	}},
	"batch_burn": {chainevent.TypeBurnAdmin, 4, func(d tuple, f map[string]any) error {
		if err := d.addresses(f, at{"admin": 0}); err != nil {
			return err
		}
		count, err := d.count(1)
		if err != nil {
			return err
		}
		f["batch"], f["count"] = true, count
		return d.amounts(f, at{"amount": 2, "newSupply": 3})
	}},
	"tok_reg": {chainevent.TypeTokenCreated, 1, func(d tuple, f map[string]any) error {
		return d.addresses(f, at{"creator": 0})
	}},
	"meta_upd": {chainevent.TypeMetadataUpdated, 2, func(d tuple, f map[string]any) error {
		if err := d.addresses(f, at{"updater": 0}); err != nil {
			return err
		}
		uri, err := d.str(1)
		if err != nil {
			return err
		}
		f["metadataUri"] = uri
		return nil
	}},
}

// Normalizer converts raw events into validated canonical events.
type Normalizer struct {
	validator *chainevent.Validator
	now       func() time.Time
}

// NewNormalizer returns a Normalizer validating with v. A nil v uses the
// built-in field schemas.
func NewNormalizer(v *chainevent.Validator) *Normalizer {
	if v == nil {
		v = chainevent.MustValidator()
	}
	return &Normalizer{validator: v, now: time.Now}
}

// Normalize maps raw onto the taxonomy. It returns ErrIgnored for known
// non-taxonomy topics and an error wrapping chainevent.ErrMalformed for
// anything it cannot decode.
func (n *Normalizer) Normalize(raw RawEvent) (*chainevent.Event, error) {
	if len(raw.Topics) == 0 {
		return nil, fmt.Errorf("%w: no topics", chainevent.ErrMalformed)
	}
	var topic string
	if err := json.Unmarshal(raw.Topics[0], &topic); err != nil {
		return nil, fmt.Errorf("%w: topic symbol: %v", chainevent.ErrMalformed, err)
	}
	if ignoredTopics[topic] {
		return nil, fmt.Errorf("%w: %s", ErrIgnored, topic)
	}
	norm, ok := normalizers[topic]
	if !ok {
		return nil, fmt.Errorf("%w: unknown topic %q", chainevent.ErrMalformed, topic)
	}

	data, err := decodeTuple(raw.Data)
	if err != nil {
		return nil, err
	}
	if len(data) < norm.arity {
		return nil, fmt.Errorf("%w: %s: want %d values, got %d", chainevent.ErrMalformed, topic, norm.arity, len(data))
	}

	fields := make(map[string]any, norm.arity+1)
	token, err := tokenAddress(raw, fields)
	if err != nil {
		return nil, err
	}
	if err := norm.apply(data, fields); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", chainevent.ErrMalformed, topic, err)
	}

	evt := &chainevent.Event{
		Type:         norm.typ,
		TokenAddress: token,
		Fields:       fields,
		TxHash:       raw.TxHash,
		Ledger:       raw.Ledger,
		EventIndex:   raw.EventIndex,
		ObservedAt:   n.now().UTC(),
	}
	if err := n.validator.Validate(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// tokenAddress reads topic 1. Factory-style contracts put a token index
// there instead of an address, in which case the emitting contract is the
// token and the index is kept as a field.
func tokenAddress(raw RawEvent, fields map[string]any) (string, error) {
	if len(raw.Topics) < 2 {
		return raw.ContractAddress, nil
	}
	t := bytes.TrimSpace(raw.Topics[1])
	if len(t) > 0 && t[0] == '"' {
		var addr string
		if err := json.Unmarshal(t, &addr); err != nil {
			return "", fmt.Errorf("%w: token topic: %v", chainevent.ErrMalformed, err)
		}
		return addr, nil
	}
	var idx uint64
	if err := json.Unmarshal(t, &idx); err != nil {
		return "", fmt.Errorf("%w: token topic: %v", chainevent.ErrMalformed, err)
	}
	fields["tokenIndex"] = idx
	return raw.ContractAddress, nil
}

// tuple is a decoded event data vector.
type tuple []json.RawMessage

// decodeTuple accepts a JSON array or, for single-value events, a scalar.
func decodeTuple(data json.RawMessage) (tuple, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] != '[' {
		return tuple{data}, nil
	}
	var t tuple
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: data: %v", chainevent.ErrMalformed, err)
	}
	return t, nil
}

func (d tuple) str(i int) (string, error) {
	var s string
	if err := json.Unmarshal(d[i], &s); err != nil {
		return "", fmt.Errorf("value %d: want string", i)
	}
	return s, nil
}

func (d tuple) address(i int) (string, error) {
	s, err := d.str(i)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("value %d: empty address", i)
	}
	return s, nil
}

// at maps field names to tuple positions.
type at map[string]int

func (d tuple) addresses(f map[string]any, fields at) error {
	for name, i := range fields {
		v, err := d.address(i)
		if err != nil {
			return err
		}
		f[name] = v
	}
	return nil
}

var decimalRE = regexp.MustCompile(`^-?[0-9]+$`)

// amount decodes an i128 carried as a JSON integer or decimal string. The
// value is kept as a decimal string so no precision is lost.
func (d tuple) amount(i int) (string, error) {
	raw := bytes.TrimSpace(d[i])
	s := string(raw)
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("value %d: %v", i, err)
		}
	}
	if !decimalRE.MatchString(s) {
		return "", fmt.Errorf("value %d: %q is not an integer", i, s)
	}
	return s, nil
}

func (d tuple) amounts(f map[string]any, fields at) error {
	for name, i := range fields {
		v, err := d.amount(i)
		if err != nil {
			return err
		}
		f[name] = v
	}
	return nil
}

func (d tuple) count(i int) (uint32, error) {
	var n uint32
	if err := json.Unmarshal(d[i], &n); err != nil {
		return 0, fmt.Errorf("value %d: want count", i)
	}
	return n, nil
}
