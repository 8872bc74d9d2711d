package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/rs/xid"
)

type idKind uint8

const (
	idNull idKind = iota
	idString
	idNumber
)

// ID is a correlation id: null, a string, or an integer.
//
// IDs are comparable with ==. A string id never equals an integer id, even
// when their text is the same.
type ID struct {
	kind idKind
	str  string
	num  int64
}

// NullID is the id of errors raised before a request id could be determined.
var NullID = ID{}

func StringID(s string) ID { return ID{kind: idString, str: s} }

func IntID(n int64) ID { return ID{kind: idNumber, num: n} }

func (id ID) IsNull() bool { return id.kind == idNull }

// Value returns the id as nil, string, or int64.
func (id ID) Value() interface{} {
	switch id.kind {
	case idString:
		return id.str
	case idNumber:
		return id.num
	}
	return nil
}

func (id ID) String() string {
	switch id.kind {
	case idString:
		return strconv.Quote(id.str)
	case idNumber:
		return strconv.FormatInt(id.num, 10)
	}
	return "null"
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idString:
		return json.Marshal(id.str)
	case idNumber:
		return []byte(strconv.FormatInt(id.num, 10)), nil
	}
	return []byte("null"), nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	parsed, err := parseID(data)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// parseID accepts a JSON string, integer, or null.
func parseID(raw json.RawMessage) (ID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return NullID, fmt.Errorf("id: empty value")
	}
	switch raw[0] {
	case 'n':
		if string(raw) == "null" {
			return NullID, nil
		}
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return NullID, fmt.Errorf("id: %w", err)
		}
		return StringID(s), nil
	default:
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err == nil {
			return IntID(n), nil
		}
	}
	return NullID, fmt.Errorf("id must be a string or an integer, got %s", raw)
}

// IDGenerator allocates correlation ids for outgoing requests.
type IDGenerator interface {
	NextID() ID
}

// SessionIDs produces string ids of the form "<session>_<name>_<n>".
// The session part is random per generator, so independent peers in one
// process never hand out the same id.
type SessionIDs struct {
	prefix string
	count  atomic.Uint64
}

// NewSessionIDs returns a generator seeded with a fresh session prefix.
func NewSessionIDs(name string) *SessionIDs {
	prefix := xid.New().String()
	if name != "" {
		prefix += "_" + name
	}
	return &SessionIDs{prefix: prefix}
}

func (g *SessionIDs) NextID() ID {
	n := g.count.Add(1)
	return StringID(g.prefix + "_" + strconv.FormatUint(n, 10))
}

// SequentialIDs produces increasing integer ids.
type SequentialIDs struct {
	next atomic.Int64
}

// NewSequentialIDs returns a generator whose first id is start.
func NewSequentialIDs(start int64) *SequentialIDs {
	g := &SequentialIDs{}
	g.next.Store(start)
	return g
}

func (g *SequentialIDs) NextID() ID {
	return IntID(g.next.Add(1) - 1)
}
