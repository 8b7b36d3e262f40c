package clusterkv

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes command arguments to wire bytes and parses a node's
// reply. The wire format itself is treated as an external collaborator;
// this module ships one real implementation so the core is exercisable.
type Codec interface {
	Marshal(opcode string, args []interface{}) ([]byte, error)
	Unmarshal(data []byte) (interface{}, error)
}

// MsgpackCodec is the default Codec, built on msgpack/v5. Unlike a bare
// msgpack.Marshal(args) call, it understands decimal.Decimal as a first
// class argument type so numeric commands (e.g. an INCRBY-style opcode)
// don't lose precision round-tripping through float64.
type MsgpackCodec struct{}

type wireCommand struct {
	Opcode string        `msgpack:"op"`
	Args   []interface{} `msgpack:"args"`
}

func (MsgpackCodec) Marshal(opcode string, args []interface{}) ([]byte, error) {
	normalized := make([]interface{}, len(args))
	for i, a := range args {
		if d, ok := a.(decimal.Decimal); ok {
			normalized[i] = d.String()
			continue
		}
		normalized[i] = a
	}
	return msgpack.Marshal(wireCommand{Opcode: opcode, Args: normalized})
}

func (MsgpackCodec) Unmarshal(data []byte) (interface{}, error) {
	var v interface{}
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("clusterkv: decode reply: %w", err)
	}
	return v, nil
}

// DecodeDecimal is a convenience for callers that know a reply slot holds
// a decimal-shaped string and want it back as decimal.Decimal rather than
// a bare string.
func DecodeDecimal(v interface{}) (decimal.Decimal, error) {
	s, ok := v.(string)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("clusterkv: reply is not a decimal-shaped string: %T", v)
	}
	return decimal.NewFromString(s)
}
