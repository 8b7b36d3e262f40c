package clusterkv

// Command is the unit the whole stack moves: a wire instruction plus the
// bookkeeping the batch accumulator and executor need around it (§3 Command
// data model). Sequence is assigned monotonically at enqueue time by the
// batch accumulator and governs final result ordering (§3 I4); it is left
// zero for commands built outside a batch (e.g. the reconnection probe's
// PING/AUTH, which has no user-facing result to order).
type Command struct {
	Codec    Codec
	Opcode   string
	Args     []interface{}
	Sequence uint64

	promise *Future
}

// NewCommand builds a Command with a fresh, unresolved response promise.
// A nil codec defaults to MsgpackCodec.
func NewCommand(codec Codec, opcode string, args []interface{}) *Command {
	if codec == nil {
		codec = MsgpackCodec{}
	}
	return &Command{Codec: codec, Opcode: opcode, Args: args, promise: NewFuture()}
}

// Promise returns the command's response future. The owning Connection's
// read loop delivers the reply into it, and the executor filters
// already-successful commands out of retried pipelines via
// Promise().IsSuccess().
func (c *Command) Promise() *Future {
	if c.promise == nil {
		c.promise = NewFuture()
	}
	return c.promise
}

// Marshal encodes the command body for the wire using its codec.
func (c *Command) Marshal() ([]byte, error) {
	return c.Codec.Marshal(c.Opcode, c.Args)
}
