package clusterkv

import "time"

const (
	// headerLengthBytes is the size of the frame's length prefix.
	headerLengthBytes = 4
	// AskingOpcode is the one-shot probe command prepended to a pipeline
	// when a slot's NodeSource carries an ASK redirect.
	AskingOpcode = "ASKING"
	// AuthOpcode is sent by the reconnection probe before PING when the
	// endpoint is password-protected.
	AuthOpcode = "AUTH"
	// PingOpcode is step 3 of the reconnection probe (§4.B).
	PingOpcode = "PING"
	// PongReply is the literal reply PingOpcode must receive to count as
	// a healthy probe.
	PongReply = "PONG"

	// defaultRetryIntervalUnit is the undocumented-but-load-bearing
	// retry-interval multiplier. The executor package keeps its own copy of
	// this value as the default executor.Config.RetryIntervalUnit, which
	// multiplies Config.RetryInterval to get the pre-response attempt timeout.
	defaultRetryIntervalUnit = 100 * time.Millisecond
)
