package broker

import "time"

// Worker protocol version and command identifiers, adapted from the
// Majordomo Protocol v0.2 worker side: READY/REQUEST/HEARTBEAT/DISCONNECT.
// There is no client-facing half here — dispatch is driven entirely by the
// producer loop polling the queue store, not by a client REQUEST frame.
const (
	// WorkerProtocol identifies this broker's worker wire protocol in the
	// header frame, analogous to MDPW02.
	WorkerProtocol = "MDPW02"

	// HeartbeatLiveness is the number of heartbeat cycles a worker is
	// deemed dead after.
	HeartbeatLiveness = 3

	// HeartbeatInterval is how often the broker sends heartbeats to idle
	// workers. Expired workers are purged on every router loop pass.
	HeartbeatInterval = 2500 * time.Millisecond

	// HeartbeatExpiry is the total grace period before an unresponsive
	// worker is purged.
	HeartbeatExpiry = HeartbeatInterval * HeartbeatLiveness

	// ProducerTick is the polling interval of the producer loop that reads
	// CREATED and PROCESSING items from the queue store.
	ProducerTick = 1 * time.Second
)

// Worker command bytes.
const (
	CmdReady      = string(rune(0x01))
	CmdRequest    = string(rune(0x02))
	CmdHeartbeat  = string(rune(0x03))
	CmdDisconnect = string(rune(0x04))
)

// commandNames names commands for logging.
var commandNames = map[string]string{
	CmdReady:      "READY",
	CmdRequest:    "REQUEST",
	CmdHeartbeat:  "HEARTBEAT",
	CmdDisconnect: "DISCONNECT",
}
