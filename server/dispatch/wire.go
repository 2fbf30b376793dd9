package dispatch

import (
	"encoding/json"

	"github.com/raulshma/manlab-sub013/server/store"
)

// wireOps maps internal command types to the operation names carried on
// the agent transport. A type missing here is unsupported and fails
// terminally without a dispatch attempt.
var wireOps = map[store.CommandType]string{
	store.CommandShellExecute:  "shell.execute",
	store.CommandScriptRun:     "script.run",
	store.CommandServiceAction: "service.action",
	store.CommandTerminalOpen:  "terminal.open",
	store.CommandLogTail:       "log.tail",
	store.CommandFileBrowse:    "file.browse",
	store.CommandAgentUpdate:   "agent.update",
	store.CommandReboot:        "power.reboot",
	store.CommandShutdown:      "power.shutdown",
}

var wireTypes = make(map[string]store.CommandType, len(wireOps))

func init() {
	for t, op := range wireOps {
		wireTypes[op] = t
	}
}

// WireOperation returns the transport operation name for a command type.
func WireOperation(t store.CommandType) (string, bool) {
	op, ok := wireOps[t]
	return op, ok
}

// CommandTypeForWire is the reverse lookup, used when parsing agent
// traffic.
func CommandTypeForWire(op string) (store.CommandType, bool) {
	t, ok := wireTypes[op]
	return t, ok
}

// Envelope is the message pushed to a node's live connection.
type Envelope struct {
	Op        string          `json:"op"`
	CommandID string          `json:"command_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
