package listener

import (
	"encoding/json"
	"strings"
)

// Mirrored entity kinds a notification may reference.
const (
	TableTasks = "tasks"
	TableEpics = "epics"
)

// Operations a notification may carry.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Event is the decoded form of a change notification: which table, which
// operation, which row. The listener holds no row data beyond this.
type Event struct {
	Table string `json:"table"`
	Op    string `json:"op"`
	ID    int64  `json:"id"`
}

// wirePayload accepts the field spellings seen on the channel. Triggers
// emit {table, op, id}; older publishers used operation/rowId.
type wirePayload struct {
	Table     string `json:"table"`
	Op        string `json:"op"`
	Operation string `json:"operation"`
	ID        int64  `json:"id"`
	RowID     int64  `json:"rowId"`
}

// decodePayload parses and validates a notification payload.
// Returns false for anything that doesn't match the wire contract;
// malformed payloads are dropped by the caller, never escalated.
func decodePayload(data []byte) (Event, bool) {
	var p wirePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Event{}, false
	}

	table := strings.ToLower(strings.TrimSpace(p.Table))
	if table != TableTasks && table != TableEpics {
		return Event{}, false
	}

	op := strings.ToLower(strings.TrimSpace(p.Op))
	if op == "" {
		op = strings.ToLower(strings.TrimSpace(p.Operation))
	}
	switch op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return Event{}, false
	}

	id := p.ID
	if id == 0 {
		id = p.RowID
	}
	if id <= 0 {
		return Event{}, false
	}

	return Event{Table: table, Op: op, ID: id}, true
}
