package collab

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyOps is returned when a change carries no recognized operation.
var ErrEmptyOps = errors.New("ops carry no operation")

// Ops is the fixed mutation vocabulary for document changes. Each field is
// last-writer-wins at its own granularity; there is no operational transform
// or CRDT merge. Concurrent edits to different fields compose, concurrent
// edits to the same field are resolved by the version gate alone.
type Ops struct {
	Apply map[string]json.RawMessage `json:"apply,omitempty"`
	Nodes json.RawMessage            `json:"nodes,omitempty"`
	Edges json.RawMessage            `json:"edges,omitempty"`
	Title *string                    `json:"title,omitempty"`
}

func (o Ops) isEmpty() bool {
	return len(o.Apply) == 0 && len(o.Nodes) == 0 && len(o.Edges) == 0 && o.Title == nil
}

// mergeOps computes the next document payload from the current one. "apply"
// object-merges keys into the JSON root, "nodes"/"edges" replace their arrays
// wholesale, "title" replaces the title string.
func mergeOps(current json.RawMessage, ops Ops) (json.RawMessage, error) {
	if ops.isEmpty() {
		return nil, ErrEmptyOps
	}

	root := map[string]json.RawMessage{}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &root); err != nil {
			return nil, fmt.Errorf("decode document data: %w", err)
		}
	}

	for key, value := range ops.Apply {
		root[key] = value
	}
	if len(ops.Nodes) > 0 {
		root["nodes"] = ops.Nodes
	}
	if len(ops.Edges) > 0 {
		root["edges"] = ops.Edges
	}
	if ops.Title != nil {
		title, err := json.Marshal(*ops.Title)
		if err != nil {
			return nil, fmt.Errorf("encode title: %w", err)
		}
		root["title"] = title
	}

	next, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("encode document data: %w", err)
	}
	return next, nil
}

// sheetState is the {nodes, edges} payload stored on a sheet.
type sheetState struct {
	Nodes json.RawMessage `json:"nodes"`
	Edges json.RawMessage `json:"edges"`
}

// mergeSheetPatch replaces the supplied arrays wholesale and leaves the
// absent ones unchanged.
func mergeSheetPatch(current json.RawMessage, nodes, edges json.RawMessage) (json.RawMessage, sheetState, error) {
	state := sheetState{
		Nodes: json.RawMessage(`[]`),
		Edges: json.RawMessage(`[]`),
	}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &state); err != nil {
			return nil, sheetState{}, fmt.Errorf("decode sheet data: %w", err)
		}
	}
	if len(nodes) > 0 {
		state.Nodes = nodes
	}
	if len(edges) > 0 {
		state.Edges = edges
	}

	next, err := json.Marshal(state)
	if err != nil {
		return nil, sheetState{}, fmt.Errorf("encode sheet data: %w", err)
	}
	return next, state, nil
}
