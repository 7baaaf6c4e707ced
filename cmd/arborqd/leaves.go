package main

import (
	"context"
	"encoding/json"

	"github.com/arborq/arborq"
)

// registerLeaves wires the leaf templates this deployment knows how to
// run. A real deployment would register one leaf per job type it
// supports; "echo" here only exists so the daemon has something to run
// out of the box.
func registerLeaves(q *arborq.Queue) {
	q.RegisterLeaf("echo", echoLeaf)
}

func echoLeaf(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		return json.RawMessage("null"), nil
	}
	return args[len(args)-1], nil
}
