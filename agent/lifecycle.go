package agent

import (
	"fmt"
	"slices"
)

// Node is one step of the fixed conversation graph.
type Node string

const (
	NodeStart       Node = "start"
	NodeReason      Node = "reason"
	NodeRoute       Node = "route"
	NodeClassify    Node = "classify"
	NodeAwaitReview Node = "await_review"
	NodeExecute     Node = "execute"
	NodeRetrieve    Node = "retrieve"
	NodeFinalize    Node = "finalize"
	// NodeEnd is the idle resting node: the thread awaits the next user input.
	NodeEnd Node = "end"
)

var knownNodes = []Node{
	NodeStart,
	NodeReason,
	NodeRoute,
	NodeClassify,
	NodeAwaitReview,
	NodeExecute,
	NodeRetrieve,
	NodeFinalize,
	NodeEnd,
}

// IsKnown reports whether n belongs to the closed node enumeration.
func (n Node) IsKnown() bool {
	return slices.Contains(knownNodes, n)
}

// resting nodes stop the driver loop and wait for an external call.
func (n Node) resting() bool {
	return n == NodeEnd || n == NodeAwaitReview
}

// allowedNodeTransitions is keyed by the node that ran and lists the nodes
// its checkpoint may hand over to.
var allowedNodeTransitions = map[Node]map[Node]struct{}{
	NodeStart: {
		NodeReason: {},
	},
	NodeReason: {
		NodeRoute: {},
	},
	NodeRoute: {
		NodeFinalize: {},
		NodeClassify: {},
	},
	NodeClassify: {
		NodeExecute:     {},
		NodeAwaitReview: {},
	},
	NodeAwaitReview: {
		NodeExecute: {},
		NodeReason:  {},
	},
	NodeExecute: {
		NodeRetrieve: {},
		NodeReason:   {},
	},
	NodeRetrieve: {
		NodeReason: {},
	},
	NodeFinalize: {
		NodeEnd: {},
	},
	NodeEnd: {
		NodeEnd: {},
	},
}

func validateNodeTransition(from, to Node) error {
	allowed, ok := allowedNodeTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source node %q", ErrInvalidTransition, from)
	}
	if _, ok := allowed[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
