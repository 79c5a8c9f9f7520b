// Package idgen produces opaque identifiers for listeners and calls.
package idgen

import (
	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

type Generator struct {
	node *snowflake.Node
}

// New returns a Generator bound to the given snowflake node. If the node
// id is out of range the generator falls back to KSUIDs.
func New(nodeID int64) *Generator {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return &Generator{}
	}
	return &Generator{node: node}
}

// ListenerID returns a short, time-ordered id for an event listener.
func (g *Generator) ListenerID() string {
	if g == nil || g.node == nil {
		return ksuid.New().String()
	}
	return g.node.Generate().String()
}

// CallID returns a globally unique call id.
func (g *Generator) CallID() string {
	return ksuid.New().String()
}
