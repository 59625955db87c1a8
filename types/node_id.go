package types

import (
	"errors"
	"strings"
)

// NodeID is the opaque identity of a remote peer as reported by the
// transport layer.
type NodeID string

// Validate reports whether the id is usable as a map key and in logs.
func (id NodeID) Validate() error {
	if len(id) == 0 {
		return errors.New("empty node ID")
	}
	if strings.ContainsAny(string(id), " \t\n") {
		return errors.New("node ID contains whitespace")
	}
	return nil
}

// NodeIDSet is a helper for membership tests over a list of peers.
type NodeIDSet map[NodeID]struct{}

func NewNodeIDSet(ids ...NodeID) NodeIDSet {
	s := make(NodeIDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s NodeIDSet) Has(id NodeID) bool {
	_, ok := s[id]
	return ok
}
