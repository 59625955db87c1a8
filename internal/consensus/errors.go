package consensus

import "fmt"

// ConsensusError means the local rule set cannot answer a question. It is
// never the fault of a peer and halts synchronization.
type ConsensusError struct {
	Height uint64
	Reason string
}

func (e *ConsensusError) Error() string {
	return fmt.Sprintf("consensus error at height %d: %s", e.Height, e.Reason)
}
