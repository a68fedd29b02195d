package consistency

// QuorumCalculator derives quorum sizes from a replica set size.
type QuorumCalculator struct{}

func NewQuorumCalculator() *QuorumCalculator {
	return &QuorumCalculator{}
}

// ReadQuorum returns the number of replicas a quorum read must agree on.
// With a write quorum of n/2+1 the two always overlap in at least one replica.
func (q *QuorumCalculator) ReadQuorum(replicaSetSize int) int {
	if replicaSetSize <= 0 {
		return 1
	}
	return replicaSetSize - replicaSetSize/2
}
