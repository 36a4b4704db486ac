// Package role holds the per-process role of a replica and the peer-set size
// the quorum threshold is derived from.
package role

import (
	"sort"

	"github.com/pkg/errors"
)

// PeerID identifies a replica on the network.
type PeerID string

// Role is resolved once at startup. Only the live peer set changes afterwards.
type Role struct {
	self       PeerID
	primary    bool
	primaryID  PeerID
	configured uint32
	live       map[PeerID]struct{}
}

// New validates the deployment configuration and builds the role.
// primaryID may be empty when secondaries are not told who the primary is.
func New(self PeerID, isPrimary bool, primaryID PeerID, peerCount uint32) (*Role, error) {
	if self == "" {
		return nil, errors.New("self peer id is empty")
	}
	if peerCount == 0 {
		return nil, errors.New("peer count must be positive")
	}
	if isPrimary && primaryID != "" && primaryID != self {
		return nil, errors.Errorf("node %s is configured as primary but primary id is %s", self, primaryID)
	}
	if !isPrimary && primaryID == self {
		return nil, errors.Errorf("node %s is the configured primary but runs as secondary", self)
	}
	if isPrimary {
		primaryID = self
	}

	return &Role{
		self:       self,
		primary:    isPrimary,
		primaryID:  primaryID,
		configured: peerCount,
		live:       make(map[PeerID]struct{}),
	}, nil
}

func (r *Role) Self() PeerID {
	return r.self
}

func (r *Role) IsPrimary() bool {
	return r.primary
}

// Primary returns the primary's id, or "" if it is unknown to this node.
func (r *Role) Primary() PeerID {
	return r.primaryID
}

// PeerCount is the effective network size n. It never drops below the
// configured deployment size.
func (r *Role) PeerCount() uint32 {
	n := uint32(len(r.live)) + 1
	if n < r.configured {
		return r.configured
	}
	return n
}

// FaultTolerance returns f = (n-1)/3.
func (r *Role) FaultTolerance() uint32 {
	return (r.PeerCount() - 1) / 3
}

// QuorumThreshold returns 2f+1.
func (r *Role) QuorumThreshold() int {
	return int(2*r.FaultTolerance() + 1)
}

// LearnPrimary records id as the primary when none is known yet. It reports
// whether the primary changed.
func (r *Role) LearnPrimary(id PeerID) bool {
	if r.primaryID != "" || id == "" || id == r.self {
		return false
	}
	r.primaryID = id
	return true
}

// Join marks a peer live and reports whether the effective peer count changed.
func (r *Role) Join(id PeerID) bool {
	if id == r.self {
		return false
	}
	if _, ok := r.live[id]; ok {
		return false
	}

	before := r.PeerCount()
	r.live[id] = struct{}{}
	return r.PeerCount() != before
}

// Leave removes a live peer and reports whether the effective peer count changed.
func (r *Role) Leave(id PeerID) bool {
	if _, ok := r.live[id]; !ok {
		return false
	}

	before := r.PeerCount()
	delete(r.live, id)
	return r.PeerCount() != before
}

// Peers returns the live peers in sorted order.
func (r *Role) Peers() []PeerID {
	peers := make([]PeerID, 0, len(r.live))
	for id := range r.live {
		peers = append(peers, id)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}
