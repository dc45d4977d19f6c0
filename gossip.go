package agora

import (
	"github.com/hashicorp/memberlist"
)

// gossip plugs a `GossipDirectory` into memberlist.
type gossip struct {
	dir *GossipDirectory
}

var (
	_ memberlist.Delegate      = (*gossip)(nil)
	_ memberlist.EventDelegate = (*gossip)(nil)
)

func (g *gossip) NodeMeta(limit int) []byte {
	g.dir.lk.RLock()
	defer g.dir.lk.RUnlock()
	meta := encodeClaims(g.dir.local)
	if len(meta) > limit {
		// Bind refuses names which would not fit.
		return nil
	}
	return meta
}

func (g *gossip) NotifyMsg([]byte) {}

func (g *gossip) GetBroadcasts(int, int) [][]byte { return nil }

func (g *gossip) LocalState(bool) []byte { return nil }

func (g *gossip) MergeRemoteState([]byte, bool) {}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	g.record(node)
	g.dir.logger.Info("peer joined cluster", LabelPeerName.L(node.Name), LabelPeerAddr.L(node.Address()))
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	g.dir.lk.Lock()
	g.dir.apply(node.Name, nil)
	g.dir.lk.Unlock()
	g.dir.logger.Info("peer left cluster", LabelPeerName.L(node.Name), LabelPeerAddr.L(node.Address()))
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	g.record(node)
	g.dir.logger.Debug("peer updated", LabelPeerName.L(node.Name))
}

// record indexes the claims of a peer. Our own claims are applied as
// soon as they change, the gossiped copy may lag behind.
func (g *gossip) record(node *memberlist.Node) {
	if node.Name == g.dir.self {
		return
	}
	claims, err := decodeClaims(node.Meta)
	if err != nil {
		g.dir.logger.Error("invalid node metadata", LabelPeerName.L(node.Name), LabelError.L(err))
		return
	}
	g.dir.lk.Lock()
	g.dir.apply(node.Name, claims)
	g.dir.lk.Unlock()
}
