package agora

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/armon/go-radix"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/agora/pkg/mailbox"
	"google.golang.org/protobuf/encoding/protowire"
)

// GossipConfig represents configuration of a `GossipDirectory`.
type GossipConfig struct {
	// NodeName MUST be unique in the cluster. Defaults to the hostname.
	NodeName string

	// BindAddr and BindPort are where the gossip protocol listens, on
	// both UDP and TCP. A zero port picks a random one.
	BindAddr string
	BindPort int

	// AdvertiseAddr and AdvertisePort are how other nodes reach us.
	AdvertiseAddr string
	AdvertisePort int

	// Neighbours are tried initially to join the cluster.
	Neighbours []string

	// UpdateTimeout bounds how long we wait for a name change to be
	// acknowledged.
	UpdateTimeout time.Duration

	LogHandler   slog.Handler
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

var _ mailbox.Directory = (*GossipDirectory)(nil)

// GossipDirectory is an eventually consistent `mailbox.Directory` shared
// by all members of a gossip cluster.
//
// Every node advertises the names it bound in its node metadata, and
// indexes the names advertised by others in a radix tree. A name already
// known cannot be bound again, but two nodes may still claim the same
// name concurrently: the claimant with the lowest node name then owns it
// and the other claim is shelved until the owner releases the name.
type GossipDirectory struct {
	cfg    *GossipConfig
	logger *slog.Logger
	msink  metrics.MetricSink
	ml     *memberlist.Memberlist
	self   string

	lk      sync.RWMutex
	names   *radix.Tree
	byNode  map[string][]string
	local   map[string]mailbox.Address
	changed chan struct{}
	closed  bool
}

type nameRecord struct {
	owner  string
	claims map[string]mailbox.Address
}

func NewGossipDirectory(cfg *GossipConfig) (*GossipDirectory, error) {
	dir := &GossipDirectory{
		cfg:     cfg,
		names:   radix.New(),
		byNode:  make(map[string][]string),
		local:   make(map[string]mailbox.Address),
		changed: make(chan struct{}),
	}

	var handler slog.Handler
	if cfg.LogHandler != nil {
		handler = cfg.LogHandler
	} else {
		handler = slog.Default().Handler()
	}
	dir.logger = slog.New(handler)

	if cfg.MetricSink == nil {
		dir.msink = metrics.Default()
	} else {
		dir.msink = cfg.MetricSink
	}

	if cfg.UpdateTimeout == 0 {
		cfg.UpdateTimeout = 5 * time.Second
	}

	mlCfg := memberlist.DefaultLANConfig()
	if cfg.NodeName != "" {
		mlCfg.Name = cfg.NodeName
	}
	dir.self = mlCfg.Name
	mlCfg.BindAddr = cfg.BindAddr
	mlCfg.BindPort = cfg.BindPort
	mlCfg.AdvertiseAddr = cfg.AdvertiseAddr
	mlCfg.AdvertisePort = cfg.AdvertisePort
	mlCfg.Logger = slog.NewLogLogger(handler, slog.LevelDebug)
	mlCfg.Delegate = &gossip{dir: dir}
	mlCfg.Events = &gossip{dir: dir}

	// TODO(raskyld): drop the translation once memberlist moves to
	// hashicorp/go-metrics.
	mlCfg.MetricLabels = make([]leg_metrics.Label, len(cfg.MetricLabels))
	for i, label := range cfg.MetricLabels {
		mlCfg.MetricLabels[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	dir.ml = ml
	return dir, nil
}

// JoinCluster reaches the configured neighbours.
func (dir *GossipDirectory) JoinCluster() error {
	if len(dir.cfg.Neighbours) == 0 {
		return nil
	}
	joined, err := dir.ml.Join(dir.cfg.Neighbours)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	dir.logger.Info("cluster joined")
	if len(dir.cfg.Neighbours) != joined {
		dir.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(dir.cfg.Neighbours),
		)
	}
	return nil
}

// LocalAddr is the gossip address other nodes can join.
func (dir *GossipDirectory) LocalAddr() string {
	node := dir.ml.LocalNode()
	return node.Address()
}

func (dir *GossipDirectory) NumMembers() int {
	return dir.ml.NumMembers()
}

func (dir *GossipDirectory) Bind(name string, addr mailbox.Address) error {
	if !mailbox.ValidateName(name) {
		return mailbox.ErrNameInvalid
	}

	self := dir.self
	dir.lk.Lock()
	if dir.closed {
		dir.lk.Unlock()
		return ErrDirectoryClosed
	}

	if raw, has := dir.names.Get(name); has {
		record := raw.(*nameRecord)
		if record.owner != "" && record.owner != self {
			dir.lk.Unlock()
			return fmt.Errorf("%w: %s is owned by %s", mailbox.ErrNameConflict, name, record.owner)
		}
		if current, ok := dir.local[name]; ok {
			dir.lk.Unlock()
			if current == addr {
				return nil
			}
			return mailbox.ErrNameConflict
		}
	}

	dir.local[name] = addr
	if len(encodeClaims(dir.local)) > memberlist.MetaMaxSize {
		delete(dir.local, name)
		dir.lk.Unlock()
		return ErrMetaTooLarge
	}
	dir.apply(self, cloneClaims(dir.local))
	dir.lk.Unlock()

	return dir.ml.UpdateNode(dir.cfg.UpdateTimeout)
}

func (dir *GossipDirectory) Unbind(name string, addr mailbox.Address) error {
	self := dir.self
	dir.lk.Lock()
	if dir.closed {
		dir.lk.Unlock()
		return ErrDirectoryClosed
	}
	current, has := dir.local[name]
	if !has {
		dir.lk.Unlock()
		return mailbox.ErrNameResolution
	}
	if current != addr {
		dir.lk.Unlock()
		return mailbox.ErrNotOwner
	}
	delete(dir.local, name)
	dir.apply(self, cloneClaims(dir.local))
	dir.lk.Unlock()

	return dir.ml.UpdateNode(dir.cfg.UpdateTimeout)
}

// Resolve returns the address owning name. If ctx has a deadline, it
// waits until then for the name to be gossiped to us.
func (dir *GossipDirectory) Resolve(ctx context.Context, name string) (mailbox.Address, error) {
	for {
		dir.lk.RLock()
		if dir.closed {
			dir.lk.RUnlock()
			return mailbox.Address{}, ErrDirectoryClosed
		}
		if raw, has := dir.names.Get(name); has {
			record := raw.(*nameRecord)
			if record.owner != "" {
				addr := record.claims[record.owner]
				dir.lk.RUnlock()
				return addr, nil
			}
		}
		changed := dir.changed
		dir.lk.RUnlock()

		if _, hasDl := ctx.Deadline(); !hasDl {
			return mailbox.Address{}, mailbox.ErrNameResolution
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return mailbox.Address{}, fmt.Errorf("%w: %w", mailbox.ErrNameResolution, ctx.Err())
		}
	}
}

// Scan lists the owned names starting with prefix.
func (dir *GossipDirectory) Scan(prefix string) (found []string) {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	dir.names.WalkPrefix(prefix, func(name string, raw interface{}) bool {
		if raw.(*nameRecord).owner != "" {
			found = append(found, name)
		}
		return false
	})
	return
}

func (dir *GossipDirectory) Shutdown() error {
	dir.lk.Lock()
	if dir.closed {
		dir.lk.Unlock()
		return nil
	}
	dir.closed = true
	close(dir.changed)
	dir.lk.Unlock()

	if err := dir.ml.Leave(dir.cfg.UpdateTimeout); err != nil {
		dir.logger.Warn("failed to leave the cluster gracefully", LabelError.L(err))
	}
	return dir.ml.Shutdown()
}

// not thread safe!
// must be called by an holder of Write lock
func (dir *GossipDirectory) apply(node string, claims map[string]mailbox.Address) {
	if dir.closed {
		return
	}

	for _, name := range dir.byNode[node] {
		if _, still := claims[name]; still {
			continue
		}
		raw, has := dir.names.Get(name)
		if !has {
			continue
		}
		record := raw.(*nameRecord)
		delete(record.claims, node)
		if len(record.claims) == 0 {
			dir.names.Delete(name)
			continue
		}
		if record.owner == node {
			record.owner = electOwner(record.claims)
			dir.logger.Debug(
				"name ownership moved",
				LabelMailboxName.L(name),
				LabelPeerName.L(record.owner),
			)
		}
	}

	names := make([]string, 0, len(claims))
	for name, addr := range claims {
		names = append(names, name)
		raw, has := dir.names.Get(name)
		if !has {
			dir.names.Insert(name, &nameRecord{
				owner:  node,
				claims: map[string]mailbox.Address{node: addr},
			})
			continue
		}
		record := raw.(*nameRecord)
		record.claims[node] = addr
		if record.owner == "" {
			record.owner = node
		} else if record.owner != node {
			// Claims made concurrently, e.g. by partitions being merged.
			record.owner = electOwner(record.claims)
			dir.msink.IncrCounterWithLabels(
				MetricDirectoryNameConflicts,
				1.0,
				withLabels(dir.cfg.MetricLabels, LabelMailboxName.M(name)),
			)
			dir.logger.Warn(
				"name conflict detected",
				LabelMailboxName.L(name),
				"owner", record.owner,
				"claimant", node,
			)
		}
	}

	if len(names) == 0 {
		delete(dir.byNode, node)
	} else {
		dir.byNode[node] = names
	}

	dir.msink.SetGaugeWithLabels(MetricDirectoryNamesSize, float32(dir.names.Len()), dir.cfg.MetricLabels)
	close(dir.changed)
	dir.changed = make(chan struct{})
}

// electOwner picks the lowest claimant name, so every node converges to
// the same owner.
func electOwner(claims map[string]mailbox.Address) string {
	nodes := make([]string, 0, len(claims))
	for node := range claims {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	return nodes[0]
}

func cloneClaims(claims map[string]mailbox.Address) map[string]mailbox.Address {
	cloned := make(map[string]mailbox.Address, len(claims))
	for name, addr := range claims {
		cloned[name] = addr
	}
	return cloned
}

// Node metadata layout:
//
//	message Claims { repeated Claim claims = 1; }
//	message Claim { string name = 1; string address = 2; }
func encodeClaims(claims map[string]mailbox.Address) []byte {
	names := make([]string, 0, len(claims))
	for name := range claims {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf []byte
	for _, name := range names {
		var claim []byte
		claim = protowire.AppendTag(claim, 1, protowire.BytesType)
		claim = protowire.AppendString(claim, name)
		claim = protowire.AppendTag(claim, 2, protowire.BytesType)
		claim = protowire.AppendString(claim, claims[name].String())

		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, claim)
	}
	return buf
}

func decodeClaims(buf []byte) (map[string]mailbox.Address, error) {
	claims := make(map[string]mailbox.Address)
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if err := protowire.ParseError(n); err != nil {
			return nil, err
		}
		buf = buf[n:]
		if num != 1 || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if err := protowire.ParseError(n); err != nil {
				return nil, err
			}
			buf = buf[n:]
			continue
		}

		claim, n := protowire.ConsumeBytes(buf)
		if err := protowire.ParseError(n); err != nil {
			return nil, err
		}
		buf = buf[n:]

		var name, addr string
		for len(claim) > 0 {
			cnum, ctyp, m := protowire.ConsumeTag(claim)
			if err := protowire.ParseError(m); err != nil {
				return nil, err
			}
			claim = claim[m:]
			if ctyp != protowire.BytesType {
				m = protowire.ConsumeFieldValue(cnum, ctyp, claim)
			} else {
				var v string
				v, m = protowire.ConsumeString(claim)
				switch cnum {
				case 1:
					name = v
				case 2:
					addr = v
				}
			}
			if err := protowire.ParseError(m); err != nil {
				return nil, err
			}
			claim = claim[m:]
		}

		parsed, err := mailbox.ParseAddress(addr)
		if err != nil {
			return nil, err
		}
		claims[name] = parsed
	}
	return claims, nil
}
