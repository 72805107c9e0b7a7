package sink

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	api "github.com/osrg/gobgp/v3/api"
	"github.com/osrg/gobgp/v3/pkg/server"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/route-beacon/bgp-update-gen/internal/config"
	"github.com/route-beacon/bgp-update-gen/internal/update"
)

var ipv4Unicast = &api.Family{Afi: api.Family_AFI_IP, Safi: api.Family_SAFI_UNICAST}

type GoBGPOptions struct {
	LocalAS  uint32
	RouterID string
	// ListenPort is the port the embedded speaker accepts sessions on; -1
	// disables listening so only outbound sessions are made.
	ListenPort int32
	Peers      []config.Peer
}

// GoBGP runs an embedded GoBGP speaker that peers with the configured
// neighbors and injects updates into its global RIB. Updates reach every
// established peer; per-peer selection is not supported.
type GoBGP struct {
	opts   GoBGPOptions
	logger *zap.Logger

	mu     sync.Mutex
	server *server.BgpServer
}

func NewGoBGP(opts GoBGPOptions, logger *zap.Logger) *GoBGP {
	return &GoBGP{opts: opts, logger: logger}
}

func (g *GoBGP) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.server != nil {
		return nil
	}

	s := server.NewBgpServer(server.LoggerOption(newZapLogger(g.logger)))
	go s.Serve()

	if err := s.StartBgp(ctx, &api.StartBgpRequest{
		Global: &api.Global{
			Asn:        g.opts.LocalAS,
			RouterId:   g.opts.RouterID,
			ListenPort: g.opts.ListenPort,
		},
	}); err != nil {
		s.Stop()
		return fmt.Errorf("gobgp: starting speaker: %w", err)
	}

	for _, p := range g.opts.Peers {
		peer := &api.Peer{
			Conf: &api.PeerConf{
				NeighborAddress: p.Addr.String(),
				PeerAsn:         p.AS,
			},
			Transport: &api.Transport{
				RemotePort: uint32(p.Port),
			},
		}
		if err := s.AddPeer(ctx, &api.AddPeerRequest{Peer: peer}); err != nil {
			s.Stop()
			return fmt.Errorf("gobgp: adding peer %s: %w", p, err)
		}
		g.logger.Info("peer configured", zap.String("peer", p.String()))
	}

	g.server = s
	return nil
}

func (g *GoBGP) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.server == nil {
		return nil
	}
	err := g.server.StopBgp(context.Background(), &api.StopBgpRequest{})
	g.server.Stop()
	g.server = nil
	if err != nil {
		return fmt.Errorf("gobgp: stopping speaker: %w", err)
	}
	return nil
}

func (g *GoBGP) ConnectedPeers(ctx context.Context) ([]string, error) {
	s := g.bgpServer()
	if s == nil {
		return nil, fmt.Errorf("gobgp: not started")
	}

	var out []string
	err := s.ListPeer(ctx, &api.ListPeerRequest{}, func(p *api.Peer) {
		if p.GetState().GetSessionState() == api.PeerState_ESTABLISHED {
			out = append(out, p.GetConf().GetNeighborAddress())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("gobgp: listing peers: %w", err)
	}
	return out, nil
}

// SendUpdate withdraws and then announces u's prefixes in the global RIB.
// The peers argument is ignored.
func (g *GoBGP) SendUpdate(ctx context.Context, peers []string, u *update.Update) error {
	s := g.bgpServer()
	if s == nil {
		return fmt.Errorf("gobgp: not started")
	}

	for _, p := range u.Withdraw {
		nlri, err := prefixNLRI(p)
		if err != nil {
			return err
		}
		if err := s.DeletePath(ctx, &api.DeletePathRequest{
			TableType: api.TableType_GLOBAL,
			Family:    ipv4Unicast,
			Path:      &api.Path{Family: ipv4Unicast, Nlri: nlri},
		}); err != nil {
			return fmt.Errorf("gobgp: withdrawing %s: %w", p, err)
		}
	}

	if len(u.NLRI) == 0 {
		return nil
	}
	pattrs, err := pathAttributes(u.Attr)
	if err != nil {
		return err
	}
	for _, p := range u.NLRI {
		nlri, err := prefixNLRI(p)
		if err != nil {
			return err
		}
		if _, err := s.AddPath(ctx, &api.AddPathRequest{
			TableType: api.TableType_GLOBAL,
			Path:      &api.Path{Family: ipv4Unicast, Nlri: nlri, Pattrs: pattrs},
		}); err != nil {
			return fmt.Errorf("gobgp: announcing %s: %w", p, err)
		}
	}
	return nil
}

func (g *GoBGP) bgpServer() *server.BgpServer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.server
}

func prefixNLRI(p netip.Prefix) (*anypb.Any, error) {
	nlri, err := anypb.New(&api.IPAddressPrefix{
		Prefix:    p.Addr().String(),
		PrefixLen: uint32(p.Bits()),
	})
	if err != nil {
		return nil, fmt.Errorf("gobgp: encoding nlri %s: %w", p, err)
	}
	return nlri, nil
}

// pathAttributes converts a to GoBGP attributes. An unset nexthop becomes
// 0.0.0.0, which GoBGP replaces with its own address toward each peer.
func pathAttributes(a update.Attributes) ([]*anypb.Any, error) {
	origin := uint32(update.OriginIncomplete)
	if a.Origin != nil {
		origin = uint32(*a.Origin)
	}
	nexthop := "0.0.0.0"
	if a.NextHop.IsValid() {
		nexthop = a.NextHop.String()
	}

	segments := make([]*api.AsSegment, 0, len(a.ASPath))
	for _, seg := range a.ASPath {
		segments = append(segments, &api.AsSegment{Type: api.AsSegment_Type(seg.Type), Numbers: seg.ASNs})
	}

	attrs := []proto.Message{
		&api.OriginAttribute{Origin: origin},
		&api.NextHopAttribute{NextHop: nexthop},
		&api.AsPathAttribute{Segments: segments},
	}
	if a.MED != nil {
		attrs = append(attrs, &api.MultiExitDiscAttribute{Med: *a.MED})
	}
	if a.LocalPref != nil {
		attrs = append(attrs, &api.LocalPrefAttribute{LocalPref: *a.LocalPref})
	}
	if len(a.Communities) > 0 {
		attrs = append(attrs, &api.CommunitiesAttribute{Communities: a.Communities})
	}

	out := make([]*anypb.Any, 0, len(attrs))
	for _, attr := range attrs {
		v, err := anypb.New(attr)
		if err != nil {
			return nil, fmt.Errorf("gobgp: encoding attribute: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}
