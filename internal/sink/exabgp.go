package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-update-gen/internal/bgp"
	"github.com/route-beacon/bgp-update-gen/internal/update"
)

// ExaBGP writes text API commands, either to stdout when run as an ExaBGP
// api process or to a unix socket.
type ExaBGP struct {
	socket string
	peers  []string
	logger *zap.Logger

	mu   sync.Mutex
	w    *bufio.Writer
	conn io.Closer
}

func NewExaBGP(socket string, peers []string, logger *zap.Logger) *ExaBGP {
	return &ExaBGP{socket: socket, peers: peers, logger: logger}
}

// newExaBGPWriter returns a sink writing to w, already started.
func newExaBGPWriter(w io.Writer, peers []string, logger *zap.Logger) *ExaBGP {
	return &ExaBGP{peers: peers, logger: logger, w: bufio.NewWriter(w)}
}

func (e *ExaBGP) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.socket == "" {
		e.w = bufio.NewWriter(os.Stdout)
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", e.socket)
	if err != nil {
		return fmt.Errorf("exabgp: dialing %s: %w", e.socket, err)
	}
	e.logger.Info("connected to exabgp api socket", zap.String("socket", e.socket))
	e.conn = conn
	e.w = bufio.NewWriter(conn)
	return nil
}

func (e *ExaBGP) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	if e.w != nil {
		err = e.w.Flush()
	}
	if e.conn != nil {
		if cerr := e.conn.Close(); err == nil {
			err = cerr
		}
		e.conn = nil
	}
	return err
}

// ConnectedPeers returns the configured peers. The text API has no way to
// ask ExaBGP for session state.
func (e *ExaBGP) ConnectedPeers(ctx context.Context) ([]string, error) {
	return e.peers, nil
}

func (e *ExaBGP) SendUpdate(ctx context.Context, peers []string, u *update.Update) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.w == nil {
		return fmt.Errorf("exabgp: not started")
	}

	targets := selectPeers(e.peers, peers)
	if len(targets) == 0 {
		targets = []string{""}
	}
	for _, peer := range targets {
		for _, line := range exabgpCommands(peer, u) {
			if _, err := e.w.WriteString(line + "\n"); err != nil {
				return fmt.Errorf("exabgp: %w", err)
			}
		}
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("exabgp: %w", err)
	}
	return nil
}

// exabgpCommands renders u as ExaBGP API commands, withdrawals first. A
// non-empty peer scopes each command with "neighbor <peer>".
func exabgpCommands(peer string, u *update.Update) []string {
	prefix := ""
	if peer != "" {
		prefix = "neighbor " + peer + " "
	}

	out := make([]string, 0, len(u.Withdraw)+len(u.NLRI))
	for _, p := range u.Withdraw {
		out = append(out, prefix+"withdraw route "+p.String())
	}
	if len(u.NLRI) == 0 {
		return out
	}

	attrs := exabgpAttributes(u.Attr)
	for _, p := range u.NLRI {
		out = append(out, prefix+"announce route "+p.String()+attrs)
	}
	return out
}

func exabgpAttributes(a update.Attributes) string {
	var b strings.Builder

	b.WriteString(" next-hop ")
	if a.NextHop.IsValid() {
		b.WriteString(a.NextHop.String())
	} else {
		b.WriteString("self")
	}
	if name := a.OriginName(); name != "" {
		b.WriteString(" origin ")
		b.WriteString(name)
	}
	if len(a.ASPath) > 0 {
		b.WriteString(" as-path [")
		for _, seg := range a.ASPath {
			set := seg.Type == bgp.ASPathSegmentSet || seg.Type == bgp.ASPathSegmentConfedSet
			if set {
				b.WriteString(" (")
			}
			for _, asn := range seg.ASNs {
				b.WriteByte(' ')
				b.WriteString(strconv.FormatUint(uint64(asn), 10))
			}
			if set {
				b.WriteString(" )")
			}
		}
		b.WriteString(" ]")
	}
	if a.MED != nil {
		b.WriteString(" med ")
		b.WriteString(strconv.FormatUint(uint64(*a.MED), 10))
	}
	if a.LocalPref != nil {
		b.WriteString(" local-preference ")
		b.WriteString(strconv.FormatUint(uint64(*a.LocalPref), 10))
	}
	if len(a.Communities) > 0 {
		b.WriteString(" community [")
		for _, c := range a.Communities {
			fmt.Fprintf(&b, " %d:%d", c>>16, c&0xffff)
		}
		b.WriteString(" ]")
	}
	return b.String()
}
