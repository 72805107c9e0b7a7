package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/route-beacon/bgp-update-gen/internal/update"
)

const consolePeer = "console"

// Console writes each update as one JSON line. It reports the configured
// peers as connected so runs can be rehearsed without a speaker.
type Console struct {
	mu    sync.Mutex
	enc   *json.Encoder
	peers []string
}

func NewConsole(w io.Writer, peers []string) *Console {
	if len(peers) == 0 {
		peers = []string{consolePeer}
	}
	return &Console{enc: json.NewEncoder(w), peers: peers}
}

func (c *Console) Start(ctx context.Context) error { return nil }

func (c *Console) Stop() error { return nil }

func (c *Console) ConnectedPeers(ctx context.Context) ([]string, error) {
	return c.peers, nil
}

// SendUpdate writes u once regardless of how many peers are selected.
func (c *Console) SendUpdate(ctx context.Context, peers []string, u *update.Update) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(u); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}
