package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-update-gen/internal/config"
	"github.com/route-beacon/bgp-update-gen/internal/update"
)

const yabgpEstablished = "ESTABLISHED"

// YaBGP drives a YaBGP agent through its REST API.
type YaBGP struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	logger   *zap.Logger
}

func NewYaBGP(cfg config.YaBGPConfig, timeout time.Duration, logger *zap.Logger) *YaBGP {
	return &YaBGP{
		baseURL:  strings.TrimRight(cfg.URL, "/") + "/v1/",
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

func (y *YaBGP) Start(ctx context.Context) error { return nil }

func (y *YaBGP) Stop() error {
	y.client.CloseIdleConnections()
	return nil
}

type yabgpPeers struct {
	Peers []struct {
		FSM        string `json:"fsm"`
		RemoteAddr string `json:"remote_addr"`
	} `json:"peers"`
}

// ConnectedPeers returns the remote addresses of peers in ESTABLISHED state.
func (y *YaBGP) ConnectedPeers(ctx context.Context) ([]string, error) {
	body, err := y.do(ctx, http.MethodGet, "peers", nil)
	if err != nil {
		return nil, err
	}
	var resp yabgpPeers
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("yabgp: decoding peers: %w", err)
	}
	var out []string
	for _, p := range resp.Peers {
		if p.FSM == yabgpEstablished {
			out = append(out, p.RemoteAddr)
		}
	}
	return out, nil
}

// SendUpdate posts u to each peer. With no peers selected it sends to every
// established peer.
func (y *YaBGP) SendUpdate(ctx context.Context, peers []string, u *update.Update) error {
	if len(peers) == 0 {
		var err error
		if peers, err = y.ConnectedPeers(ctx); err != nil {
			return err
		}
	}
	for _, peer := range peers {
		payload, err := json.Marshal(yabgpMessage(peer, u))
		if err != nil {
			return fmt.Errorf("yabgp: encoding update: %w", err)
		}
		if _, err := y.do(ctx, http.MethodPost, "peer/"+url.PathEscape(peer)+"/send/update", payload); err != nil {
			return err
		}
		y.logger.Debug("update sent", zap.String("peer", peer), zap.Int("nlri", len(u.NLRI)), zap.Int("withdraw", len(u.Withdraw)))
	}
	return nil
}

type yabgpUpdate struct {
	Attr     map[string]any `json:"attr"`
	NLRI     []string       `json:"nlri"`
	Withdraw []string       `json:"withdraw"`
}

// yabgpMessage builds the agent's update body. Attributes are keyed by their
// BGP type code; an announcement without a nexthop uses the peer address.
func yabgpMessage(peer string, u *update.Update) yabgpUpdate {
	msg := yabgpUpdate{
		Attr:     map[string]any{},
		NLRI:     make([]string, 0, len(u.NLRI)),
		Withdraw: make([]string, 0, len(u.Withdraw)),
	}
	for _, p := range u.NLRI {
		msg.NLRI = append(msg.NLRI, p.String())
	}
	for _, p := range u.Withdraw {
		msg.Withdraw = append(msg.Withdraw, p.String())
	}
	if len(u.NLRI) == 0 {
		return msg
	}

	a := u.Attr
	if a.Origin != nil {
		msg.Attr["1"] = *a.Origin
	}
	if len(a.ASPath) > 0 {
		segs := make([][]any, 0, len(a.ASPath))
		for _, seg := range a.ASPath {
			segs = append(segs, []any{seg.Type, seg.ASNs})
		}
		msg.Attr["2"] = segs
	}
	if a.NextHop.IsValid() {
		msg.Attr["3"] = a.NextHop.String()
	} else {
		msg.Attr["3"] = peer
	}
	if a.MED != nil {
		msg.Attr["4"] = *a.MED
	}
	if a.LocalPref != nil {
		msg.Attr["5"] = *a.LocalPref
	}
	if len(a.Communities) > 0 {
		comms := make([]string, 0, len(a.Communities))
		for _, c := range a.Communities {
			comms = append(comms, strconv.FormatUint(uint64(c>>16), 10)+":"+strconv.FormatUint(uint64(c&0xffff), 10))
		}
		msg.Attr["8"] = comms
	}
	return msg
}

func (y *YaBGP) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, y.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("yabgp: building request: %w", err)
	}
	req.SetBasicAuth(y.username, y.password)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := y.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yabgp: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("yabgp: reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("yabgp: %s %s: status %d", method, path, resp.StatusCode)
	}
	return data, nil
}
