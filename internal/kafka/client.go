package kafka

import (
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/route-beacon/bgp-update-gen/internal/config"
)

// baseOpts returns the connection options shared by the consumer and the
// producer: brokers, client id, TLS and SASL.
func baseOpts(cfg *config.KafkaConfig) ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
	}

	tlsCfg, err := cfg.BuildTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("kafka tls: %w", err)
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}

	if mech := cfg.BuildSASLMechanism(); mech != nil {
		opts = append(opts, kgo.SASL(mech))
	} else if cfg.SASL.Enabled {
		return nil, fmt.Errorf("kafka sasl: unsupported mechanism %q", cfg.SASL.Mechanism)
	}

	return opts, nil
}
