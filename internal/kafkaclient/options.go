// Package kafkaclient holds what the consumer and producer share about the
// change log: client options and the record control markers.
package kafkaclient

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"isolator/internal/config"
)

// Options translates cfg into client options common to every client.
func Options(cfg config.KafkaConfig) ([]kgo.Opt, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka.brokers is required")
	}
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS.Enabled {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}))
	}
	if cfg.SASL.Enabled {
		mech, err := buildSASLMechanism(cfg.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}
	if cfg.Fetch.MaxWait > 0 {
		opts = append(opts, kgo.FetchMaxWait(cfg.Fetch.MaxWait))
	}
	if cfg.Fetch.MinBytes > 0 {
		opts = append(opts, kgo.FetchMinBytes(cfg.Fetch.MinBytes))
	}
	if cfg.Fetch.MaxBytes > 0 {
		opts = append(opts, kgo.FetchMaxBytes(cfg.Fetch.MaxBytes))
	}
	return opts, nil
}

func buildSASLMechanism(cfg config.SASLConfig) (sasl.Mechanism, error) {
	switch strings.ToLower(cfg.Mechanism) {
	case "plain":
		return plain.Auth{User: cfg.Username, Pass: cfg.Password}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{User: cfg.Username, Pass: cfg.Password}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{User: cfg.Username, Pass: cfg.Password}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}
