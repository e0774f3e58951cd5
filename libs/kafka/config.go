package kafka

import (
	"strings"

	"github.com/IBM/sarama"
)

const defaultClientID = "folio"

func newSaramaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.ClientID = defaultClientID
	if id := strings.TrimSpace(clientID); id != "" {
		cfg.ClientID = id
	}
	return cfg
}
