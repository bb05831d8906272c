package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/config"
	"concierge/internal/logger"
)

func TestFactory(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.BrokerConfig
		wantErr string
	}{
		{name: "kafka", cfg: config.BrokerConfig{Type: "kafka", Kafka: config.KafkaConfig{Brokers: []string{"localhost:9092"}}}},
		{name: "unknown type", cfg: config.BrokerConfig{Type: "nats"}, wantErr: "unknown broker type"},
		{name: "no brokers", cfg: config.BrokerConfig{Type: "kafka"}, wantErr: "no broker addresses"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, perr := NewProducer(tt.cfg, logger.NopLogger())
			c, cerr := NewConsumer(tt.cfg, logger.NopLogger(), "automation-service")
			if tt.wantErr != "" {
				assert.ErrorContains(t, perr, tt.wantErr)
				assert.ErrorContains(t, cerr, tt.wantErr)
				return
			}
			require.NoError(t, perr)
			require.NoError(t, cerr)
			assert.Equal(t, "automation-service", c.(*KafkaConsumer).serviceName)
			assert.NoError(t, p.Close())
		})
	}
}
