//go:build integration

package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"tenancy/pkg/testutil/containers"
)

type ProducerIntegrationSuite struct {
	suite.Suite
	broker   string
	producer *Producer
}

func TestProducerIntegrationSuite(t *testing.T) {
	suite.Run(t, new(ProducerIntegrationSuite))
}

func (s *ProducerIntegrationSuite) SetupSuite() {
	s.broker = containers.GetManager().GetRedpanda(s.T()).Broker
	producer, err := NewProducer(context.Background(), []string{s.broker}, "tenancy-test")
	s.Require().NoError(err)
	s.producer = producer
}

func (s *ProducerIntegrationSuite) TearDownSuite() {
	s.producer.Close()
}

func (s *ProducerIntegrationSuite) TestPublishIsConsumable() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const topic = "tenant-events-test"
	s.Require().NoError(s.producer.EnsureTopic(ctx, topic, 1, 1))
	s.Require().NoError(s.producer.EnsureTopic(ctx, topic, 1, 1), "second call tolerates an existing topic")

	s.Require().NoError(s.producer.Publish(ctx, topic, []byte("a1b2c3d4e5f6"), []byte(`{"action":"tenant_created"}`)))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	fetches := consumer.PollFetches(ctx)
	s.Require().Empty(fetches.Errors())
	records := fetches.Records()
	s.Require().NotEmpty(records)
	s.Equal("a1b2c3d4e5f6", string(records[0].Key))
	s.JSONEq(`{"action":"tenant_created"}`, string(records[0].Value))
}

func (s *ProducerIntegrationSuite) TestHealth() {
	s.NoError(s.producer.Health(context.Background()))
}

func TestNewProducerWithoutBrokers(t *testing.T) {
	p, err := NewProducer(context.Background(), nil, "tenancy-test")
	if err != nil || p != nil {
		t.Fatalf("expected nil producer without brokers, got %v, %v", p, err)
	}
}
