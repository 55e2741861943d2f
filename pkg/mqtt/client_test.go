package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"merosslink/pkg/clock"
)

func TestNewClient(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:    "nil config",
			config:  nil,
			wantErr: true,
		},
		{
			name: "valid config",
			config: &Config{
				BrokerURL:            "tcp://localhost:1883",
				ClientID:             "test-client",
				KeepAlive:            30 * time.Second,
				ConnectTimeout:       5 * time.Second,
				AutoReconnect:        true,
				MaxReconnectInterval: 1 * time.Minute,
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.config, logger)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, client)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, client)
				assert.NotNil(t, client.client)
				assert.False(t, client.IsConnected())
			}
		})
	}
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://10.0.0.5:1883", BrokerURL("10.0.0.5", 1883))
	assert.Equal(t, "ssl://mqtt-eu.meross.com:443", BrokerURL("mqtt-eu.meross.com", 443))
	assert.Equal(t, "ssl://broker:8883", BrokerURL("broker", 8883))
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	fail   bool
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker gone")
	}
	p.topics = append(p.topics, topic)
	return nil
}

func (p *fakePublisher) IsConnected() bool { return true }

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

func TestSendQueuePacing(t *testing.T) {
	pub := &fakePublisher{}
	fake := clock.NewFake(time.Unix(0, 0))
	q := NewSendQueue(pub, fake, time.Second, zap.NewNop())

	require.NoError(t, q.Enqueue(PriorityLow, "a", nil))
	require.NoError(t, q.Enqueue(PriorityLow, "b", nil))
	require.NoError(t, q.Enqueue(PriorityLow, "c", nil))

	assert.Equal(t, []string{"a"}, pub.published(), "first publish goes out inline")
	assert.Equal(t, 2, q.Len())

	fake.Advance(time.Second)
	assert.Equal(t, []string{"a", "b"}, pub.published())
	fake.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, pub.published())
	assert.Zero(t, q.Len())

	// Idle again: the next publish is inline.
	fake.Advance(time.Second)
	require.NoError(t, q.Enqueue(PriorityLow, "d", nil))
	assert.Equal(t, []string{"a", "b", "c", "d"}, pub.published())
}

func TestSendQueuePriority(t *testing.T) {
	pub := &fakePublisher{}
	fake := clock.NewFake(time.Unix(0, 0))
	q := NewSendQueue(pub, fake, time.Second, zap.NewNop())

	require.NoError(t, q.Enqueue(PriorityLow, "first", nil))
	require.NoError(t, q.Enqueue(PriorityLow, "poll", nil))
	require.NoError(t, q.Enqueue(PriorityNormal, "push", nil))
	require.NoError(t, q.Enqueue(PriorityHigh, "command", nil))

	fake.Advance(3 * time.Second)
	assert.Equal(t, []string{"first", "command", "push", "poll"}, pub.published())
}

func TestSendQueueUnpaced(t *testing.T) {
	pub := &fakePublisher{}
	q := NewSendQueue(pub, clock.NewFake(time.Unix(0, 0)), 0, zap.NewNop())

	require.NoError(t, q.Enqueue(PriorityLow, "a", nil))
	require.NoError(t, q.Enqueue(PriorityLow, "b", nil))
	assert.Equal(t, []string{"a", "b"}, pub.published())
}

func TestSendQueueStop(t *testing.T) {
	pub := &fakePublisher{}
	fake := clock.NewFake(time.Unix(0, 0))
	q := NewSendQueue(pub, fake, time.Second, zap.NewNop())

	require.NoError(t, q.Enqueue(PriorityLow, "a", nil))
	require.NoError(t, q.Enqueue(PriorityLow, "b", nil))
	q.Stop()
	fake.Advance(5 * time.Second)

	assert.Equal(t, []string{"a"}, pub.published())
	assert.NoError(t, q.Enqueue(PriorityLow, "c", nil), "enqueue after stop is a no-op")
	assert.Equal(t, []string{"a"}, pub.published())
}
