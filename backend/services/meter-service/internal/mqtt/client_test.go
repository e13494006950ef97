package mqtt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var noopHandler = HandlerFunc(func(string, []byte) {})

func newTestClient(stub *stubPahoClient, topics ...string) *Client {
	return &Client{
		config:                    Config{Topics: topics, ConnectTimeout: time.Second},
		pahoClient:                stub,
		handler:                   noopHandler,
		logger:                    zap.NewNop(),
		initialSubscriptionResult: make(chan error, 1),
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{Topics: []string{"a"}}, noopHandler, nil)
	require.Error(t, err)

	_, err = NewClient(Config{BrokerURL: "tcp://localhost:1883"}, noopHandler, nil)
	require.Error(t, err)

	_, err = NewClient(Config{BrokerURL: "tcp://localhost:1883", Topics: []string{"a"}}, nil, nil)
	require.Error(t, err)

	_, err = NewClient(Config{BrokerURL: "tcp://localhost:1883", Topics: []string{"a"}, QoS: 3}, noopHandler, nil)
	require.Error(t, err)
}

func TestNewClientGeneratesClientID(t *testing.T) {
	c, err := NewClient(Config{BrokerURL: "tcp://localhost:1883", Topics: []string{"water_meter/#"}}, noopHandler, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(c.ClientID(), "water-meter-"))
	assert.Len(t, c.ClientID(), len("water-meter-")+36)
	assert.Equal(t, defaultConnectTimeout, c.config.ConnectTimeout)

	other, err := NewClient(Config{BrokerURL: "tcp://localhost:1883", Topics: []string{"x"}, ClientID: "fixed"}, noopHandler, nil)
	require.NoError(t, err)
	assert.Equal(t, "fixed", other.ClientID())
}

func TestNewClientTLSWithMissingCAFails(t *testing.T) {
	_, err := NewClient(Config{
		BrokerURL: "ssl://broker:8883",
		Topics:    []string{"x"},
		TLSCAFile: filepath.Join(t.TempDir(), "missing.pem"),
	}, noopHandler, nil)
	require.Error(t, err)
}

func TestNewTLSConfigRejectsGarbageCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))

	_, err := newTLSConfig(path)
	require.Error(t, err)

	cfg, err := newTLSConfig("")
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
}

func TestIsTLSBroker(t *testing.T) {
	assert.True(t, isTLSBroker("SSL://broker:8883"))
	assert.True(t, isTLSBroker("mqtts://broker"))
	assert.False(t, isTLSBroker("tcp://broker:1883"))
	assert.False(t, isTLSBroker("ws://broker"))
}

func TestConnectWaitsForInitialSubscription(t *testing.T) {
	stub := &stubPahoClient{}
	client := newTestClient(stub, "water_meter/pulse/#")

	done := make(chan error, 1)
	go func() { done <- client.Connect(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("Connect returned before subscription result: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	client.completeInitialSubscription(nil)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Connect did not return")
	}
}

func TestConnectPropagatesConnectError(t *testing.T) {
	stub := &stubPahoClient{connectToken: &stubToken{waitTimeoutResult: true, err: errors.New("refused")}}
	client := newTestClient(stub, "x")

	err := client.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestConnectTimeout(t *testing.T) {
	stub := &stubPahoClient{connectToken: &stubToken{waitTimeoutResult: false}}
	client := newTestClient(stub, "x")

	err := client.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestConnectHonoursContext(t *testing.T) {
	stub := &stubPahoClient{}
	client := newTestClient(stub, "x")
	client.config.ConnectTimeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := client.Connect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandleConnectSubscribesEveryTopic(t *testing.T) {
	stub := &stubPahoClient{isOpen: true}
	client := newTestClient(stub, "water_meter/pulse/#", "water_meter/status")

	client.handleConnect(stub)
	require.NoError(t, <-client.initialSubscriptionResult)
	assert.Equal(t, []string{"water_meter/pulse/#", "water_meter/status"}, stub.subscribed)

	// A reconnect subscribes again without blocking on the closed result channel.
	client.handleConnect(stub)
	assert.Len(t, stub.subscribed, 4)
	assert.Equal(t, int32(2), client.connects)
}

func TestHandleConnectSubscribeFailure(t *testing.T) {
	stub := &stubPahoClient{
		subscribeFn: func(string) paho.Token {
			return &stubToken{waitTimeoutResult: true, err: errors.New("not authorized")}
		},
	}
	client := newTestClient(stub, "x")

	client.handleConnect(stub)
	err := <-client.initialSubscriptionResult
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
}

func TestCloseDisconnectsOpenConnection(t *testing.T) {
	stub := &stubPahoClient{isOpen: true}
	client := newTestClient(stub, "x")

	client.Close()
	assert.Equal(t, 1, stub.disconnectCalls)

	client.Close()
	assert.Equal(t, 1, stub.disconnectCalls)
}

type stubPahoClient struct {
	connectToken    paho.Token
	subscribeFn     func(topic string) paho.Token
	subscribed      []string
	disconnectCalls int
	isOpen          bool
}

func (s *stubPahoClient) IsConnected() bool      { return s.isOpen }
func (s *stubPahoClient) IsConnectionOpen() bool { return s.isOpen }

func (s *stubPahoClient) Connect() paho.Token {
	if s.connectToken != nil {
		return s.connectToken
	}
	return &stubToken{waitTimeoutResult: true}
}

func (s *stubPahoClient) Disconnect(uint) {
	s.disconnectCalls++
	s.isOpen = false
}

func (s *stubPahoClient) Publish(string, byte, bool, interface{}) paho.Token {
	return &stubToken{waitTimeoutResult: true}
}

func (s *stubPahoClient) Subscribe(topic string, _ byte, _ paho.MessageHandler) paho.Token {
	s.subscribed = append(s.subscribed, topic)
	if s.subscribeFn != nil {
		return s.subscribeFn(topic)
	}
	return &stubToken{waitTimeoutResult: true}
}

func (s *stubPahoClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &stubToken{waitTimeoutResult: true}
}

func (s *stubPahoClient) Unsubscribe(...string) paho.Token {
	return &stubToken{waitTimeoutResult: true}
}

func (s *stubPahoClient) AddRoute(string, paho.MessageHandler) {}

func (s *stubPahoClient) OptionsReader() paho.ClientOptionsReader {
	return paho.ClientOptionsReader{}
}

type stubToken struct {
	waitTimeoutResult bool
	err               error
}

func (t *stubToken) Wait() bool                     { return t.waitTimeoutResult }
func (t *stubToken) WaitTimeout(time.Duration) bool { return t.waitTimeoutResult }

func (t *stubToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t *stubToken) Error() error { return t.err }
