package endpoint

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"

	"github.com/backkem/coap/pkg/exchange"
)

// Config holds the protocol parameters of one endpoint. Zero values are
// replaced by the RFC 7252 defaults; loading these from files or the
// environment is the caller's business.
type Config struct {
	// AckTimeout is the initial retransmission timeout (ACK_TIMEOUT).
	// Default 2s.
	AckTimeout time.Duration

	// AckRandomFactor scales the initial timeout by a uniform random
	// factor in [1, AckRandomFactor] (ACK_RANDOM_FACTOR). Default 1.5.
	AckRandomFactor float64

	// MaxRetransmit is the retransmission limit for confirmable messages
	// (MAX_RETRANSMIT). Default 4.
	MaxRetransmit int

	// NStart is the number of simultaneous outstanding interactions to a
	// peer (NSTART). Default 1.
	NStart int

	// ExchangeLifetime is the eviction age for stale exchanges
	// (EXCHANGE_LIFETIME). Default 247s.
	ExchangeLifetime time.Duration

	// NonLifetime is how long a NON message's MID stays reserved
	// (NON_LIFETIME). Default 145s.
	NonLifetime time.Duration

	// MaxMessageSize is the payload size above which bodies go blockwise
	// (MAX_MESSAGE_SIZE). Default 1024.
	MaxMessageSize int

	// PreferredBlockSize is the block size for blockwise transfers
	// (PREFERRED_BLOCK_SIZE). Default 1024.
	PreferredBlockSize int

	// MaxResourceBodySize caps reassembled bodies
	// (MAX_RESOURCE_BODY_SIZE). Default 8192.
	MaxResourceBodySize int

	// NotificationCheckInterval is how often an observed resource should
	// confirm a relation with a CON notification
	// (NOTIFICATION_CHECK_INTERVAL_TIME). Default 24h.
	NotificationCheckInterval time.Duration

	// NotificationReregistrationBackoff is the extra backoff before a
	// client re-registers an observation after Max-Age expires
	// (NOTIFICATION_REREGISTRATION_BACKOFF). Default 2s.
	NotificationReregistrationBackoff time.Duration

	// TokenSizeLimit is the generated token length (TOKEN_SIZE_LIMIT).
	// Default 8.
	TokenSizeLimit int

	// NetworkStageReceiverThreadCount is the connector's receiver
	// goroutine count (NETWORK_STAGE_RECEIVER_THREAD_COUNT). Default 1.
	NetworkStageReceiverThreadCount int

	// NetworkStageSenderThreadCount is the connector's sender goroutine
	// count (NETWORK_STAGE_SENDER_THREAD_COUNT). Default 1.
	NetworkStageSenderThreadCount int

	// UDPConnectorReceiveBuffer sets SO_RCVBUF when positive
	// (UDP_CONNECTOR_RECEIVE_BUFFER).
	UDPConnectorReceiveBuffer int

	// UDPConnectorSendBuffer sets SO_SNDBUF when positive
	// (UDP_CONNECTOR_SEND_BUFFER).
	UDPConnectorSendBuffer int

	// UDPConnectorDatagramSize is the per-read buffer size
	// (UDP_CONNECTOR_DATAGRAM_SIZE). Default 2048.
	UDPConnectorDatagramSize int

	// ExchangeStore overrides the in-memory exchange store installed on
	// first start.
	ExchangeStore exchange.Store

	// ObservationStore overrides the in-memory observation store.
	ObservationStore exchange.ObservationStore

	// Executor overrides the single-threaded protocol stage created on
	// first start.
	Executor Executor

	// Clock drives every timer in the endpoint; nil uses the wall clock.
	Clock clock.Clock

	// LoggerFactory creates the endpoint's loggers. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// DefaultConfig returns a configuration with the RFC 7252 defaults.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

// applyDefaults fills in defaults for unset fields.
func (c *Config) applyDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 2 * time.Second
	}
	if c.AckRandomFactor < 1 {
		c.AckRandomFactor = 1.5
	}
	if c.MaxRetransmit <= 0 {
		c.MaxRetransmit = 4
	}
	if c.NStart <= 0 {
		c.NStart = 1
	}
	if c.ExchangeLifetime <= 0 {
		c.ExchangeLifetime = 247 * time.Second
	}
	if c.NonLifetime <= 0 {
		c.NonLifetime = 145 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1024
	}
	if c.PreferredBlockSize <= 0 {
		c.PreferredBlockSize = 1024
	}
	if c.MaxResourceBodySize <= 0 {
		c.MaxResourceBodySize = 8192
	}
	if c.NotificationCheckInterval <= 0 {
		c.NotificationCheckInterval = 24 * time.Hour
	}
	if c.NotificationReregistrationBackoff <= 0 {
		c.NotificationReregistrationBackoff = 2 * time.Second
	}
	if c.TokenSizeLimit <= 0 {
		c.TokenSizeLimit = 8
	}
	if c.NetworkStageReceiverThreadCount <= 0 {
		c.NetworkStageReceiverThreadCount = 1
	}
	if c.NetworkStageSenderThreadCount <= 0 {
		c.NetworkStageSenderThreadCount = 1
	}
	if c.UDPConnectorDatagramSize <= 0 {
		c.UDPConnectorDatagramSize = 2048
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}
