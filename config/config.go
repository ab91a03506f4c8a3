// Package config loads broker configuration from environment variables,
// matching original_source/main.py's top-level configuration constants.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/flowmq/broker/dispatcher"
	"github.com/flowmq/broker/network"
	"github.com/flowmq/broker/repository"
)

const (
	envBindAddress            = "FLOWMQ_BIND_ADDRESS"
	envBacklog                = "FLOWMQ_BACKLOG"
	envMaxConnections         = "FLOWMQ_MAX_CONNECTIONS"
	envMaxClientIDLength      = "FLOWMQ_MAX_CLIENT_ID_LENGTH"
	envMaxPacketSize          = "FLOWMQ_MAX_PACKET_SIZE"
	envMinConnectionInterval  = "FLOWMQ_MIN_CONNECTION_INTERVAL"
	envDispatcherWorkers      = "FLOWMQ_DISPATCHER_WORKERS"
	envDispatcherQueueSize    = "FLOWMQ_DISPATCHER_QUEUE_SIZE"
	envAckTimeout             = "FLOWMQ_ACK_TIMEOUT"
	envShutdownTimeout        = "FLOWMQ_SHUTDOWN_TIMEOUT"
	envPublishRateLimit       = "FLOWMQ_PUBLISH_RATE_LIMIT"
	envPublishRateWindow      = "FLOWMQ_PUBLISH_RATE_WINDOW"
)

// Config is the environment-sourced configuration for the Listener,
// Repository, and Dispatcher components a cmd/broker process wires up.
type Config struct {
	Listener          network.ListenerConfig
	Repository        repository.Config
	Dispatcher        dispatcher.Config
	ShutdownTimeout   time.Duration
	PublishRateLimit  int
	PublishRateWindow time.Duration
}

// Load reads every FLOWMQ_* environment variable, falling back to
// original_source/main.py's defaults (bind 127.0.0.1:5000, backlog 50)
// for anything unset or unparsable.
func Load() Config {
	listener := *network.DefaultListenerConfig(getString(envBindAddress, "127.0.0.1:5000"))
	listener.MaxConnections = getInt(envMaxConnections, listener.MaxConnections)
	backlog := getInt(envBacklog, 50)
	_ = backlog // network.Listener has no backlog knob; net.Listen uses the OS default.

	repoCfg := repository.DefaultConfig()
	repoCfg.MaxConnections = getInt(envMaxConnections, repoCfg.MaxConnections)
	repoCfg.MaxClientIDLength = getInt(envMaxClientIDLength, repoCfg.MaxClientIDLength)
	repoCfg.MaxPacketSize = uint32(getInt(envMaxPacketSize, int(repoCfg.MaxPacketSize)))
	repoCfg.MinConnectionInterval = getDuration(envMinConnectionInterval, repoCfg.MinConnectionInterval)

	dispCfg := dispatcher.DefaultConfig()
	dispCfg.Workers = getInt(envDispatcherWorkers, dispCfg.Workers)
	dispCfg.QueueSize = getInt(envDispatcherQueueSize, dispCfg.QueueSize)
	dispCfg.AckTimeout = getDuration(envAckTimeout, dispCfg.AckTimeout)

	return Config{
		Listener:          listener,
		Repository:        repoCfg,
		Dispatcher:        dispCfg,
		ShutdownTimeout:   getDuration(envShutdownTimeout, 10*time.Second),
		PublishRateLimit:  getInt(envPublishRateLimit, 0),
		PublishRateWindow: getDuration(envPublishRateWindow, time.Second),
	}
}

func getString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
