// Package config holds sruth's per-node configuration, replacing the
// upstream system's singleton naming-schema object with an explicit
// *Config value built by cmd/sruth and passed into a node at
// construction.
package config

import (
	"net"
	"time"
)

// Config defines the behavior and resource limits of one node.
type Config struct {
	// ========== Identity / Paths ==========

	// ArchiveRoot is the directory tree backing the node's Archive.
	ArchiveRoot string

	// ========== Networking ==========

	// NoticePort, RequestPort, DataPort are the local server's listen
	// ports, in the order spec.md §6 fixes: notice, request, data. Zero
	// requests an ephemeral port.
	NoticePort  uint16
	RequestPort uint16
	DataPort    uint16

	// DialTimeout bounds each of a Client's three socket connects.
	DialTimeout time.Duration

	// TrackerAddr is the tracker's TCP socket address.
	TrackerAddr string

	// TrackerTimeout bounds one tracker round trip.
	TrackerTimeout time.Duration

	// TrackerPollInterval is how often the node re-inquires the tracker
	// for its ServerInfo->Predicate map.
	TrackerPollInterval time.Duration

	// ========== Queueing ==========

	// QueueCapacity bounds each per-peer outbound queue (notice, request,
	// data). Producers block once a queue is full, per spec.md §4.6.
	QueueCapacity int

	// ========== Reconnection (Open Question a) ==========

	// ReconnectMaxAttempts bounds the attempts, the first one included,
	// of each retried peer dial and tracker inquiry; 0 and 1 both
	// disable retrying.
	ReconnectMaxAttempts int

	// ReconnectInitialDelay and ReconnectMaxDelay bound the exponential
	// backoff between dial attempts.
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration

	// ========== Misc ==========

	// EnableIPv6 allows dialing and listening on IPv6 addresses.
	EnableIPv6 bool
}

// DefaultConfig returns sruth's baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		ArchiveRoot:           "./archive",
		NoticePort:            0,
		RequestPort:           0,
		DataPort:              0,
		DialTimeout:           10 * time.Second,
		TrackerAddr:           "",
		TrackerTimeout:        10 * time.Second,
		TrackerPollInterval:   2 * time.Minute,
		QueueCapacity:         64,
		ReconnectMaxAttempts:  5,
		ReconnectInitialDelay: 500 * time.Millisecond,
		ReconnectMaxDelay:     30 * time.Second,
		EnableIPv6:            hasIPv6(),
	}
}

func hasIPv6() bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.To4() == nil {
			return true
		}
	}
	return false
}
