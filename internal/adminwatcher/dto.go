package adminwatcher

import (
	"time"

	"github.com/emeraldrp/beacon-gateway/pkg/beacon"
)

// Value is the Debezium change envelope for a game_servers row.
type Value[T any] struct {
	Before *T     `json:"before"`
	After  *T     `json:"after"`
	Op     string `json:"op"`
	TsMs   int64  `json:"ts_ms"`
}

type ServerDto struct {
	ID                string  `json:"id"`
	BeaconAddress     string  `json:"beacon_address"`
	BeaconKey         string  `json:"beacon_key"`
	CallTimeoutMs     int64   `json:"call_timeout_ms"`
	MaxConnectRetries uint    `json:"max_connect_retries"`
	MaxCallRate       float64 `json:"max_call_rate"`
	Enabled           bool    `json:"enabled"`
}

func (d ServerDto) toEndpointConfig() beacon.EndpointConfig {
	return beacon.EndpointConfig{
		ServerID:       beacon.ServerID(d.ID),
		Address:        d.BeaconAddress,
		AuthKey:        d.BeaconKey,
		DefaultTimeout: time.Duration(d.CallTimeoutMs) * time.Millisecond,
		MaxRetries:     d.MaxConnectRetries,
		MaxCallRate:    d.MaxCallRate,
	}
}
