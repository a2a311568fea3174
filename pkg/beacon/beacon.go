package beacon

import (
	"fmt"
	"time"
)

type Event string

const (
	PingEvent              Event = "ping"
	GetStatusEvent         Event = "get_status"
	GetLogsEvent           Event = "get_logs"
	GetPlayerEvent         Event = "get_player"
	GetPlayerStatsEvent    Event = "get_player_stats"
	GetPlayerAchievesEvent Event = "get_player_achievements"
	GetPlayerSessionsEvent Event = "get_player_sessions"
	GetPlayerRawStateEvent Event = "get_player_raw"
	ForceRescanEvent       Event = "force_rescan"
)

type ServerID string

// EndpointConfig is the per-beacon connection configuration. The portal
// owns the record, the gateway only receives it as plain data.
type EndpointConfig struct {
	ServerID       ServerID
	Address        string
	AuthKey        string
	DefaultTimeout time.Duration
	MaxRetries     uint
	// MaxCallRate limits outbound business frames per second,
	// 0 means unlimited.
	MaxCallRate float64
}

func (c EndpointConfig) Validate() error {
	if c.ServerID == "" {
		return fmt.Errorf("empty server id")
	}
	if c.Address == "" {
		return fmt.Errorf("empty beacon address for server %s", c.ServerID)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("non-positive default timeout for server %s", c.ServerID)
	}
	return nil
}

type StatusInfo struct {
	MapName       string  `json:"map_name"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	OnlinePlayers int     `json:"online_players"`
	TotalPlayers  int     `json:"total_players"`
	TickTimeMs    float64 `json:"tick_time_ms"`
	ScannedLogs   int64   `json:"scanned_logs"`
	LastScanAt    int64   `json:"last_scan_at"`
}

type LogFilter struct {
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	From     int64  `json:"from,omitempty"`
	To       int64  `json:"to,omitempty"`
	Player   string `json:"player,omitempty"`
	Action   string `json:"action,omitempty"`
}

type LogRecord struct {
	At     int64  `json:"at"`
	Player string `json:"player"`
	Action string `json:"action"`
	Detail string `json:"detail"`
}

type LogPage struct {
	Total   int64       `json:"total"`
	Records []LogRecord `json:"records"`
}

type PlayerRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type PlayerIdentity struct {
	ID        string   `json:"id"`
	Names     []string `json:"names"`
	FirstSeen int64    `json:"first_seen"`
	LastSeen  int64    `json:"last_seen"`
}

type PlayerStats struct {
	Kills           int64   `json:"kills"`
	Deaths          int64   `json:"deaths"`
	DistanceMeters  float64 `json:"distance_meters"`
	PlaytimeSeconds int64   `json:"playtime_seconds"`
}

type Achievement struct {
	Name     string `json:"name"`
	EarnedAt int64  `json:"earned_at"`
}

type SessionPage struct {
	Total    int64     `json:"total"`
	Sessions []Session `json:"sessions"`
}

type Session struct {
	StartedAt int64 `json:"started_at"`
	EndedAt   int64 `json:"ended_at"`
}

type SessionFilter struct {
	PlayerID string `json:"id"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

type RescanResult struct {
	Accepted bool `json:"accepted"`
}
