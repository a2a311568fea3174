// beaconsim is a fake game-server beacon for manual gateway testing. It
// answers the socket protocol with canned data and can be made flaky to
// exercise reconnects:
//
//	BEACON_KEY=secret go run ./cmd/tools/beaconsim 7777
//	BEACON_DROP_AFTER=5 BEACON_KEY=secret go run ./cmd/tools/beaconsim 7777
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/emeraldrp/beacon-gateway/internal/gateway"
	"github.com/emeraldrp/beacon-gateway/pkg/beacon"
)

func main() {
	key := os.Getenv("BEACON_KEY")
	dropAfter, _ := strconv.Atoi(os.Getenv("BEACON_DROP_AFTER"))

	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%s", os.Args[1]))
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("beaconsim listening on %s", ln.Addr())

	for {
		nc, err := ln.Accept()
		if err != nil {
			log.Fatal(err)
		}
		go serve(gateway.NewJSONConn(nc), key, dropAfter)
	}
}

func serve(conn gateway.Conn, key string, dropAfter int) {
	defer conn.Close()
	started := time.Now()

	handled := 0
	for {
		req, err := conn.Receive()
		if err != nil {
			log.Printf("connection gone: %v", err)
			return
		}
		log.Printf("got %s (id=%d)", req.Event, req.ID)

		if key != "" && req.Key != key {
			reply(conn, req.ID, nil, &gateway.WireError{Code: "unauthorized", Message: "bad key"})
			return
		}

		if req.Event != beacon.PingEvent {
			handled++
			if dropAfter > 0 && handled > dropAfter {
				log.Printf("dropping connection after %d requests", dropAfter)
				return
			}
		}

		switch req.Event {
		case beacon.PingEvent:
			reply(conn, req.ID, map[string]any{}, nil)
		case beacon.GetStatusEvent:
			reply(conn, req.ID, beacon.StatusInfo{
				MapName:       "chernarus",
				UptimeSeconds: int64(time.Since(started).Seconds()),
				OnlinePlayers: 42,
				TotalPlayers:  1337,
				TickTimeMs:    11.5,
				ScannedLogs:   100500,
				LastScanAt:    time.Now().UnixMilli(),
			}, nil)
		case beacon.GetLogsEvent:
			reply(conn, req.ID, beacon.LogPage{
				Total: 1,
				Records: []beacon.LogRecord{
					{At: time.Now().Unix(), Player: "Survivor", Action: "kill", Detail: "killed Bandit with M4A1"},
				},
			}, nil)
		case beacon.GetPlayerEvent:
			reply(conn, req.ID, beacon.PlayerIdentity{
				ID:        "76561198000000000",
				Names:     []string{"Survivor"},
				FirstSeen: time.Now().Add(-24 * time.Hour).Unix(),
				LastSeen:  time.Now().Unix(),
			}, nil)
		case beacon.GetPlayerStatsEvent:
			reply(conn, req.ID, beacon.PlayerStats{Kills: 3, Deaths: 7, DistanceMeters: 15000, PlaytimeSeconds: 3600}, nil)
		case beacon.GetPlayerAchievesEvent:
			reply(conn, req.ID, []beacon.Achievement{{Name: "first_blood", EarnedAt: time.Now().Unix()}}, nil)
		case beacon.GetPlayerSessionsEvent:
			reply(conn, req.ID, beacon.SessionPage{
				Total:    1,
				Sessions: []beacon.Session{{StartedAt: time.Now().Add(-time.Hour).Unix(), EndedAt: time.Now().Unix()}},
			}, nil)
		case beacon.GetPlayerRawStateEvent:
			reply(conn, req.ID, map[string]any{"position": []float64{4500, 0, 10200}}, nil)
		case beacon.ForceRescanEvent:
			reply(conn, req.ID, beacon.RescanResult{Accepted: true}, nil)
		default:
			reply(conn, req.ID, nil, &gateway.WireError{Code: "unknown_event", Message: string(req.Event)})
		}
	}
}

func reply(conn gateway.Conn, id uint64, data any, wireErr *gateway.WireError) {
	ok := wireErr == nil
	f := gateway.Frame{ID: id, OK: &ok, Error: wireErr}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			log.Printf("failed to marshal reply: %v", err)
			return
		}
		f.Data = raw
	}
	if err := conn.Send(f); err != nil {
		log.Printf("failed to send reply: %v", err)
	}
}
