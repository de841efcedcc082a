// Meter API is responsible for polling the meter over its optical serial
// port and broadcasting the register readings.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/opticalmeter/iec62056_reader/pkg/config"
	"github.com/opticalmeter/iec62056_reader/pkg/feed"
	"github.com/opticalmeter/iec62056_reader/pkg/session"
	"github.com/opticalmeter/iec62056_reader/pkg/solarinverter"
)

var reader = session.NewReader()

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

// ws clients for broadcasting snapshots
var (
	wsClients      = make(map[*websocket.Conn]bool)
	wsClientsMutex = sync.RWMutex{}
)

// latest successful snapshot, served on /latest and replayed to new ws
// clients
var (
	latestSnapshot *feed.Snapshot
	snapshotMutex  sync.RWMutex
)

// forcePoll triggers an out-of-cycle poll on the normal read path
var forcePoll = make(chan struct{}, 1)

func main() {
	// Load config
	if err := config.LoadMeterAPIConfig(); err != nil {
		log.Fatalf("Failed to load meter API config: %v", err)
	}
	applyLogLevel(config.ActiveMeterAPIConfig.LogLevel)

	go pollLoop()

	// Setup HTTP handlers
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, http.StatusOK, map[string]string{
			"message": "IEC 62056 Meter API",
			"status":  "running",
		})
	})

	http.HandleFunc("/latest", func(w http.ResponseWriter, r *http.Request) {
		snapshotMutex.RLock()
		snapshot := latestSnapshot
		snapshotMutex.RUnlock()
		if snapshot == nil {
			writeJson(w, http.StatusNotFound, map[string]string{
				"error": "No readings available yet",
			})
			return
		}
		writeJson(w, http.StatusOK, snapshot)
	})

	// Ad-hoc raw test: one full exchange, body bytes without register
	// decoding.
	http.HandleFunc("/read/raw", func(w http.ResponseWriter, r *http.Request) {
		result := reader.Read(sessionParams(), session.ModeRaw)
		if !result.OK() {
			writeFailure(w, result.Failure)
			return
		}
		writeJson(w, http.StatusOK, map[string]string{
			"identity": result.Identity,
			"data":     string(result.Raw),
		})
	})

	// Ad-hoc parsed test.
	http.HandleFunc("/read/parsed", func(w http.ResponseWriter, r *http.Request) {
		result := reader.Read(sessionParams(), session.ModeParsed)
		if !result.OK() {
			writeFailure(w, result.Failure)
			return
		}
		writeJson(w, http.StatusOK, snapshotFromResult(result))
	})

	// Force an immediate poll through the normal read path.
	http.HandleFunc("/poll", func(w http.ResponseWriter, r *http.Request) {
		select {
		case forcePoll <- struct{}{}:
		default: // a poll is already queued
		}
		writeJson(w, http.StatusAccepted, map[string]string{"status": "poll scheduled"})
	})

	// Verbosity control. Debug level also enables raw byte dumps in
	// failure details.
	http.HandleFunc("/loglevel", func(w http.ResponseWriter, r *http.Request) {
		level := r.URL.Query().Get("level")
		if level == "" {
			writeJson(w, http.StatusOK, map[string]string{"level": log.GetLevel().String()})
			return
		}
		if !applyLogLevel(level) {
			writeJson(w, http.StatusBadRequest, map[string]string{"error": "unknown log level: " + level})
			return
		}
		writeJson(w, http.StatusOK, map[string]string{"level": log.GetLevel().String()})
	})

	http.HandleFunc("/solar", func(w http.ResponseWriter, r *http.Request) {
		watt, err := solarinverter.ReadSolarData()
		if err != nil {
			writeJson(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJson(w, http.StatusOK, map[string]int32{"solar_watt": watt})
	})

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("WebSocket upgrade error: %v", err)
			return
		}

		addWebSocketClient(conn)

		// Send current snapshot immediately if available
		snapshotMutex.RLock()
		snapshot := latestSnapshot
		snapshotMutex.RUnlock()
		if snapshot != nil {
			if data := snapshot.ToJsonBytes(); data != nil {
				conn.WriteMessage(websocket.TextMessage, data)
			}
		}

		// Keep connection alive
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				removeWebSocketClient(conn)
				break
			}
		}
	})

	listenOn := fmt.Sprintf("%s:%d",
		config.ActiveMeterAPIConfig.ListenAddress,
		config.ActiveMeterAPIConfig.ListenPort)
	log.Infof("Starting IEC 62056 Meter API on %s", listenOn)
	log.Fatal(http.ListenAndServe(listenOn, nil))
}

// pollLoop runs the periodic read. A failed poll is logged and retried on
// the next tick; the session itself never retries.
func pollLoop() {
	interval := time.Duration(config.ActiveMeterAPIConfig.PollIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pollOnce()
	for {
		select {
		case <-ticker.C:
		case <-forcePoll:
			log.Info("Out-of-cycle poll requested")
		}
		pollOnce()
	}
}

func pollOnce() {
	result := reader.Read(sessionParams(), session.ModeParsed)
	if !result.OK() {
		log.Warnf("Poll failed: %v", result.Failure)
		return
	}
	snapshot := snapshotFromResult(result)

	snapshotMutex.Lock()
	latestSnapshot = snapshot
	snapshotMutex.Unlock()

	log.Infof("Poll succeeded: %d registers (%d lines skipped)", len(snapshot.Registers), snapshot.Skipped)
	broadcastToWebSockets(snapshot)
}

func sessionParams() session.Params {
	cfg := config.ActiveMeterAPIConfig
	params := session.Params{
		Port:         cfg.SerialDevice,
		DeviceID:     cfg.DeviceID,
		QueryCode:    cfg.QueryCode,
		InitialBaud:  cfg.InitialBaud,
		MaxBaud:      cfg.MaxBaud,
		StepTimeout:  time.Duration(cfg.TimeoutSecs) * time.Second,
		Deadline:     time.Duration(cfg.DeadlineSecs) * time.Second,
		SettleDelay:  time.Duration(cfg.SettleMs) * time.Millisecond,
		OnlyListen:   cfg.OnlyListen,
		UseChecksum:  cfg.UseChecksum,
		ChecksumMode: cfg.ChecksumMode,
	}
	params.Settings.DataBits = cfg.ByteSize
	params.Settings.Parity = cfg.Parity
	params.Settings.StopBits = cfg.StopBits
	return params
}

func snapshotFromResult(result session.Result) *feed.Snapshot {
	return &feed.Snapshot{
		Timestamp: time.Now().Format(time.RFC3339),
		Identity:  result.Identity,
		Registers: result.Registers,
		Skipped:   result.Skipped,
	}
}

func applyLogLevel(level string) bool {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return false
	}
	log.SetLevel(parsed)
	return true
}

func writeJson(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeFailure(w http.ResponseWriter, f *session.Failure) {
	writeJson(w, http.StatusBadGateway, map[string]string{
		"kind":   string(f.Kind),
		"state":  string(f.State),
		"detail": f.Detail,
	})
}

func broadcastToWebSockets(snapshot *feed.Snapshot) {
	wsClientsMutex.RLock()
	clients := make([]*websocket.Conn, 0, len(wsClients))
	for client := range wsClients {
		clients = append(clients, client)
	}
	wsClientsMutex.RUnlock()

	data := snapshot.ToJsonBytes()
	if data == nil {
		return
	}

	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			removeWebSocketClient(client)
		}
	}
}

func addWebSocketClient(conn *websocket.Conn) {
	wsClientsMutex.Lock()
	wsClients[conn] = true
	wsClientsMutex.Unlock()
}

func removeWebSocketClient(conn *websocket.Conn) {
	wsClientsMutex.Lock()
	delete(wsClients, conn)
	wsClientsMutex.Unlock()
	conn.Close()
}
