// Responsible for storing the register readings collected from the meter.
// Depends on the meter API being online.
package main

import (
	"database/sql"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opticalmeter/iec62056_reader/pkg/config"
	"github.com/opticalmeter/iec62056_reader/pkg/feed"
	"github.com/opticalmeter/iec62056_reader/pkg/meterdb"
	"github.com/opticalmeter/iec62056_reader/pkg/obis"
)

func main() {
	// Load config
	if err := config.LoadMeterCollectorConfig(); err != nil {
		log.Fatalf("Failed to load meter collector config: %v", err)
	}

	// Initialize database
	meterdb.InitializeDatabase()

	// Subscribe to websocket with revive
	feed.StartListener(
		config.ActiveMeterCollectorConfig.MeterAPIHost,
		config.ActiveMeterCollectorConfig.TLSEnabled,
		handleSnapshot,
	)
}

// Handle one broadcast snapshot: persist every register as a time-series
// row, preserving block order so later duplicates overwrite earlier ones
// downstream.
func handleSnapshot(snapshot *feed.Snapshot) {
	ts, err := time.Parse(time.RFC3339, snapshot.Timestamp)
	if err != nil {
		ts = time.Now()
	}

	readings := make([]meterdb.RegisterReading, 0, len(snapshot.Registers))
	for _, reg := range snapshot.Registers {
		row := meterdb.RegisterReading{
			Timestamp:  ts.Unix(),
			Identifier: reg.Identifier,
			Unit:       reg.Unit,
		}
		switch v := reg.Value.(type) {
		case obis.Number:
			row.ValueNum = sql.NullFloat64{Float64: v.Value, Valid: true}
			row.ValueText = v.String()
		case obis.Text:
			row.ValueText = v.Value
		}
		readings = append(readings, row)
	}

	if err := meterdb.InsertRegisterReadings(readings); err != nil {
		log.Errorf("Failed to store snapshot: %v", err)
		return
	}
	log.Infof("Stored %d register readings (skipped lines: %d)", len(readings), snapshot.Skipped)
}
