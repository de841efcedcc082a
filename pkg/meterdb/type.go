package meterdb

import "database/sql"

// RegisterReading is one register value at one point in time, as stored.
// Numeric values keep both the parsed float and the exact textual form the
// meter transmitted.
type RegisterReading struct {
	Timestamp  int64           `db:"timestamp"`
	Identifier string          `db:"identifier"`
	ValueNum   sql.NullFloat64 `db:"value_num"`
	ValueText  string          `db:"value_text"`
	Unit       string          `db:"unit"`
}
