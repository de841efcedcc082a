package meterdb

// InsertRegisterReadings stores one snapshot of register values in a single
// transaction so a partial insert never masquerades as a full snapshot.
func InsertRegisterReadings(readings []RegisterReading) error {
	db := GetDB()

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		"INSERT INTO register_readings (timestamp, identifier, value_num, value_text, unit) " +
			"VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range readings {
		_, err := stmt.Exec(r.Timestamp, r.Identifier, r.ValueNum, r.ValueText, r.Unit)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetLatestReadings returns the most recent stored value for each register
// identifier. Later duplicates within a snapshot win, matching block order.
func GetLatestReadings() ([]RegisterReading, error) {
	db := GetDB()

	rows, err := db.Query(
		"SELECT timestamp, identifier, value_num, value_text, unit " +
			"FROM register_readings r " +
			"WHERE rowid = (SELECT MAX(rowid) FROM register_readings WHERE identifier = r.identifier) " +
			"ORDER BY identifier")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []RegisterReading
	for rows.Next() {
		var r RegisterReading
		if err := rows.Scan(&r.Timestamp, &r.Identifier, &r.ValueNum, &r.ValueText, &r.Unit); err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// GetReadingsSince returns the time series for one identifier from the
// given unix timestamp onward.
func GetReadingsSince(identifier string, sinceUnix int64) ([]RegisterReading, error) {
	db := GetDB()

	rows, err := db.Query(
		"SELECT timestamp, identifier, value_num, value_text, unit "+
			"FROM register_readings "+
			"WHERE identifier = ? AND timestamp >= ? "+
			"ORDER BY timestamp",
		identifier, sinceUnix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []RegisterReading
	for rows.Next() {
		var r RegisterReading
		if err := rows.Scan(&r.Timestamp, &r.Identifier, &r.ValueNum, &r.ValueText, &r.Unit); err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}
