package config

type MeterAPIConfig struct {
	SerialDevice string `toml:"serial_device"`
	DeviceID     string `toml:"device_id"`
	QueryCode    string `toml:"query_code"`
	InitialBaud  uint   `toml:"initial_baud"`
	MaxBaud      uint   `toml:"max_baud"`
	ByteSize     uint   `toml:"bytesize"`
	Parity       string `toml:"parity"`
	StopBits     uint   `toml:"stopbits"`
	TimeoutSecs  int    `toml:"timeout_secs"`
	SettleMs     int    `toml:"settle_ms"`
	DeadlineSecs int    `toml:"deadline_secs"`
	OnlyListen   bool   `toml:"only_listen"`
	UseChecksum  bool   `toml:"use_checksum"`
	ChecksumMode string `toml:"checksum_mode"` // "xor" or "sum"

	PollIntervalSecs int    `toml:"poll_interval_secs"`
	ListenAddress    string `toml:"listen_address"`
	ListenPort       int    `toml:"listen_port"`
	LogLevel         string `toml:"log_level"`

	// Optional solar inverter readout over modbus TCP.
	SolarInverterIp         string `toml:"solar_inverter_ip"`
	SolarInverterModbusPort int    `toml:"solar_inverter_modbus_port"`
}

type MeterCollectorConfig struct {
	MeterAPIHost string `toml:"meter_api_host"`
	TLSEnabled   bool   `toml:"tls_enabled"`
}
