package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/opticalmeter/iec62056_reader/pkg/pathing"
)

var (
	ActiveMeterAPIConfig       *MeterAPIConfig
	ActiveMeterCollectorConfig *MeterCollectorConfig
)

func LoadMeterAPIConfig() error {
	configPath := filepath.Join(pathing.GetConfigDir(), "meter_api.toml")

	// Create default if not exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := &MeterAPIConfig{
			SerialDevice: "/dev/ttyUSB0",
			DeviceID:     "",
			QueryCode:    "?",
			InitialBaud:  300,
			MaxBaud:      9600,
			ByteSize:     7,
			Parity:       "E",
			StopBits:     1,
			TimeoutSecs:  5,
			SettleMs:     400,
			DeadlineSecs: 30,
			OnlyListen:   false,
			UseChecksum:  true,
			ChecksumMode: "xor",

			PollIntervalSecs: 3600,
			ListenAddress:    "0.0.0.0",
			ListenPort:       9039,
			LogLevel:         "info",
		}
		// Create file
		cfgFile, err := os.Create(configPath)
		if err != nil {
			return err
		}
		defer cfgFile.Close()
		toml.NewEncoder(cfgFile).Encode(cfg)
		ActiveMeterAPIConfig = cfg
		return nil
	}

	// Load existing config
	var config MeterAPIConfig
	_, err := toml.DecodeFile(configPath, &config)
	if err != nil {
		return err
	}
	ActiveMeterAPIConfig = &config
	return nil
}

func LoadMeterCollectorConfig() error {
	configPath := filepath.Join(pathing.GetConfigDir(), "meter_collector.toml")

	// Create default if not exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := &MeterCollectorConfig{
			MeterAPIHost: "localhost:9039",
			TLSEnabled:   false,
		}
		// Create file
		cfgFile, err := os.Create(configPath)
		if err != nil {
			return err
		}
		defer cfgFile.Close()
		toml.NewEncoder(cfgFile).Encode(cfg)
		ActiveMeterCollectorConfig = cfg
		return nil
	}

	// Load existing config
	var config MeterCollectorConfig
	_, err := toml.DecodeFile(configPath, &config)
	if err != nil {
		return err
	}
	ActiveMeterCollectorConfig = &config
	return nil
}
