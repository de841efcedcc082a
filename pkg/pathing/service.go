package pathing

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// Ensure directories exist on startup
func init() {
	// Directories that must exist:
	dirs := []string{
		GetDataDir(),
		GetConfigDir(),
	}

	// Create all directories
	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			err := os.MkdirAll(dir, 0755)
			if err != nil {
				log.Fatal(err)
			}
		}
	}
}

func GetMeterDbPath() string {
	// Join path
	return filepath.Join(GetDataDir(), "meter-readings.db")
}

func GetDataDir() string {
	return "/var/lib/iec62056_reader"
}

func GetConfigDir() string {
	return "/etc/iec62056_reader"
}
