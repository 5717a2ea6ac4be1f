package configuration

import (
	"github.com/fulldump/objectdb/notification"
)

type Configuration struct {
	HttpAddr           string `usage:"HTTP address"`
	Path               string `usage:"command log file, empty keeps the database in memory"`
	SchemaFile         string `usage:"JSON file with the class definitions"`
	NotificationBuffer int    `usage:"events buffered per subscription"`
	Version            bool   `usage:"show version and exit"`
	ShowBanner         bool   `usage:"show big banner"`
	ShowConfig         bool   `usage:"print config"`
}

func Default() Configuration {
	return Configuration{
		HttpAddr:           "127.0.0.1:8080",
		Path:               "",
		NotificationBuffer: notification.DefaultCapacity,
		ShowBanner:         true,
	}
}
