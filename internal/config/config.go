package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":3001"`
	DataPath   string `envconfig:"DATA_PATH" default:"/app/data"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	// Terminal settings
	TerminalType string `envconfig:"TERMINAL_TYPE" default:"xterm-256color"`

	// Upload settings
	UploadChunkSize   int64  `envconfig:"UPLOAD_CHUNK_SIZE" default:"5242880"`
	UploadMaxFileSize int64  `envconfig:"UPLOAD_MAX_FILE_SIZE" default:"1073741824"`
	UploadIdleTimeout string `envconfig:"UPLOAD_IDLE_TIMEOUT" default:"30m"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SSHBRIDGE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
