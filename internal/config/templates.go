package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Template returns the starter file for kind ("serial" or "tcp").
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "serial":
		return serialTemplate, nil
	case "tcp", "sim":
		return tcpTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const commonTemplate = `
[capture]
interval = "60s"
header_timeout = "30s"
payload_timeout = "30s"
poll_interval = "10ms"
trailer_settle = "100ms"
boot_delay = "3s"
status_probe = true
status_wait = "1s"
text_capacity = 2048
payload_capacity = 524288
queue_capacity = 65536

[storage]
mount = "photos"
prefix = "photo_"
extension = ".jpg"
chunk_size = 4096

[admin]
listen = "127.0.0.1:8080"
cors_origins = ["http://localhost:3000"]
# bearer token required on POST /capture; empty leaves it open
token = ""
trusted_proxies = ["127.0.0.1", "::1"]

[upload]
# receiver for saved photos; empty disables forwarding
url = ""
interval = "60s"
timeout = "30s"
ledger = "sent_files.json"
field = "file"
token = ""

[log]
level = "info"
json = false
`

const serialTemplate = `[link]
kind = "serial"
port = "/dev/ttyAMA0"
baud = 115200
read_timeout = "100ms"
` + commonTemplate

const tcpTemplate = `[link]
kind = "tcp"
address = "127.0.0.1:7070"
` + commonTemplate
