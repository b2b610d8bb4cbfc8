package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteTemplate writes a commented hubd.toml to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(hubdTemplate), 0o600)
}

const hubdTemplate = `# hubd configuration
tcp_addr = "127.0.0.1:7878"
# unix_socket = "/home/me/.hubctl/socket"

# framed: one envelope per frame, malformed input closes the connection
# terminal: envelopes embedded in terminal output, other bytes pass through
mode = "framed"

admin_addr = "127.0.0.1:7879"
# admin_token = "change-me"
# admin_cors_origins = ["http://localhost:5173"]

max_buffer_bytes = 1048576
max_frame_bytes = 8388608
write_timeout = "10s"
idle_flush = "250ms"
# mark a terminal-mode session lost after this long without protocol traffic
# protocol_quiet_after = "5m"
sweep_interval = "30s"
session_max_age = "10m"

history_limit = 256
# history_db = "/var/lib/hubd/history.db"
# drop persisted history older than this; unset keeps everything
# history_retention = "720h"

# redis_addr = "127.0.0.1:6379"
redis_channel = "hub.events"

validate_properties = true

security_mode = "development"
tls_enabled = false
tls_mutual = false
# tls_cert_file = ""
# tls_key_file = ""
# tls_ca_file = ""
`
