package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes the starter mesh config unless one exists.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(meshTemplate), 0o600)
}

const meshTemplate = `local_node_id = "dev-local"
admin_addr = ":9400"
cors_origins = ["http://localhost:3000"]

quorum = 0
replica_factor = 2
required_acks = 2

heartbeat_interval_ms = 5000
heartbeat_timeout_ms = 2000
max_missed_heartbeats = 3
ack_window_ms = 2000
retry_budget = 2

[[nodes]]
node_id = "dev-local"
node_type = "local"
capabilities = ["compile", "test", "lint"]

[[nodes]]
node_id = "build-remote"
node_type = "remote"
capabilities = ["compile", "test"]

[[nodes]]
node_id = "gpu-cloud"
node_type = "cloud"
capabilities = ["compile", "test", "train"]
`
