package config

import (
	"fmt"
	"os"
)

// Template returns a commented settings file with the defaults spelled out.
func Template() string {
	return template
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const template = `[bus]
name = "sigbus"
# first tcp entry of a bus address list
address = "tcp:host=127.0.0.1,port=47000"
# external+anonymous | external | anonymous
auth = "external+anonymous"
trace = "sigbus"
# subscribe to MessageReceived from the service owner
obey = true
member = "MessageReceived"
queue_capacity = 1
dial_timeout = "5s"
write_timeout = "10s"
read_buffer = 65536
reconnect = true
# 0 retries forever
max_attempts = 0

[bus.backoff]
initial = "500ms"
multiplier = 2.0
max = "30s"
jitter = true

[admin]
addr = "127.0.0.1:7020"
cors_origins = ["http://localhost:3000"]
# bearer token for POST routes; empty leaves them open
token = ""
call_timeout = "10s"

[log]
level = "info"
timestamp = true
no_color = false
json = false
`
