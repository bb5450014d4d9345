package app

import (
	"os"
	"strconv"
)

// TestModeEnv makes both binaries return from main before touching Postgres
// or Redis, so `go test ./cmd/...` can execute them.
const TestModeEnv = "COURIER_TEST_MODE"

// InTestMode reports whether TestModeEnv holds a true value.
func InTestMode() bool {
	on, err := strconv.ParseBool(os.Getenv(TestModeEnv))
	return err == nil && on
}
