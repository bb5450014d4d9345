// Package testing switches binaries into test mode so their main functions can
// be exercised without Postgres or Redis. Blank-import it from a main package
// test.
package testing

import (
	"os"
	stdtesting "testing"

	"github.com/courier-ops/courier/internal/app"
)

// testAdminToken satisfies the ADMIN_TOKEN length check in LoadConfig.
const testAdminToken = "test-admin-token-0123456789"

func init() {
	enable()
}

func enable() {
	_ = os.Setenv(app.TestModeEnv, "1")
	if os.Getenv("ADMIN_TOKEN") == "" {
		_ = os.Setenv("ADMIN_TOKEN", testAdminToken)
	}
}

// TestMain runs m with test mode enabled.
func TestMain(m *stdtesting.M) {
	enable()
	os.Exit(m.Run())
}
