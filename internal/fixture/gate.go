package fixture

import (
	"os"
	"strconv"
	"testing"

	"github.com/pastyface/dbsnap/internal/conf"
)

// Gate reports whether the process is running under a test profile. The
// fixture refuses to start or destroy containers when it returns false.
type Gate func() bool

// EnvGate is the default gate: open when the process is a test binary, when
// the configuration asserts test mode, or when DBSNAP_TEST_MODE is set
// truthy (the escape hatch for the control daemon, which is not a test
// binary itself).
func EnvGate(cfg *conf.Settings) Gate {
	return func() bool {
		if testing.Testing() {
			return true
		}
		if cfg != nil && cfg.TestMode {
			return true
		}
		enabled, _ := strconv.ParseBool(os.Getenv("DBSNAP_TEST_MODE"))
		return enabled
	}
}
