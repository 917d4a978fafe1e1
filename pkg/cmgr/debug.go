package cmgr

import "os"

// DebugEnabled controls whether additional internal diagnostics are
// printed. It is set automatically based on the CMGR_DEBUG environment
// variable.
var DebugEnabled bool

func init() {
	DebugEnabled = os.Getenv("CMGR_DEBUG") == "1"
}
