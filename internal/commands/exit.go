package commands

import (
	"os"

	"github.com/debugmcp/mcp-debugger-sub008/pkg/logger"
	"github.com/debugmcp/mcp-debugger-sub008/pkg/osutil"
)

// ErrorExit reports a fatal error on stderr and in the log, then exits with the given code.
func ErrorExit(log *logger.Logger, err error, code int) {
	log.Error(err, "Exiting due to an error", "exitCode", code)
	_, _ = os.Stderr.Write(osutil.WithNewline([]byte(err.Error())))
	log.Flush()
	os.Exit(code)
}
