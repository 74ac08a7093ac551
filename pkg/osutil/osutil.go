package osutil

import (
	"runtime"
)

var (
	lf   = []byte("\n")
	crlf = []byte("\r\n")
)

func IsWindows() bool {
	return runtime.GOOS == "windows"
}

// LineSep returns the line separator used for console output on the current platform.
func LineSep() []byte {
	if IsWindows() {
		return crlf
	} else {
		return lf
	}
}

// WithNewline returns a copy of b terminated with the platform line separator.
func WithNewline(b []byte) []byte {
	retval := make([]byte, 0, len(b)+len(crlf))
	retval = append(retval, b...)
	return append(retval, LineSep()...)
}
