package cli

import (
	"io"
	"testing"
)

// SetOutput redirects structured logs to w until the end of the test.
func SetOutput(t *testing.T, w io.Writer) {
	t.Helper()

	orig := output
	output = w
	t.Cleanup(func() { output = orig })
}
