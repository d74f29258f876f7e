package testutil

import (
	"os/exec"
	"testing"
)

// RequireBash skips the test when bash is not on PATH.
func RequireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}
