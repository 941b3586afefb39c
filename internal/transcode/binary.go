package transcode

import (
	"fmt"
	"os"
	"os/exec"
)

// FindBinary resolves an executable. Search order:
//  1. configured path (or name on PATH) when non-empty
//  2. environment variable envVar
//  3. name on PATH
//
// A configured value that cannot be resolved is an error; it never falls
// back to the other sources.
func FindBinary(name, envVar, configured string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		if p, err := exec.LookPath(configured); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("%w: configured %s %q", ErrBinaryNotFound, name, configured)
	}

	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" && isExecutable(envPath) {
			return envPath, nil
		}
	}

	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}

	return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
