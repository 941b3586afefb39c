// Command clipper buffers a live capture, marks clips around moments of
// interest and exports them as finished files.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
