// Command callsig extracts call signatures of serializer functions from a
// binary.
package main

import (
	"os"

	"github.com/apex/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("callsig failed")
		os.Exit(1)
	}
}
