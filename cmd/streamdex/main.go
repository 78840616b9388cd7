// Command streamdex serves retrieval queries over a continuously ingested
// JSON Lines feed.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
