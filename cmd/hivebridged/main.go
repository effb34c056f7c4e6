package main

import (
	"fmt"
	"os"

	"github.com/v4vapp/hivebridge"
)

// main calls the "real" main function in a nested manner so that defers will
// be properly executed if os.Exit() is called.
func main() {
	if err := hivebridge.Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error starting hivebridge: %v\n",
			err)
		os.Exit(1)
	}
}
