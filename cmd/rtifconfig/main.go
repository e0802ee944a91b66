// Command rtifconfig is the CLI client for a running rtnetd's admin
// API: bring devices up/down, manage static routes, and drive the
// TDMA media-access discipline's master/client/slot commands.
package main

import (
	"fmt"
	"os"

	"github.com/rtnet-go/rtnet/internal/rtcmd"
)

func main() {
	if err := rtcmd.RootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
