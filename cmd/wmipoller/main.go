// Command wmipoller periodically runs WMI queries against local and remote
// Windows hosts and ships every result row as an event.
package main

import (
	"context"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
