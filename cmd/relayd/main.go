// Command relayd runs the workflow outbox relay: it dispatches pending outbox
// rows to the configured broker and serves the admin API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/LerianStudio/workflow-relay/internal/bootstrap"
)

func main() {
	service, err := bootstrap.Init(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}

	if err := service.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}
