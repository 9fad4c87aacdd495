package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/michaelpento.lv/loopvault/cmd"
	"github.com/michaelpento.lv/loopvault/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	defer utils.CleanupLogger()

	if err := cmd.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
