package main

import (
	"context"
	"os"

	"github.com/samsaffron/llmchat/cmd"
	"github.com/samsaffron/llmchat/internal/signal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background())
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
