package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/odyssey-erp/rental-billing/cmd/billingctl/cli"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand(cli.RuntimeOpener()).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "billingctl: %v\n", err)
		os.Exit(1)
	}
}
