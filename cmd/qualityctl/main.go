package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/David-Botos/quality-ingress/cmd/qualityctl/commands"
	"github.com/David-Botos/quality-ingress/pkg/pipeline"
)

// main is the entry point of the qualityctl CLI
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Execute(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(pipeline.ExitCode(err))
	}
}
