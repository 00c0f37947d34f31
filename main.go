package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	courierlink "github.com/putto11262002/courierlink/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	app, err := courierlink.New(ctx, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	app.Start()
}
