package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hvisor-tool/virtiod/config"
	"github.com/hvisor-tool/virtiod/daemon"
)

func main() {
	cli, specs, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	d := daemon.New(cli)
	if err := d.Init(specs); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runErr := d.Run(ctx)

	if err := d.Shutdown(); err != nil {
		log.Printf("shutdown: %v", err)
	}

	if runErr != nil && runErr != context.Canceled {
		log.Fatal(runErr)
	}
}
