package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	pocketlinecmd "github.com/louisbranch/pocketline/internal/cmd/pocketline"
)

func main() {
	cfg, err := pocketlinecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[POCKETLINE] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pocketlinecmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to run session: %v", err)
	}
}
