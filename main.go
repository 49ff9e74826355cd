// Package main is the entry point for the sentinel threat detection service.
package main

import (
	"flag"
	"fmt"
	"os"

	"sentinel/bootstrap"
	"sentinel/cmd"
)

// run initializes and starts the service, blocking until shutdown.
func run(configFile string) error {
	app, err := bootstrap.NewApp(configFile)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	errCh := app.Start()

	done := make(chan struct{})
	go func() {
		app.WaitForShutdown()
		close(done)
	}()

	select {
	case err := <-errCh:
		app.Shutdown()
		return fmt.Errorf("server failed: %w", err)
	case <-done:
	}

	app.Shutdown()
	return nil
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "playbooks" {
		os.Args = append([]string{os.Args[0]}, os.Args[2:]...)
		if err := cmd.NewPlaybooksCmd().Execute(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configFile := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
