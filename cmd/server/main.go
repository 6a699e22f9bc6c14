package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fieldmesh/coremachine/internal/app"
	"github.com/fieldmesh/coremachine/internal/platform/envutil"
)

func envTrue(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	runServer := envTrue("RUN_SERVER", true)
	runWorker := envTrue("RUN_WORKER", true)

	if runWorker {
		a.Start()
	}

	if runServer {
		addr := envutil.String("HTTP_ADDR", ":8080")
		a.Log.Info("server listening", "addr", addr)
		if err := a.Run(addr); err != nil {
			a.Log.Warn("server exited", "error", err)
		}
		return
	}

	// Worker-only container: keep the process alive for the dispatch loops.
	select {}
}
