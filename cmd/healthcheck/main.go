// Command healthcheck probes the local server for container health checks.
// It exits 0 when the probed endpoint answers 200.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/allaunyc/college-selection-bot/internal/config"
)

var readyFlag = flag.Bool("ready", false, "Probe /readyz (session store reachable) instead of /livez")

func main() {
	flag.Parse()

	port := os.Getenv(config.EnvPort)
	if port == "" {
		port = "10000"
	}

	client := &http.Client{Timeout: 8 * time.Second}
	if err := probe(client, fmt.Sprintf("http://localhost:%s%s", port, endpoint(*readyFlag))); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func endpoint(ready bool) string {
	if ready {
		return "/readyz"
	}
	return "/livez"
}

func probe(client *http.Client, url string) error {
	resp, err := client.Get(url) //nolint:noctx // one-shot probe bounded by the client timeout
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return nil
}
