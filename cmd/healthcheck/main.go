// Command healthcheck is the container HEALTHCHECK. It probes the server's liveness endpoint,
// or the readiness endpoint with -ready, and exits 1 when the probe fails.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"
)

const defaultBase = "http://localhost:5000"

func main() {
	ready := flag.Bool("ready", false, "probe /readyz instead of /healthz")
	timeout := flag.Duration("timeout", 3*time.Second, "request timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := probe(ctx, http.DefaultClient, probeURL(*ready), os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "healthcheck:", err)
		os.Exit(1)
	}
}

// probeURL honours HEALTHCHECK_URL for liveness; readiness is derived from its base.
func probeURL(ready bool) string {
	url := os.Getenv("HEALTHCHECK_URL")
	if url == "" {
		url = defaultBase + "/healthz"
	}
	if ready {
		url = strings.TrimSuffix(url, "/healthz") + "/readyz"
	}
	return url
}

// probe fails on transport errors and non-200 replies. Failed readiness checks are written to
// out one per line.
func probe(ctx context.Context, client *http.Client, url string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body) == nil {
		names := make([]string, 0, len(body.Checks))
		for name, result := range body.Checks {
			if result != "ok" {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "%s: %s\n", name, body.Checks[name])
		}
	}
	return fmt.Errorf("%s answered %d", url, resp.StatusCode)
}
