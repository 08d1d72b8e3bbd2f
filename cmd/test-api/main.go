// Package main is a smoke-test utility that verifies the service's HTTP API is reachable and
// returning valid responses. It probes the readiness and version endpoints and, when given a model
// and foreign key, reads that entity's history count. Useful for quick post-deployment checks
// without needing external tooling like curl or a full integration test suite.
package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

func main() {
	base := os.Getenv("MH_BASE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	paths := []string{"/ready", "/version"}
	if len(os.Args) == 3 {
		paths = append(paths, fmt.Sprintf("/api/v1/history/%s/%s/count",
			url.PathEscape(os.Args[1]), url.PathEscape(os.Args[2])))
	}

	client := &http.Client{Timeout: 10 * time.Second}
	failed := false
	for _, p := range paths {
		resp, err := client.Get(base + p)
		if err != nil {
			fmt.Printf("%s: error: %v\n", p, err)
			failed = true
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			fmt.Printf("%s: error reading body: %v\n", p, err)
			failed = true
			continue
		}

		fmt.Printf("%s: status %d\n%s\n", p, resp.StatusCode, string(body))
		if resp.StatusCode >= 400 {
			failed = true
		}
	}

	if failed {
		os.Exit(1)
	}
}
