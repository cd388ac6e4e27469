// Command trigger toggles recording on a running deepdive service, or
// prints its status.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/banshee-data/deepdive/internal/api"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "service base URL")
	status := flag.Bool("status", false, "print status instead of triggering")
	timeout := flag.Duration("timeout", 5*time.Minute, "request timeout; a trigger that stops recording waits for the solve")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := api.NewClient(*addr)

	if *status {
		st, err := c.Status(ctx)
		if err != nil {
			log.Fatalf("status: %v", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			log.Fatal(err)
		}
		return
	}

	resp, err := c.Trigger(ctx)
	if err != nil {
		log.Fatalf("trigger: %v", err)
	}
	log.Print(resp.Message)
	if !resp.Success {
		os.Exit(1)
	}
}
