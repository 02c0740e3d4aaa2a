// Command outboxctl inspects and drains a persisted outbox queue.
//
// It opens the same storage a client would use (pebble on disk by default,
// or memory, redis, mysql and postgres), so it can enqueue messages, list
// what is pending, flush or run delivery against an HTTP endpoint, and prune
// abandoned queues from SQL backends.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stdin).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
