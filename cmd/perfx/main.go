// Command perfx executes one load-test run defined on the performance
// platform.
//
// Usage:
//
//	perfx run -f script.yaml --run-id <id> [flags] [--param value ...]
//	perfx stub [--addr localhost:8000]
//
// Flags not known to perfx are validated against the endpoint's parameter
// schema and handed to the workload.
package main

import (
	"context"
	"os"
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
