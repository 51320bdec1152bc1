// funcrunctl is the operator CLI. It talks to a running funcrun server's
// admin API and maps failures to distinct exit codes so scripts can branch
// on them.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for scripting.
const (
	exitOK          = 0
	exitGeneric     = 1
	exitAuth        = 2
	exitNotFound    = 3
	exitRateLimited = 4
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "funcrunctl",
		Short:         "Operate a funcrun server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var opts clientOptions
	root.PersistentFlags().StringVar(&opts.Server, "server", envOr("FUNCRUN_SERVER", "http://localhost:8080"), "Server base URL")
	root.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("FUNCRUN_ADMIN_TOKEN"), "Admin bearer token")
	root.PersistentFlags().StringVarP(&opts.Output, "output", "o", "table", "Output format: table or json")

	root.AddCommand(newFunctionCmd(&opts))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCodeOf(err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// apiError carries the HTTP status of a failed admin call.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

func exitCodeOf(err error) int {
	ae, ok := err.(*apiError)
	if !ok {
		return exitGeneric
	}
	switch ae.Status {
	case 401, 403:
		return exitAuth
	case 404:
		return exitNotFound
	case 429:
		return exitRateLimited
	default:
		return exitGeneric
	}
}
