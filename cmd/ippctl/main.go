// Command ippctl talks to an ippproxy server: it reads printer attributes,
// validates and submits jobs and triggers the admin actions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var globals struct {
	server   string
	queue    string
	user     string
	password string
	version  string
}

var rootCmd = &cobra.Command{
	Use:           "ippctl",
	Short:         "Operator tool for ippproxy",
	Long:          "Query and submit jobs to an ippproxy server over IPP",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&globals.server, "server", "s", envOr("IPPPROXY_SERVER", "http://localhost:8631"), "Server URL")
	flags.StringVarP(&globals.queue, "queue", "q", envOr("IPPPROXY_QUEUE", "public"), "Queue name")
	flags.StringVarP(&globals.user, "user", "U", envOr("USER", "anonymous"), "Requesting user")
	flags.StringVar(&globals.password, "password", os.Getenv("IPPPROXY_PASSWORD"), "Password for Basic authentication")
	flags.StringVar(&globals.version, "ipp-version", "2.0", "IPP version of requests")

	rootCmd.AddCommand(attrsCmd, validateCmd, printCmd, releaseCmd, refreshCmd, inboxPrintCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ippctl:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
