package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var Version = "dev"

type globalOptions struct {
	server string
	token  string
}

func main() {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:          "chatctl",
		Short:        "Command line client for the teamchat server",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", envOr("TEAMCHAT_SERVER", "http://localhost:8080"), "server base URL")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("TEAMCHAT_TOKEN"), "bearer credential")

	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(historyCmd(opts))
	rootCmd.AddCommand(tailCmd(opts))
	rootCmd.AddCommand(sendCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (o *globalOptions) requireToken() error {
	if o.token == "" {
		return fmt.Errorf("a credential is required: pass --token or set TEAMCHAT_TOKEN")
	}
	return nil
}

// wsURL derives the chat endpoint from the server base URL.
func (o *globalOptions) wsURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(o.server, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid --server: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String(), nil
}
