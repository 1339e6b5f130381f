// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "verdalis",
		Short: "A CLI for the Verdalis chat gateway",
		Long: `Verdalis talks to a running gateway instance: interactive streaming
chat, conversation management, and provider health checks.`,
	}

	// gatewayURL and ownerID are shared by every subcommand.
	gatewayURL string
	ownerID    string

	// providerName selects which backend family a command targets.
	providerName string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway",
		envOr("VERDALIS_GATEWAY_URL", "http://localhost:12210"),
		"Base URL of the gateway")
	rootCmd.PersistentFlags().StringVar(&ownerID, "user",
		envOr("VERDALIS_USER", "cli"),
		"Owner id sent as X-User-ID")
	rootCmd.PersistentFlags().StringVar(&providerName, "provider",
		envOr("VERDALIS_PROVIDER", "ollama"),
		"Provider backend (ollama, gemini, openai)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(healthCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
