// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
)

var (
	conversationsCmd = &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"convs"},
		Short:   "Manage stored conversations",
	}

	conversationsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List your conversations, most recently updated first",
		Run:   runConversationsList,
	}

	deleteAll bool

	conversationsDeleteCmd = &cobra.Command{
		Use:   "delete [conversation-id]",
		Short: "Delete one conversation, or all with --all",
		Run:   runConversationsDelete,
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Report gateway and provider health",
		Run:   runHealthCommand,
	}
)

func init() {
	conversationsDeleteCmd.Flags().BoolVar(&deleteAll, "all", false,
		"Delete every conversation for this user and provider")
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsDeleteCmd)
}

func runConversationsList(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := newGatewayRequest(ctx, http.MethodGet, "/v1/chat/"+providerName, nil)
	if err != nil {
		fatalf("Error: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("Error: gateway unreachable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fatalf("Error: %v", gatewayError(resp))
	}

	var summaries []datatypes.ConversationSummary
	if err := json.NewDecoder(resp.Body).Decode(&summaries); err != nil {
		fatalf("Error: malformed list response: %v", err)
	}
	if len(summaries) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, s := range summaries {
		updated := time.UnixMilli(s.UpdatedAt).Local().Format("2006-01-02 15:04")
		fmt.Printf("%s  %s  %s\n", s.ID, updated, s.Title)
	}
}

func runConversationsDelete(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if deleteAll {
		req, err := newGatewayRequest(ctx, http.MethodDelete, "/v1/chat/"+providerName, nil)
		if err != nil {
			fatalf("Error: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fatalf("Error: gateway unreachable: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fatalf("Error: %v", gatewayError(resp))
		}
		var result struct {
			Deleted int `json:"deleted"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			fatalf("Error: malformed delete response: %v", err)
		}
		fmt.Printf("Deleted %d conversation(s).\n", result.Deleted)
		return
	}

	if len(args) != 1 {
		fatalf("Error: pass a conversation id, or --all")
	}
	req, err := newGatewayRequest(ctx, http.MethodDelete,
		"/v1/chat/"+providerName+"/"+args[0], nil)
	if err != nil {
		fatalf("Error: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("Error: gateway unreachable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		fatalf("Error: %v", gatewayError(resp))
	}
	fmt.Println("Deleted.")
}

func runHealthCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := newGatewayRequest(ctx, http.MethodGet, "/health/ready", nil)
	if err != nil {
		fatalf("Error: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("Error: gateway unreachable: %v", err)
	}
	defer resp.Body.Close()

	var status struct {
		Status    string            `json:"status"`
		Providers map[string]string `json:"providers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		fatalf("Error: malformed health response: %v", err)
	}
	fmt.Printf("Gateway: %s\n", status.Status)
	for provider, state := range status.Providers {
		fmt.Printf("  %-8s %s\n", provider, state)
	}
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
