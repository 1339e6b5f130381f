// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
)

var (
	chatModel  string
	resumeChat string

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Interactive streaming chat against the gateway",
		Long: `Opens a conversation and streams answers token by token over the
gateway's SSE endpoint. Type your message and press enter; an empty line
or Ctrl-C exits.`,
		Run: runChatCommand,
	}
)

func init() {
	chatCmd.Flags().StringVar(&chatModel, "model", "",
		"Model hint; empty uses the provider default")
	chatCmd.Flags().StringVar(&resumeChat, "resume", "",
		"Conversation id to resume instead of creating a new one")
}

func runChatCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nBye.")
		cancel()
	}()

	chatID := resumeChat
	if chatID == "" {
		id, err := createConversation(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		chatID = id
		fmt.Printf("New conversation %s (provider %s)\n", chatID, providerName)
	} else {
		fmt.Printf("Resuming conversation %s\n", chatID)
	}
	fmt.Println("---")

	stdin := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !stdin.Scan() {
			return
		}
		question := strings.TrimSpace(stdin.Text())
		if question == "" {
			return
		}
		if err := streamMessage(ctx, chatID, question); err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}
	}
}

func createConversation(ctx context.Context) (string, error) {
	req, err := newGatewayRequest(ctx, http.MethodPost,
		"/v1/chat/"+providerName, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", gatewayError(resp)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("malformed create response: %w", err)
	}
	return created.ID, nil
}

// streamMessage posts one user turn and prints tokens as they arrive.
func streamMessage(ctx context.Context, chatID, question string) error {
	body, err := json.Marshal(datatypes.ChatMessageRequest{
		Message: datatypes.Message{Role: datatypes.RoleUser, Content: question},
		Model:   chatModel,
	})
	if err != nil {
		return err
	}
	req, err := newGatewayRequest(ctx, http.MethodPost,
		"/v1/chat/"+providerName+"/"+chatID+"/message/stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	// No overall timeout: streams run as long as generation does.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return gatewayError(resp)
	}

	start := time.Now()
	reader := &streamReader{}
	err = reader.readEvents(ctx, resp.Body, func(event datatypes.StreamEvent) error {
		switch event.Type {
		case datatypes.StreamEventToken:
			fmt.Print(event.Content)
		case datatypes.StreamEventDone:
			fmt.Printf("\n\n[%s, %.1fs]\n", event.Model, time.Since(start).Seconds())
		case datatypes.StreamEventError:
			return fmt.Errorf("%s", event.Error)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func newGatewayRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method,
		strings.TrimSuffix(gatewayURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-User-ID", ownerID)
	return req, nil
}

func gatewayError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("gateway returned %d", resp.StatusCode)
}
