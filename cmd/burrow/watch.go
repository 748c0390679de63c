package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/burrowhq/burrow/pkg/client"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/types"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow live event updates from a burrow hub",
	Long: `Connect to a burrow websocket hub and print event updates as they
happen. While disconnected, falls back to polling the ingestion API.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().String("url", "ws://localhost:8081/ws", "Websocket hub URL")
	watchCmd.Flags().String("api", "http://localhost:8080", "Ingestion API base URL for poll fallback")
}

func runWatch(cmd *cobra.Command, args []string) error {
	wsURL, _ := cmd.Flags().GetString("url")
	apiURL, _ := cmd.Flags().GetString("api")

	log.Init(log.Config{Level: log.WarnLevel})

	c := client.New(client.Config{
		URL: wsURL,
		OnMessage: func(msg *types.Message) {
			data, err := json.Marshal(msg)
			if err != nil {
				return
			}
			fmt.Println(string(data))
		},
		OnStateChange: func(state client.State, err error) {
			if err != nil {
				fmt.Fprintf(os.Stderr, "state: %s (%v)\n", state, err)
				return
			}
			fmt.Fprintf(os.Stderr, "state: %s\n", state)
		},
		Poll: func(ctx context.Context) {
			pollInbox(ctx, apiURL)
		},
	})
	c.Start()
	defer c.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}

// pollInbox is the degraded-mode data source: current pending events via
// the ingestion API instead of push updates.
func pollInbox(ctx context.Context, apiURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/inbox", nil)
	if err != nil {
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "poll failed: %v\n", err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}

	var events []*types.Event
	if err := json.Unmarshal(body, &events); err != nil {
		return
	}
	for _, event := range events {
		proj, err := json.Marshal(types.Project(event))
		if err != nil {
			continue
		}
		fmt.Printf("poll: %s\n", proj)
	}
}
