package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/steincamp/taskmirror/internal/listener"
	"github.com/steincamp/taskmirror/internal/ui"
)

var statusOutputFlag string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show change-listener health from a running serve process",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		addr := cfg.Ops.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://" + addr + "/status")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error querying %s: %v\n", addr, err)
			fmt.Fprintln(os.Stderr, "Is 'taskmirror serve' running?")
			os.Exit(1)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "Error: status endpoint returned %s\n", resp.Status)
			os.Exit(1)
		}

		var status listener.Status
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			fmt.Fprintf(os.Stderr, "Error decoding status response: %v\n", err)
			os.Exit(1)
		}

		switch statusOutputFlag {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(status)
		case "yaml":
			data, err := yaml.Marshal(status)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding status: %v\n", err)
				os.Exit(1)
			}
			os.Stdout.Write(data)
		default:
			printStatusText(status)
		}
	},
}

func printStatusText(status listener.Status) {
	var badge string
	switch {
	case !status.Enabled:
		badge = ui.RenderDim("disabled")
	case status.Connected:
		badge = ui.RenderPass(string(status.State))
	case status.Started:
		badge = ui.RenderWarn(string(status.State))
	default:
		badge = ui.RenderFail(string(status.State))
	}

	fmt.Printf("Listener: %s\n", badge)
	if status.ReconnectAttempts > 0 {
		fmt.Printf("   Reconnect attempts: %d\n", status.ReconnectAttempts)
	}
	if status.LastEventAt != nil {
		fmt.Printf("   Last event:         %s (%s ago)\n",
			status.LastEventAt.Format(time.RFC3339),
			time.Since(*status.LastEventAt).Round(time.Second))
	} else {
		fmt.Printf("   Last event:         %s\n", ui.RenderDim("none yet"))
	}
	if status.LastError != "" {
		fmt.Printf("   Last error:         %s\n", ui.RenderFail(status.LastError))
	}
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutputFlag, "output", "o", "text",
		"output format: text, json, or yaml")
	rootCmd.AddCommand(statusCmd)
}
