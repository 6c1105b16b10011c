// Command dagflowctl is a thin REST client for the gateway, used to
// seed workflows and inspect their status from a terminal.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	var gatewayURL string

	root := &cobra.Command{
		Use:   "dagflowctl",
		Short: "Submit and inspect DAG workflows against a dagflow gateway",
	}
	root.PersistentFlags().StringVar(&gatewayURL, "gateway", envOr("DAGFLOW_GATEWAY_URL", "http://localhost:8080"), "gateway base URL")

	root.AddCommand(
		newSubmitCmd(&gatewayURL),
		newListCmd(&gatewayURL),
		newGetCmd(&gatewayURL),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newSubmitCmd(gatewayURL *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Seed a workflow from a graph definition file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read graph file: %w", err)
			}
			return postJSON(*gatewayURL+"/workflows", data, os.Stdout)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to a JSON graph definition (workflowId, addresses, dependsOn)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newListCmd(gatewayURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(*gatewayURL+"/workflows", os.Stdout)
		},
	}
}

func newGetCmd(gatewayURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get [workflowId]",
		Short: "Show a workflow's current snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(*gatewayURL+"/workflows/"+args[0], os.Stdout)
		},
	}
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func postJSON(url string, body []byte, out io.Writer) error {
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printPretty(resp, out)
}

func getJSON(url string, out io.Writer) error {
	resp, err := httpClient.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printPretty(resp, out)
}

func printPretty(resp *http.Response, out io.Writer) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(raw))
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		_, err := out.Write(raw)
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
