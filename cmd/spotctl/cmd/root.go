// Package cmd implements the spotctl CLI, a thin client of the HTTP API.
package cmd

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

var apiAddr string

var rootCmd = &cobra.Command{
	Use:   "spotctl",
	Short: "Interact with the spot-price task queue",
	Long:  "spotctl submits tasks, checks their status, and fetches spot prices through the spotqueue HTTP API.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://localhost:8080", "base URL of the spotqueue API")
}

var httpClient = &http.Client{Timeout: 60 * time.Second}

func getJSON(path string) error {
	resp, err := httpClient.Get(apiAddr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func postJSON(path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(apiAddr+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
	} else {
		fmt.Println(pretty.String())
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("API returned %s", resp.Status)
	}
	return nil
}
