package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	submitType     string
	submitPriority string
	submitPayload  string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Enqueue a task",
	Example: `  spotctl submit --type fetch-single --payload '{"instance_type":"t3.micro","region":"us-east-1"}'
  spotctl submit --type fetch-batch --priority low --payload '{"instance_types":["t3.micro","m5.large"]}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload json.RawMessage
		if submitPayload != "" {
			if !json.Valid([]byte(submitPayload)) {
				return fmt.Errorf("payload is not valid JSON")
			}
			payload = json.RawMessage(submitPayload)
		}
		return postJSON("/tasks", map[string]any{
			"type":     submitType,
			"priority": submitPriority,
			"payload":  payload,
		})
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitType, "type", "fetch-single", "task type (fetch-single or fetch-batch)")
	submitCmd.Flags().StringVar(&submitPriority, "priority", "high", "priority lane (high or low)")
	submitCmd.Flags().StringVar(&submitPayload, "payload", "", "task payload as JSON")
	rootCmd.AddCommand(submitCmd)
}
