// Copyright Contributors to the Agent Platform project

// agent-operator is the operator binary for the agent platform. It watches
// DocsRun and CodeRun resources and materializes each into a batch Job
// running a containerized coding agent.
//
// Available commands:
//   - controller: Start the Kubernetes controllers
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agent-operator",
	Short: "Agent platform operator - Kubernetes-native AI run execution",
	Long: `The agent platform operator reconciles DocsRun and CodeRun resources
into batch Jobs running containerized coding agents.

This binary provides:
  controller     Start the Kubernetes controllers

Examples:
  # Start the controllers with the default configuration path
  agent-operator controller

  # Start with an explicit configuration file
  agent-operator controller --config=/etc/agent-operator/config.yaml`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
