package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigContent = `run_name: "local-run"
seed: 42

model_presets:
  strong-teacher:
    provider: "openai_compatible"
    model: "deepseek-v3"
    base_url: "https://api.example.invalid/v1"
    api_key_env: "TEACHER_API_KEY"
    temperature: 0.2
    top_p: 0.9
    max_output_tokens: 4096

teacher_pool:
  selection_strategy: "weighted_random"
  endpoints:
    - name: "primary"
      preset: "strong-teacher"
      weight: 1.0

reviewer_pool:
  endpoints:
    - name: "judge"
      provider: "openai_compatible"
      model: "qwen2.5-72b-instruct"
      base_url: "https://api.example.invalid/v1"
      api_key_env: "REVIEWER_API_KEY"

review_flow:
  enabled: false
  min_score: 0.8
  max_rounds: 1
  auto_refine: true

prompts:
  global_system_prefix: ""
  user_guidelines: ""

reflection:
  enabled: false
  passes: 1
  critique_style: "default"

validation:
  min_score: 0.7

output:
  base_dir: "data/exports"
  format: "jsonl"
  shard_size: 500

concurrency:
  max_workers: 4

ledger_path: "data/ledger.db"
monitor_interval: "30s"
log_format: "json"
log_level: "info"

scenarios:
  - name: "terminal-ops"
    generator: "terminal"
    target_episodes: 100
    weight: 1.0
    params:
      question_bank_path: "data/question_banks/terminal.jsonl"
  - name: "mcp-integration"
    generator: "mcp"
    target_episodes: 100
    weight: 1.0
    params:
      dataset_dir: "data/mcp_servers"
      tool_summary_limit: 2
`

func newInitCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(path, []byte(defaultConfigContent), 0o644); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "created", path)
			fmt.Fprintln(cmd.OutOrStdout(), "set TEACHER_API_KEY (and REVIEWER_API_KEY when review is enabled) before running")
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "distill.yaml", "where to write the config")
	return cmd
}
