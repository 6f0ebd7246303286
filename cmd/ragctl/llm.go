package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/garnizeh/redmine-rag/internal/config"
	"github.com/garnizeh/redmine-rag/internal/llm"
)

var probeMaxTokens int

func init() {
	llmProbeCmd.Flags().IntVar(&probeMaxTokens, "max-tokens", 128, "Output token cap")
	llmCmd.AddCommand(llmProbeCmd)
	rootCmd.AddCommand(llmCmd)
}

var llmCmd = &cobra.Command{
	Use:   "llm",
	Short: "Inspect the configured model provider",
}

var llmProbeCmd = &cobra.Command{
	Use:   "probe [prompt]",
	Short: "Send one prompt straight to the provider and print the reply",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		p, err := llm.NewProvider(cfg.LLM, nil)
		if err != nil {
			return err
		}
		if c, ok := p.(io.Closer); ok {
			defer c.Close()
		}

		timeout := cfg.LLM.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if h, ok := p.(interface{ Health(context.Context) error }); ok {
			if err := h.Health(ctx); err != nil {
				return fmt.Errorf("%s unreachable: %w", p.Name(), err)
			}
		}

		prompt := strings.Join(args, " ")
		if prompt == "" {
			prompt = "Reply with the single word: ready"
		}
		start := time.Now()
		resp, err := p.Generate(ctx, llm.Request{Prompt: prompt, MaxTokens: probeMaxTokens})
		if err != nil {
			return fmt.Errorf("generate: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"provider":      p.Name(),
				"model":         resp.Model,
				"text":          resp.Text,
				"input_tokens":  resp.InputTokens,
				"output_tokens": resp.OutputTokens,
				"latency_ms":    time.Since(start).Milliseconds(),
			})
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, resp.Text)
		fmt.Fprintf(out, "\n%s/%s: %d in, %d out, %s\n", p.Name(), resp.Model,
			resp.InputTokens, resp.OutputTokens, time.Since(start).Round(time.Millisecond))
		return nil
	},
}
