package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mitsuri-ai/dispatcher/internal/types"
)

func newAskCmd(opts *rootOptions) *cobra.Command {
	var (
		tierFlag    string
		system      string
		requester   string
		temperature float64
		maxTokens   int
		topP        float64
	)

	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Send one message through the dispatcher and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			a, err := newApp(ctx, opts, prometheus.NewRegistry(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			var msgs []types.Message
			if system != "" {
				msgs = append(msgs, types.Message{Role: "system", Content: system})
			}
			msgs = append(msgs, types.Message{Role: "user", Content: strings.Join(args, " ")})

			req := &types.Request{
				Messages:    msgs,
				Tier:        types.Tier(tierFlag),
				Temperature: temperature,
				MaxTokens:   maxTokens,
				TopP:        topP,
			}
			if req.Tier == "" {
				req.Tier = a.classifier.Classify(msgs)
			}
			if err := req.Validate(); err != nil {
				return err
			}

			res, err := a.facade.Handle(ctx, req, requester)
			if err != nil {
				var exhausted *types.ExhaustedError
				if errors.As(err, &exhausted) && exhausted.Last != nil {
					return fmt.Errorf("%w (last: %s, %s)", err, exhausted.Last.Provider, exhausted.Last.Kind)
				}
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, res.Content)
			fmt.Fprintln(out)
			fmt.Fprintf(out, "provider=%s model=%s tier=%s cached=%v latency=%s\n",
				res.Provider, res.Model, req.Tier, res.Cached, res.Latency)
			if res.Usage != nil {
				fmt.Fprintf(out, "tokens: prompt=%d completion=%d total=%d\n",
					res.Usage.PromptTokens, res.Usage.CompletionTokens, res.Usage.TotalTokens)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tierFlag, "tier", "", "model tier: small or large (default: picked from the message)")
	cmd.Flags().StringVar(&system, "system", "", "optional system prompt")
	cmd.Flags().StringVar(&requester, "requester", "cli", "requester ID counted by the rate limiter")
	cmd.Flags().Float64Var(&temperature, "temperature", 0.8, "sampling temperature")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 150, "maximum completion tokens")
	cmd.Flags().Float64Var(&topP, "top-p", 0.9, "nucleus sampling")
	return cmd
}
