package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/mitsuri-ai/dispatcher/internal/auth"
	"github.com/mitsuri-ai/dispatcher/internal/ratelimit"
)

func newKeygenCmd(opts *rootOptions) *cobra.Command {
	var (
		name     string
		clientID string
		env      string
		expires  string
		dbURL    string
		rateMax  int64
		rateWin  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create an API key for a dispatch client",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rateMax < 0 || rateWin < 0 {
				return fmt.Errorf("--rate-max and --rate-window must not be negative")
			}
			rawKey, err := auth.GenerateKey(env)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}

			dur, err := auth.ParseDuration(expires)
			if err != nil {
				return fmt.Errorf("invalid --expires: %w", err)
			}
			expiresAt := time.Now().Add(dur)

			dsn, err := databaseURL(opts, dbURL)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			conn, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer conn.Close(ctx)

			key := auth.NewKey{Raw: rawKey, Name: name, ClientID: clientID, ExpiresAt: expiresAt}
			if rateMax > 0 || rateWin > 0 {
				key.Quota = &ratelimit.Quota{Max: rateMax, Window: rateWin}
			}
			keyID, err := auth.CreateKey(ctx, conn, key)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "=== Dispatcher API Key Generated ===")
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  Key ID:     %s\n", keyID)
			fmt.Fprintf(out, "  Key Prefix: %s\n", auth.KeyPrefix(rawKey))
			fmt.Fprintf(out, "  Name:       %s\n", name)
			fmt.Fprintf(out, "  Client:     %s\n", clientID)
			fmt.Fprintf(out, "  Expires:    %s\n", expiresAt.Format(time.RFC3339))
			if key.Quota != nil {
				fmt.Fprintf(out, "  Rate limit: %s\n", quotaString(key.Quota))
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "  API Key (save this, it will NOT be shown again):")
			fmt.Fprintf(out, "  %s\n", rawKey)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "====================================")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "human-friendly key name (required)")
	cmd.Flags().StringVar(&clientID, "client", "", "client ID the key belongs to; namespaces requester IDs (required)")
	cmd.Flags().StringVar(&env, "env", "prod", "environment segment of the key")
	cmd.Flags().StringVar(&expires, "expires", "365d", "expiry duration (e.g., 365d, 720h)")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "database URL (overrides DATABASE_URL and config)")
	cmd.Flags().Int64Var(&rateMax, "rate-max", 0, "requests per window for this client (default: configured rate_limit.max)")
	cmd.Flags().DurationVar(&rateWin, "rate-window", 0, "rate limit window for this client (default: configured rate_limit.window)")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("client")
	return cmd
}

func quotaString(q *ratelimit.Quota) string {
	limit, window := "default", "default"
	if q.Max > 0 {
		limit = strconv.FormatInt(q.Max, 10)
	}
	if q.Window > 0 {
		window = q.Window.String()
	}
	return limit + " per " + window
}
