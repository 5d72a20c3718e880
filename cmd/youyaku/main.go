// Command youyaku runs digest windows from a JSON file through the
// pipeline and prints one result per line. Windows fan out across a
// bounded worker group; per-window failures are reported, not fatal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	youyaku "github.com/ashita-ai/youyaku"
)

// version is set at build time via -ldflags.
var version = "dev"

type windowFile struct {
	Windows []windowInput `json:"windows"`
}

type windowInput struct {
	TenantID   string   `json:"tenant_id"`
	GroupID    string   `json:"group_id"`
	WindowID   string   `json:"window_id"`
	Scopes     []string `json:"scopes"`
	ScopeToken string   `json:"scope_token"`
	Messages   []struct {
		ID        string    `json:"id"`
		SenderID  string    `json:"sender_id"`
		Sender    string    `json:"sender"`
		Text      string    `json:"text"`
		ReplyToID string    `json:"reply_to_id"`
		SentAt    time.Time `json:"sent_at"`
	} `json:"messages"`
}

type windowOutput struct {
	WindowID string          `json:"window_id"`
	Error    string          `json:"error,omitempty"`
	Result   *youyaku.Result `json:"result,omitempty"`
}

func main() {
	input := flag.String("input", "", "path to a JSON file of digest windows (required)")
	concurrency := flag.Int("concurrency", 4, "maximum windows processed in parallel")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("YOUYAKU_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, *input, *concurrency); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, input string, concurrency int) error {
	if input == "" {
		return errors.New("-input is required")
	}
	if concurrency < 1 {
		concurrency = 1
	}

	raw, err := os.ReadFile(input) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	var file windowFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse input: %w", err)
	}
	if len(file.Windows) == 0 {
		return errors.New("input contains no windows")
	}

	app, err := youyaku.New(
		youyaku.WithLogger(logger),
		youyaku.WithVersion(version),
	)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close(context.Background()) }()

	logger.Info("processing windows", "count", len(file.Windows), "concurrency", concurrency)

	enc := json.NewEncoder(os.Stdout)
	var encMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, w := range file.Windows {
		g.Go(func() error {
			out := windowOutput{WindowID: w.WindowID}
			res, genErr := app.Generate(gctx, toRequest(w))
			if genErr != nil {
				// Lock contention and bad input stay per-window; only
				// context cancellation stops the whole batch.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				out.Error = genErr.Error()
			} else {
				out.Result = &res
			}

			encMu.Lock()
			defer encMu.Unlock()
			return enc.Encode(out)
		})
	}
	return g.Wait()
}

func toRequest(w windowInput) youyaku.Request {
	msgs := make([]youyaku.Message, 0, len(w.Messages))
	for _, m := range w.Messages {
		msgs = append(msgs, youyaku.Message{
			ID:         m.ID,
			SenderID:   m.SenderID,
			SenderName: m.Sender,
			Text:       m.Text,
			ReplyToID:  m.ReplyToID,
			SentAt:     m.SentAt,
		})
	}
	return youyaku.Request{
		TenantID:   w.TenantID,
		GroupID:    w.GroupID,
		WindowID:   w.WindowID,
		Scopes:     w.Scopes,
		ScopeToken: w.ScopeToken,
		Messages:   msgs,
	}
}
