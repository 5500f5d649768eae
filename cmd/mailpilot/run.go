package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mailpilot/mailpilot/internal/ai"
	"github.com/mailpilot/mailpilot/internal/auth"
	"github.com/mailpilot/mailpilot/internal/budget"
	"github.com/mailpilot/mailpilot/internal/confirm"
	"github.com/mailpilot/mailpilot/internal/display"
	"github.com/mailpilot/mailpilot/internal/gmail"
	"github.com/mailpilot/mailpilot/internal/similar"
	"github.com/mailpilot/mailpilot/internal/store"
	"github.com/mailpilot/mailpilot/internal/telegram"
	"github.com/mailpilot/mailpilot/internal/triage"
	"github.com/mailpilot/mailpilot/internal/user"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the inbox and triage continuously",
	Long: "Run the triage daemon: poll Gmail for unread threads, classify them\n" +
		"and confirm every action over Telegram before executing it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		go func() {
			err := a.chat.Poll(ctx, func(ctx context.Context, chatID int64, text string) {
				// Interaction steps can run model calls; keep the typing
				// indicator alive while one is in flight.
				stop := a.chat.StartTyping(ctx, chatID)
				err := a.confirm.HandleMessage(ctx, chatID, text)
				stop()
				if err != nil && err != confirm.ErrNoPending {
					logger.Error("chat message handling failed", "chat", chatID, "err", err)
				}
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("telegram polling stopped", "err", err)
			}
		}()

		display.InfoMsg("mailpilot running; polling every %s", cfg.PollInterval())
		if err := a.loop.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		display.InfoMsg("shutting down")
		return nil
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single triage pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		go func() {
			_ = a.chat.Poll(ctx, func(ctx context.Context, chatID int64, text string) {
				_ = a.confirm.HandleMessage(ctx, chatID, text)
			})
		}()

		if err := a.loop.RunOnce(ctx); err != nil {
			return err
		}
		display.SuccessMsg("triage pass complete")
		return nil
	},
}

// app bundles the wired components shared by run and once.
type app struct {
	chat    *telegram.Client
	confirm *confirm.Manager
	loop    *triage.Loop
	db      *store.DB
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

// buildApp wires config into the full component graph.
func buildApp(ctx context.Context) (*app, error) {
	svc, err := auth.LoadGmailService(ctx, cfg.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("gmail auth: %w", err)
	}
	mailbox := gmail.New(svc, cfg.OperatorEmail, logger)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	profile, err := user.Load(cfg.ProfilePath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load profile: %w", err)
	}

	model := ai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.Model, cfg.EmbedModel,
		ai.DefaultRetryPolicy(), logger)
	model.SetProfile(profile)

	finder := similar.New(model, cfg.SimilarityThreshold, cfg.EmbedTimeout(), logger)
	chat := telegram.New(cfg.TelegramToken, cfg.OperatorChatID, "", logger)

	var mailer confirm.Mailer = mailbox
	if cfg.DraftOnly {
		mailer = gmail.DraftOnly{Mailbox: mailbox}
		logger.Info("draft-only mode: confirmed replies become drafts")
	}

	mgr := confirm.New(mailer, model, finder, chat, db, logger)
	convo := budget.New(cfg.TokenCeiling, cfg.TrimFraction)
	loop := triage.New(mailbox, model, mgr, db, convo, cfg.OperatorChatID,
		triage.Options{MaxResults: cfg.MaxResults, PollInterval: cfg.PollInterval()}, logger)

	return &app{chat: chat, confirm: mgr, loop: loop, db: db}, nil
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
}
