package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jmehdipour/outbox-engine/internal/app"
	"github.com/jmehdipour/outbox-engine/internal/config"
	"github.com/jmehdipour/outbox-engine/internal/logger"
	"github.com/jmehdipour/outbox-engine/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	dlOrg      string
	dlLimit    int
	dlAttempts int
)

var deadLettersCmd = &cobra.Command{
	Use:     "dead-letters",
	Aliases: []string{"dlq"},
	Short:   "Inspect and requeue events that exhausted their retries",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered events, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeFn, err := openOutboxStore()
		if err != nil {
			return err
		}
		defer closeFn()

		recs, err := store.ListDeadLetters(cmd.Context(), dlOrg, dlLimit)
		if err != nil {
			return fmt.Errorf("list dead letters: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EVENT ID\tORG\tEVENT\tAGGREGATE\tRETRIES\tCREATED\tLAST ERROR")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\t%d/%d\t%s\t%s\n",
				r.EventID, r.OrganizationID, r.EventName,
				r.AggregateType, r.AggregateID,
				r.RetryCount, r.MaxRetries,
				r.CreatedAt.Format(time.RFC3339), r.ErrorMessage)
		}
		return w.Flush()
	},
}

var deadLettersRequeueCmd = &cobra.Command{
	Use:   "requeue <event-id>",
	Short: "Give a dead-lettered event more delivery attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if dlAttempts <= 0 {
			return errors.New("--attempts must be positive")
		}
		store, closeFn, err := openOutboxStore()
		if err != nil {
			return err
		}
		defer closeFn()

		if err := store.Requeue(cmd.Context(), args[0], dlAttempts); err != nil {
			return fmt.Errorf("requeue %s: %w", args[0], err)
		}
		logger.Log.Info("event requeued", zap.String("event_id", args[0]), zap.Int("attempts", dlAttempts))
		return nil
	},
}

// openOutboxStore opens the configured persistent store without starting
// any handler or dispatcher.
func openOutboxStore() (repository.OutboxRepository, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)

	sqlDB, err := app.OpenDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	if sqlDB == nil {
		return nil, nil, errors.New("dead letters need a persistent store (mysql or sqlite)")
	}
	return app.NewStore(cfg, sqlDB, "cli"), func() { _ = sqlDB.Close() }, nil
}

func init() {
	deadLettersListCmd.Flags().StringVar(&dlOrg, "org", "", "only list events of this organization")
	deadLettersListCmd.Flags().IntVar(&dlLimit, "limit", 100, "maximum number of events to list")
	deadLettersRequeueCmd.Flags().IntVar(&dlAttempts, "attempts", 1, "additional delivery attempts to grant")

	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersRequeueCmd)
}
