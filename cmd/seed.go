package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/outbox-engine/internal/app"
	"github.com/jmehdipour/outbox-engine/internal/config"
	"github.com/jmehdipour/outbox-engine/internal/logger"
	"github.com/jmehdipour/outbox-engine/internal/model"
	"github.com/jmehdipour/outbox-engine/internal/service/publisher"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var seedOrg string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Publish a set of demo HR events in one transaction",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := logger.Init(cfg.Log.Level, cfg.Log.Format)

		// 2) open the outbox database
		sqlDB, err := app.OpenDB(cfg)
		if err != nil {
			return err
		}
		if sqlDB == nil {
			return errors.New("seed needs a persistent store (mysql or sqlite)")
		}
		defer sqlDB.Close()

		store := app.NewStore(cfg, sqlDB, "seed")
		pub := publisher.New(store, cfg.Outbox.MaxRetries, log)

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		var ids []string
		err = publisher.InTx(ctx, sqlDB, func(tx *sqlx.Tx) error {
			var err error
			ids, err = pub.PublishBatch(ctx, tx, demoDrafts(seedOrg, time.Now().UTC()))
			return err
		})
		if err != nil {
			return fmt.Errorf("seed events: %w", err)
		}

		log.Info("seed completed", zap.String("organization_id", seedOrg), zap.Strings("event_ids", ids))
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedOrg, "org", "org-demo", "organization id of the demo events")
}

// demoDrafts follows one employee from hiring through a leave cycle and a
// payroll run.
func demoDrafts(org string, now time.Time) []publisher.Draft {
	const employee = "emp-0001"
	meta := model.Metadata{CorrelationID: "seed-" + now.Format("20060102T150405"), ActorID: "seed"}
	day := 24 * time.Hour
	clockOut := now.Add(-16 * time.Hour)

	draft := func(aggType, aggID string, p model.Payload) publisher.Draft {
		return publisher.Draft{
			OrganizationID: org,
			AggregateType:  aggType,
			AggregateID:    aggID,
			Payload:        p,
			Metadata:       meta,
		}
	}

	return []publisher.Draft{
		draft("employee", employee, model.EmployeeCreated{
			EmployeeID:   employee,
			Email:        "ada@example.com",
			FullName:     "Ada Lovelace",
			DepartmentID: "eng",
			StartDate:    now.Add(-30 * day),
		}),
		draft("employee", employee, model.EmployeeUpdated{
			EmployeeID: employee,
			Changes:    map[string]string{"title": "Staff Engineer"},
		}),
		draft("attendance", "att-0001", model.AttendanceRecorded{
			AttendanceID: "att-0001",
			EmployeeID:   employee,
			ClockIn:      now.Add(-24 * time.Hour),
			ClockOut:     &clockOut,
		}),
		draft("leave_request", "lv-0001", model.LeaveRequested{
			LeaveID:    "lv-0001",
			EmployeeID: employee,
			LeaveType:  "annual",
			StartDate:  now.Add(7 * day),
			EndDate:    now.Add(9 * day),
			Days:       3,
		}),
		draft("leave_request", "lv-0001", model.LeaveApproved{
			LeaveID:    "lv-0001",
			EmployeeID: employee,
			ApproverID: "emp-0000",
			StartDate:  now.Add(7 * day),
			EndDate:    now.Add(9 * day),
			Days:       3,
		}),
		draft("leave_request", "lv-0002", model.LeaveRejected{
			LeaveID:    "lv-0002",
			EmployeeID: employee,
			ApproverID: "emp-0000",
			Reason:     "overlaps release freeze",
		}),
		draft("payroll_run", "pr-0001", model.PayrollRunProcessed{
			PayrollRunID:  "pr-0001",
			PeriodStart:   now.Add(-30 * day),
			PeriodEnd:     now,
			EmployeeCount: 1,
			GrossTotal:    950000,
			Currency:      "EUR",
		}),
	}
}

