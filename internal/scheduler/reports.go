package scheduler

import (
	"context"
	"fmt"
	"log"

	"github.com/tradegate/backend/internal/broker"
)

// ReportRunner is the slice of the broker adapter report jobs need.
// *broker.FakeAdapter and real adapters both satisfy it.
type ReportRunner interface {
	RunFlexQuery(ctx context.Context, queryID string) (*broker.FlexReport, error)
}

// ReportJobConfig is one scheduled report definition from config.
type ReportJobConfig struct {
	QueryID  string `yaml:"query_id"`
	Schedule string `yaml:"schedule"`
	Enabled  bool   `yaml:"enabled"`
}

// FlexReportJob returns a JobFunc that pulls one broker report.
func FlexReportJob(runner ReportRunner, queryID string) JobFunc {
	logger := log.New(log.Writer(), "[REPORTS] ", log.LstdFlags)
	return func(ctx context.Context) error {
		report, err := runner.RunFlexQuery(ctx, queryID)
		if err != nil {
			return fmt.Errorf("flex query %s: %w", queryID, err)
		}
		logger.Printf("report %s generated with %d rows", queryID, len(report.Rows))
		return nil
	}
}

// RegisterReportJobs registers every enabled report definition, naming
// jobs "report-<query-id>". Returns the number registered; malformed
// schedules are reported through errs without aborting the rest.
func RegisterReportJobs(s *Scheduler, runner ReportRunner, cfgs []ReportJobConfig) (int, []error) {
	var registered int
	var errs []error
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		jobID := "report-" + cfg.QueryID
		if err := s.Register(jobID, cfg.Schedule, FlexReportJob(runner, cfg.QueryID)); err != nil {
			errs = append(errs, err)
			continue
		}
		registered++
	}
	return registered, errs
}
