package meta

import (
	"context"
	"fmt"
	"time"

	"cogkernel/internal/errkind"
)

// saturationAlertThreshold and saturationAlertSustain implement spec.md
// §4.9's example alert verbatim: "saturation > 0.8 for > 10 minutes".
const (
	saturationAlertThreshold = 0.8
	saturationAlertSustain   = 10 * time.Minute
)

// Alert is one entry of the alerts(project) operation's result.
type Alert struct {
	ProjectID int64
	Kind      string
	Message   string
	Since     time.Time
}

// Alerts walks quality_records backward from the latest sample and reports
// a saturation alert if the metric has stayed above saturationAlertThreshold
// continuously for longer than saturationAlertSustain.
func (l *Layer) Alerts(ctx context.Context, projectID int64) ([]Alert, error) {
	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.DB.QueryContext(ctx, `
		SELECT sampled_at, saturation FROM quality_records
		WHERE project_id = ? AND layer = ?
		ORDER BY sampled_at DESC
	`, projectID, aggregateLayerLabel)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "read quality_records for alerts", err)
	}
	defer rows.Close()

	var (
		runStart   time.Time
		runEnd     time.Time
		inRun      bool
		alerts     []Alert
		sawAnyHigh bool
	)

	for rows.Next() {
		var sampledAt time.Time
		var saturation float64
		if err := rows.Scan(&sampledAt, &saturation); err != nil {
			continue
		}

		if saturation > saturationAlertThreshold {
			if !inRun {
				runEnd = sampledAt
				inRun = true
			}
			runStart = sampledAt
			sawAnyHigh = true
			continue
		}

		// Run broke: emit if it was long enough, then reset.
		if inRun {
			if runEnd.Sub(runStart) > saturationAlertSustain {
				alerts = append(alerts, saturationAlert(projectID, runStart))
			}
			inRun = false
		}
	}

	// The oldest contiguous high-saturation run extends to the start of
	// recorded history; treat it the same as a run broken by a low sample.
	if inRun && sawAnyHigh && runEnd.Sub(runStart) > saturationAlertSustain {
		alerts = append(alerts, saturationAlert(projectID, runStart))
	}

	return alerts, nil
}

func saturationAlert(projectID int64, since time.Time) Alert {
	return Alert{
		ProjectID: projectID,
		Kind:      "saturation_sustained_high",
		Message:   fmt.Sprintf("saturation has exceeded %.1f continuously since %s", saturationAlertThreshold, since.Format(time.RFC3339)),
		Since:     since,
	}
}
