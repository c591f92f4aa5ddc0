package cli

import (
	"fmt"
	"os"
	"time"

	"deskflow/internal/models"
	"deskflow/internal/services"

	"github.com/spf13/cobra"
)

var (
	deadlineStart    string
	deadlineSpec     string
	deadlineHours    string
	deadlineHolidays []string
)

var deadlineCmd = &cobra.Command{
	Use:   "deadline",
	Short: "Compute an SLA deadline from a start time and duration spec",
	Long: `Compute the deadline a duration spec such as "30m", "4h" or "1d" produces
from a start time, consuming only business minutes when a calendar is
given. Without --hours the clock runs around the calendar.`,
	RunE: runDeadline,
}

func init() {
	deadlineCmd.Flags().StringVar(&deadlineStart, "start", "", "start time in RFC 3339, defaults to now")
	deadlineCmd.Flags().StringVar(&deadlineSpec, "spec", "", "duration spec, e.g. 30m, 4h, 1d")
	deadlineCmd.Flags().StringVar(&deadlineHours, "hours", "", "path to a business-hours JSON file")
	deadlineCmd.Flags().StringSliceVar(&deadlineHolidays, "holiday", nil, "holiday date YYYY-MM-DD, repeatable")
	deadlineCmd.MarkFlagRequired("spec")
	rootCmd.AddCommand(deadlineCmd)
}

func runDeadline(cmd *cobra.Command, args []string) error {
	start := time.Now().UTC()
	if deadlineStart != "" {
		parsed, err := time.Parse(time.RFC3339, deadlineStart)
		if err != nil {
			return fmt.Errorf("invalid --start %q: %w", deadlineStart, err)
		}
		start = parsed
	}

	var hours *models.BusinessHours
	if deadlineHours != "" {
		raw, err := os.ReadFile(deadlineHours)
		if err != nil {
			return fmt.Errorf("read business hours file: %w", err)
		}
		hours, err = models.ParseBusinessHours(string(raw))
		if err != nil {
			return err
		}
	}

	holidays := make([]models.Holiday, 0, len(deadlineHolidays))
	for _, date := range deadlineHolidays {
		holidays = append(holidays, models.Holiday{Date: date})
	}

	cal, err := services.NewBusinessCalendar(hours, holidays)
	if err != nil {
		return err
	}

	deadline, err := services.ComputeDeadline(start, deadlineSpec, cal)
	if err != nil {
		return err
	}

	fmt.Printf("Start:    %s\nSpec:     %s\nDeadline: %s\n",
		start.Format(time.RFC3339), deadlineSpec, deadline.Format(time.RFC3339))
	return nil
}
