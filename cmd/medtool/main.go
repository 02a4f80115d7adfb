// medtool runs one scheduled job or one link/adherence operation against the
// application store and exits.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"mediremind/app"
	"mediremind/jobs"
	"mediremind/notify"

	"github.com/golang/glog"
	"github.com/sendgrid/sendgrid-go"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/clock"
)

var cmdRoot = &cobra.Command{
	Use:          "medtool",
	SilenceUsage: true,
}

var (
	storeKind        string
	dataProject      string
	localDir         string
	timeZone         string
	appURL           string
	logRetention     time.Duration
	missedDoseMin    time.Duration
	missedDoseMax    time.Duration
	dailyReportAt    time.Duration
	rollupAt         time.Duration
	gcAt             time.Duration
	weeklyReportDay  string
	fcmProject       string
	sendgridKey      string
	emailFromName    string
	emailFromAddress string
)

func init() {
	cmdRoot.PersistentFlags().StringVar(&storeKind, "store", "firestore", "Application state backend: firestore or local.")
	cmdRoot.PersistentFlags().StringVar(&dataProject, "data-project", "", "GCP project that contains the application state.")
	cmdRoot.PersistentFlags().StringVar(&localDir, "local-dir", "", "Directory for the local store, when --store=local.")
	cmdRoot.PersistentFlags().StringVar(&timeZone, "time-zone", "UTC", "IANA time zone that medicine schedules and date keys are in.")
	cmdRoot.PersistentFlags().StringVar(&appURL, "app-url", "https://mediremind.app", "Base URL linked from alert emails.")
	cmdRoot.PersistentFlags().DurationVar(&logRetention, "log-retention", 30*24*time.Hour, "How long notification log entries are kept.")
	cmdRoot.PersistentFlags().DurationVar(&missedDoseMin, "missed-dose-min", 1*time.Hour, "How overdue an untaken dose must be before it is reported missed.")
	cmdRoot.PersistentFlags().DurationVar(&missedDoseMax, "missed-dose-max", 3*time.Hour, "How overdue an untaken dose can be and still be reported missed.")
	cmdRoot.PersistentFlags().DurationVar(&dailyReportAt, "daily-report-at", 20*time.Hour, "Local time of day, as an offset from midnight, that daily and weekly reports are sent.")
	cmdRoot.PersistentFlags().DurationVar(&rollupAt, "rollup-at", 23*time.Hour+55*time.Minute, "Local time of day, as an offset from midnight, that the analytics rollup runs.")
	cmdRoot.PersistentFlags().DurationVar(&gcAt, "gc-at", 3*time.Hour, "Local time of day, as an offset from midnight, that stale records are deleted.")
	cmdRoot.PersistentFlags().StringVar(&weeklyReportDay, "weekly-report-day", "sunday", "Day of the week that weekly reports are sent.")
	cmdRoot.PersistentFlags().StringVar(&fcmProject, "fcm-project", "", "Firebase project for push notifications.  Push is disabled if empty.")
	cmdRoot.PersistentFlags().StringVar(&sendgridKey, "sendgrid-key", os.Getenv("SENDGRID_API_KEY"), "Sendgrid API key.  Email is disabled if empty.")
	cmdRoot.PersistentFlags().StringVar(&emailFromName, "email-from-name", "MediRemind", "Sender name on outgoing email.")
	cmdRoot.PersistentFlags().StringVar(&emailFromAddress, "email-from-address", "noreply@mediremind.app", "Sender address on outgoing email.")
}

// withApp opens the store, builds the application around it, and hands it
// to fn.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App, r *jobs.Runner) error) error {
	loc, err := time.LoadLocation(timeZone)
	if err != nil {
		return fmt.Errorf("while loading time zone %q: %w", timeZone, err)
	}
	weeklyDay, err := app.ParseWeekday(weeklyReportDay)
	if err != nil {
		return fmt.Errorf("while parsing --weekly-report-day: %w", err)
	}

	store, closeStore, err := app.OpenStore(ctx, storeKind, dataProject, localDir)
	if err != nil {
		return err
	}
	defer closeStore()

	gwOpts := []notify.GatewayOpt{}
	if fcmProject != "" {
		push, err := notify.NewFCMSender(ctx, fcmProject)
		if err != nil {
			return err
		}
		gwOpts = append(gwOpts, notify.WithPushSender(push))
	}
	if sendgridKey != "" {
		gwOpts = append(gwOpts, notify.WithEmailSender(notify.NewSendGridSender(sendgrid.NewSendClient(sendgridKey), emailFromName, emailFromAddress)))
	}

	a := app.New(store, notify.New(gwOpts...), clock.RealClock{}, &app.Config{
		Location:     loc,
		AppURL:       appURL,
		LogRetention: logRetention,

		MissedDoseMin: missedDoseMin,
		MissedDoseMax: missedDoseMax,

		DailyReportAt:   dailyReportAt,
		RollupAt:        rollupAt,
		GCAt:            gcAt,
		WeeklyReportDay: weeklyDay,
	})

	// Share the store lease with running servers so a manual run can't
	// overlap a scheduled one.
	host, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("while reading hostname: %w", err)
	}
	r := jobs.NewRunner(clock.RealClock{}, loc, jobs.WithLease(jobs.NewStoreLease(store, clock.RealClock{}, "medtool-"+host), 10*time.Minute))
	a.RegisterJobs(r)

	return fn(ctx, a, r)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var cmdJobs = &cobra.Command{
	Use: "jobs [command]",
}

var cmdJobsList = &cobra.Command{
	Use: "list",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(context.Background(), func(ctx context.Context, a *app.App, r *jobs.Runner) error {
			for _, name := range r.Names() {
				fmt.Println(name)
			}
			return nil
		})
	},
}

var cmdJobsRun = &cobra.Command{
	Use:  "run <name>",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(context.Background(), func(ctx context.Context, a *app.App, r *jobs.Runner) error {
			if err := r.RunOnce(ctx, args[0]); err != nil {
				return fmt.Errorf("while running job: %w", err)
			}
			return nil
		})
	},
}

var cmdLinkCodes = &cobra.Command{
	Use: "link-codes [command]",
}

var cmdLinkCodesIssue = &cobra.Command{
	Use:  "issue <patient-id>",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(context.Background(), func(ctx context.Context, a *app.App, r *jobs.Runner) error {
			issued, err := a.Links.Issue(ctx, args[0])
			if err != nil {
				return fmt.Errorf("while issuing link code: %w", err)
			}
			return printJSON(issued)
		})
	},
}

var cmdLinkCodesRedeem = &cobra.Command{
	Use:  "redeem <code> <caregiver-id>",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(context.Background(), func(ctx context.Context, a *app.App, r *jobs.Runner) error {
			patientID, err := a.Links.Redeem(ctx, args[0], args[1])
			if err != nil {
				return fmt.Errorf("while redeeming link code: %w", err)
			}
			return printJSON(map[string]string{"patientId": patientID})
		})
	},
}

var cmdLinks = &cobra.Command{
	Use: "links [command]",
}

var (
	linksListPatient   string
	linksListCaregiver string
)

var cmdLinksList = &cobra.Command{
	Use: "list",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (linksListPatient == "") == (linksListCaregiver == "") {
			return fmt.Errorf("exactly one of --patient or --caregiver is required")
		}
		return withApp(context.Background(), func(ctx context.Context, a *app.App, r *jobs.Runner) error {
			if linksListPatient != "" {
				links, err := a.Links.LinkedCaregivers(ctx, linksListPatient)
				if err != nil {
					return fmt.Errorf("while listing caregivers: %w", err)
				}
				return printJSON(links)
			}
			links, err := a.Links.LinkedPatients(ctx, linksListCaregiver)
			if err != nil {
				return fmt.Errorf("while listing patients: %w", err)
			}
			return printJSON(links)
		})
	},
}

var cmdLinksDelete = &cobra.Command{
	Use:  "delete <link-id>",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(context.Background(), func(ctx context.Context, a *app.App, r *jobs.Runner) error {
			return a.Links.Unlink(ctx, args[0])
		})
	},
}

var adherenceDays int

var cmdAdherence = &cobra.Command{
	Use:  "adherence <patient-id>",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(context.Background(), func(ctx context.Context, a *app.App, r *jobs.Runner) error {
			view, err := a.Tracker.PatientAdherence(ctx, args[0], adherenceDays)
			if err != nil {
				return fmt.Errorf("while computing adherence: %w", err)
			}
			return printJSON(view)
		})
	},
}

func init() {
	cmdLinksList.Flags().StringVar(&linksListPatient, "patient", "", "List the caregivers of this patient.")
	cmdLinksList.Flags().StringVar(&linksListCaregiver, "caregiver", "", "List the patients of this caregiver.")
	cmdAdherence.Flags().IntVar(&adherenceDays, "days", 7, "Days of history, including today.")
}

func main() {
	// Expose glog's flags (-v, -logtostderr, ...) on the root command.
	cmdRoot.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	flag.CommandLine.Parse(nil)

	glog.CopyStandardLogTo("INFO")
	defer glog.Flush()

	cmdRoot.AddCommand(cmdJobs, cmdLinkCodes, cmdLinks, cmdAdherence)
	cmdJobs.AddCommand(cmdJobsList, cmdJobsRun)
	cmdLinkCodes.AddCommand(cmdLinkCodesIssue, cmdLinkCodesRedeem)
	cmdLinks.AddCommand(cmdLinksList, cmdLinksDelete)

	if err := cmdRoot.Execute(); err != nil {
		glog.Flush()
		os.Exit(1)
	}
}
