// mediremind serves the link and adherence API and, with --schedule, runs the
// reminder, missed-dose, rollup, report and GC jobs on their schedules.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediremind/api"
	"mediremind/app"
	"mediremind/healthz"
	"mediremind/jobs"
	"mediremind/notify"
	"mediremind/rollup"

	"cloud.google.com/go/storage"
	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"contrib.go.opencensus.io/exporter/stackdriver"
	cloudmetrics "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/metric"
	cloudtrace "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/go-redis/redis/v8"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/sendgrid/sendgrid-go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	googleopt "google.golang.org/api/option"
	secretmanagerpb "google.golang.org/genproto/googleapis/cloud/secretmanager/v1"
	"k8s.io/apimachinery/pkg/util/clock"
)

var (
	listen               = flag.String("listen", "0.0.0.0:8080", "Server address:port for the API.")
	debugListen          = flag.String("debug-listen", "127.0.0.1:8001", "Server address:port for debug endpoint.")
	storeKind            = flag.String("store", "firestore", "Application state backend: firestore or local.")
	dataProject          = flag.String("data-project", "", "GCP project that contains the application state.")
	localDir             = flag.String("local-dir", "", "Directory for the local store, when --store=local.")
	timeZone             = flag.String("time-zone", "UTC", "IANA time zone that medicine schedules and date keys are in.")
	appURL               = flag.String("app-url", "https://mediremind.app", "Base URL linked from alert emails.")
	missedDoseMin        = flag.Duration("missed-dose-min", 1*time.Hour, "How overdue an untaken dose must be before it is reported missed.")
	missedDoseMax        = flag.Duration("missed-dose-max", 3*time.Hour, "How overdue an untaken dose can be and still be reported missed.")
	logRetention         = flag.Duration("log-retention", 30*24*time.Hour, "How long notification log entries are kept.")
	dailyReportAt        = flag.Duration("daily-report-at", 20*time.Hour, "Local time of day, as an offset from midnight, that daily and weekly reports are sent.")
	rollupAt             = flag.Duration("rollup-at", 23*time.Hour+55*time.Minute, "Local time of day, as an offset from midnight, that the analytics rollup runs.")
	gcAt                 = flag.Duration("gc-at", 3*time.Hour, "Local time of day, as an offset from midnight, that stale records are deleted.")
	weeklyReportDay      = flag.String("weekly-report-day", "sunday", "Day of the week that weekly reports are sent.")
	sendgridKeySecret    = flag.String("sendgrid-key-secret", "", "GCP Secret Manager secret name that contains the Sendgrid API key.  Email is disabled if empty.")
	emailFromName        = flag.String("email-from-name", "MediRemind", "Sender name on outgoing email.")
	emailFromAddress     = flag.String("email-from-address", "noreply@mediremind.app", "Sender address on outgoing email.")
	fcmProject           = flag.String("fcm-project", "", "Firebase project for push notifications.  Push is disabled if empty.")
	archiveBucket        = flag.String("archive-bucket", "", "GCS bucket that receives a copy of each analytics snapshot.  Disabled if empty.")
	redisAddr            = flag.String("redis-addr", "", "Redis address:port for job leases.  If empty, leases are kept in the store.")
	leaseTTL             = flag.Duration("lease-ttl", 10*time.Minute, "How long a crashed replica can block a job on other replicas.")
	schedule             = flag.Bool("schedule", false, "Run jobs on their schedules in this process?")
	monitoring           = flag.Bool("monitoring", false, "Enable monitoring?")
	monitoringProject    = flag.String("monitoring-project", "", "Override project used for monitoring integration.  If not specified, the project associated with Application Default Credentials is used.")
	monitoringTraceRatio = flag.Float64("monitoring-trace-ratio", 0.0001, "What ratio of traces should be exported?")
	enableMetrics        = flag.Bool("enable-metrics", false, "Export OpenCensus metrics to Stackdriver?")
)

func main() {
	flag.Parse()

	glog.CopyStandardLogTo("INFO")

	glog.Infof("flags:")
	flag.VisitAll(func(f *flag.Flag) {
		glog.Infof("%s: %q", f.Name, f.Value.String())
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := do(ctx); err != nil {
		glog.Exitf("Error: %v", err)
	}
}

func do(ctx context.Context) error {
	loc, err := time.LoadLocation(*timeZone)
	if err != nil {
		return fmt.Errorf("while loading time zone %q: %w", *timeZone, err)
	}
	weeklyDay, err := app.ParseWeekday(*weeklyReportDay)
	if err != nil {
		return fmt.Errorf("while parsing --weekly-report-day: %w", err)
	}

	if *monitoring {
		metricsOpts := []cloudmetrics.Option{}
		traceOpts := []cloudtrace.Option{}
		if *monitoringProject != "" {
			metricsOpts = append(metricsOpts, cloudmetrics.WithProjectID(*monitoringProject))
			traceOpts = append(traceOpts, cloudtrace.WithProjectID(*monitoringProject))
		}

		_, traceShutdown, err := cloudtrace.InstallNewPipeline(traceOpts, sdktrace.WithSampler(sdktrace.TraceIDRatioBased(*monitoringTraceRatio)))
		if err != nil {
			return fmt.Errorf("while installing Cloud Trace pipeline: %w", err)
		}
		defer traceShutdown()

		pusher, err := cloudmetrics.InstallNewPipeline(metricsOpts)
		if err != nil {
			return fmt.Errorf("while installing Cloud Metrics pipeline: %w", err)
		}
		defer pusher.Stop(ctx)
	}

	if *enableMetrics {
		exporter, err := stackdriver.NewExporter(stackdriver.Options{
			ProjectID:         *monitoringProject,
			MetricPrefix:      "mediremind",
			ReportingInterval: 60 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("while creating Stackdriver exporter: %w", err)
		}
		if err := exporter.StartMetricsExporter(); err != nil {
			return fmt.Errorf("while starting Stackdriver metrics exporter: %w", err)
		}
		defer exporter.Flush()
		defer exporter.StopMetricsExporter()
	}

	store, closeStore, err := app.OpenStore(ctx, *storeKind, *dataProject, *localDir)
	if err != nil {
		return err
	}
	defer closeStore()

	gw, err := newGateway(ctx)
	if err != nil {
		return err
	}
	if err := gw.RegisterMetrics(); err != nil {
		return fmt.Errorf("while registering gateway metrics: %w", err)
	}

	cfg := &app.Config{
		Location:     loc,
		AppURL:       *appURL,
		LogRetention: *logRetention,

		MissedDoseMin: *missedDoseMin,
		MissedDoseMax: *missedDoseMax,

		DailyReportAt:   *dailyReportAt,
		RollupAt:        *rollupAt,
		GCAt:            *gcAt,
		WeeklyReportDay: weeklyDay,
	}
	if *archiveBucket != "" {
		gcs, err := storage.NewClient(ctx, googleopt.WithGRPCConnectionPool(1))
		if err != nil {
			return fmt.Errorf("while creating GCS client: %w", err)
		}
		defer gcs.Close()
		cfg.Archiver = rollup.NewGCSArchiver(gcs, *archiveBucket)
	}

	checks := map[string]healthz.Check{
		"store": store.Ping,
	}

	holder, err := leaseHolder()
	if err != nil {
		return err
	}
	var lease jobs.Lease
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
		lease = jobs.NewRedisLease(rdb, holder)
	} else {
		lease = jobs.NewStoreLease(store, clock.RealClock{}, holder)
	}

	runner := jobs.NewRunner(clock.RealClock{}, loc, jobs.WithLease(lease, *leaseTTL))
	if err := runner.RegisterMetrics(); err != nil {
		return fmt.Errorf("while registering job metrics: %w", err)
	}

	a := app.New(store, gw, clock.RealClock{}, cfg)
	a.RegisterJobs(runner)

	apiServeMux := http.NewServeMux()
	api.New(a.Links, a.Tracker, runner).Register(apiServeMux)
	apiMetrics := api.NewMetrics(apiServeMux)
	if err := apiMetrics.RegisterMetrics(); err != nil {
		return fmt.Errorf("while registering API metrics: %w", err)
	}
	apiServer := &http.Server{
		Addr:    *listen,
		Handler: apiMetrics,

		ReadTimeout: 30 * time.Second,
		// Job triggers run the whole pass before answering.
		WriteTimeout:   10 * time.Minute,
		MaxHeaderBytes: 1 << 20,
	}

	debugServeMux := http.NewServeMux()
	debugServeMux.Handle("/healthz", healthz.New(nil))
	debugServeMux.Handle("/readyz", healthz.New(checks))
	debugServeMux.HandleFunc("/debug/pprof/", pprof.Index)
	debugServeMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	debugServeMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	debugServeMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	debugServeMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	debugServer := &http.Server{
		Addr:    *debugListen,
		Handler: debugServeMux,

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := debugServer.ListenAndServe(); err != nil {
			glog.Fatalf("Debug server died: %v", err)
		}
	}()

	go func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("API server died: %v", err)
		}
	}()

	runCtx, stopRunner := context.WithCancel(ctx)
	defer stopRunner()
	if *schedule {
		glog.Infof("Scheduling jobs %v as holder %s", runner.Names(), holder)
		go func() {
			runner.Run(runCtx)
		}()
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh

	glog.Infof("Shutting down")
	stopRunner()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("Error shutting down API server: %v", err)
	}

	glog.Flush()

	return nil
}

func newGateway(ctx context.Context) (*notify.Gateway, error) {
	opts := []notify.GatewayOpt{}

	if *fcmProject != "" {
		push, err := notify.NewFCMSender(ctx, *fcmProject)
		if err != nil {
			return nil, err
		}
		opts = append(opts, notify.WithPushSender(push))
	} else {
		glog.Warningf("No --fcm-project; push notifications are disabled")
	}

	if *sendgridKeySecret != "" {
		sg, err := newSendgridClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("while creating Sendgrid client: %w", err)
		}
		opts = append(opts, notify.WithEmailSender(notify.NewSendGridSender(sg, *emailFromName, *emailFromAddress)))
	} else {
		glog.Warningf("No --sendgrid-key-secret; email notifications are disabled")
	}

	return notify.New(opts...), nil
}

func newSendgridClient(ctx context.Context) (*sendgrid.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	secretClient, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("while creating Secret Manager client: %w", err)
	}
	defer secretClient.Close()

	resp, err := secretClient.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", *dataProject, *sendgridKeySecret),
	})
	if err != nil {
		return nil, fmt.Errorf("while pulling secret: %w", err)
	}

	return sendgrid.NewSendClient(string(resp.GetPayload().GetData())), nil
}

// leaseHolder identifies this replica in job leases.  The random suffix keeps
// a restarted pod with the same hostname from releasing its predecessor's
// leases.
func leaseHolder() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("while reading hostname: %w", err)
	}
	return host + "-" + uuid.NewString(), nil
}
