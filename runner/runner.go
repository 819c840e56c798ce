// Package runner parses the process configuration and owns the pieces
// shared by the run modes: logging, telemetry and the banner.
package runner

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-runewidth"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/bikebuds/bikebuds/tlmt"
	"github.com/bikebuds/bikebuds/tlmt/gonoop"
	"github.com/bikebuds/bikebuds/tlmt/goposthog"
)

// Run modes.
const (
	RunModeWeb = iota + 1
	RunModeWorker
)

var ErrInvalidRunMode = errors.New("invalid run mode")

// Runner is one process personality: the web frontend or the queue
// worker.
type Runner interface {
	Run(context.Context) error
	Close(context.Context) error
}

// Config is the full process configuration, from flags with environment
// fallbacks for secrets.
type Config struct {
	Addr         string
	Dsn          string
	Debug        bool
	WorkerRunner bool
	SyncSchedule string
	RunMode      int

	StravaClientID       string
	StravaClientSecret   string
	StravaVerifyToken    string
	WithingsClientID     string
	WithingsClientSecret string
	WithingsCallbackURL  string
	FitbitClientID       string
	FitbitClientSecret   string

	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	S3Bucket     string

	DisableTelemetry bool
}

// ParseConfig reads flags and environment variables.
func ParseConfig() *Config {
	cfg := Config{}

	flag.StringVar(&cfg.Addr, "addr", ":8080", "address to listen on for the web server")
	flag.StringVar(&cfg.Dsn, "dsn", "", "postgres connection string [default: in-memory store]")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	flag.BoolVar(&cfg.WorkerRunner, "worker", false, "run the queue worker instead of the web server")
	flag.StringVar(&cfg.SyncSchedule, "sync-schedule", "@every 6h", "periodic sync fan-out schedule")
	flag.StringVar(&cfg.S3Bucket, "s3-bucket", "", "S3 bucket for series snapshots")
	flag.StringVar(&cfg.AwsAccessKey, "aws-access-key", "", "AWS access key")
	flag.StringVar(&cfg.AwsSecretKey, "aws-secret-key", "", "AWS secret key")
	flag.StringVar(&cfg.AwsRegion, "aws-region", "", "AWS region")

	flag.Parse()

	cfg.StravaClientID = os.Getenv("STRAVA_CLIENT_ID")
	cfg.StravaClientSecret = os.Getenv("STRAVA_CLIENT_SECRET")
	cfg.StravaVerifyToken = os.Getenv("STRAVA_VERIFY_TOKEN")
	cfg.WithingsClientID = os.Getenv("WITHINGS_CLIENT_ID")
	cfg.WithingsClientSecret = os.Getenv("WITHINGS_CLIENT_SECRET")
	cfg.WithingsCallbackURL = os.Getenv("WITHINGS_CALLBACK_URL")
	cfg.FitbitClientID = os.Getenv("FITBIT_CLIENT_ID")
	cfg.FitbitClientSecret = os.Getenv("FITBIT_CLIENT_SECRET")

	if cfg.Dsn == "" {
		cfg.Dsn = os.Getenv("DATABASE_URL")
	}

	if cfg.AwsAccessKey == "" {
		cfg.AwsAccessKey = os.Getenv("MY_AWS_ACCESS_KEY")
	}

	if cfg.AwsSecretKey == "" {
		cfg.AwsSecretKey = os.Getenv("MY_AWS_SECRET_KEY")
	}

	if cfg.AwsRegion == "" {
		cfg.AwsRegion = os.Getenv("MY_AWS_REGION")
	}

	cfg.DisableTelemetry = os.Getenv("DISABLE_TELEMETRY") == "1"

	if cfg.WorkerRunner {
		cfg.RunMode = RunModeWorker
	} else {
		cfg.RunMode = RunModeWeb
	}

	return &cfg
}

// NewLogger builds the process logger.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}

var (
	telemetryOnce sync.Once
	telemetry     tlmt.Telemetry
)

// Telemetry returns the process-wide telemetry sink.
func Telemetry() tlmt.Telemetry {
	telemetryOnce.Do(func() {
		if os.Getenv("DISABLE_TELEMETRY") == "1" {
			telemetry = gonoop.New()

			return
		}

		val, err := goposthog.New("phc_l2gJhHFNSY0PJrIUyfyPJLjtW5hM0hJ7zvXXCjA6dTe", "https://eu.i.posthog.com")
		if err != nil || val == nil {
			telemetry = gonoop.New()

			return
		}

		telemetry = val
	})

	return telemetry
}

func wrapText(text string, width int) []string {
	var lines []string

	currentLine := ""
	currentWidth := 0

	for _, r := range text {
		runeWidth := runewidth.RuneWidth(r)
		if currentWidth+runeWidth > width {
			lines = append(lines, currentLine)
			currentLine = string(r)
			currentWidth = runeWidth
		} else {
			currentLine += string(r)
			currentWidth += runeWidth
		}
	}

	if currentLine != "" {
		lines = append(lines, currentLine)
	}

	return lines
}

func banner(messages []string, width int) string {
	if width <= 0 {
		var err error

		width, _, err = term.GetSize(0)
		if err != nil {
			width = 80
		}
	}

	if width < 20 {
		width = 20
	}

	contentWidth := width - 4

	var wrappedLines []string
	for _, message := range messages {
		wrappedLines = append(wrappedLines, wrapText(message, contentWidth)...)
	}

	var builder strings.Builder

	builder.WriteString("╔" + strings.Repeat("═", width-2) + "╗\n")

	for _, line := range wrappedLines {
		lineWidth := runewidth.StringWidth(line)
		paddingRight := contentWidth - lineWidth

		if paddingRight < 0 {
			paddingRight = 0
		}

		builder.WriteString(fmt.Sprintf("║ %s%s ║\n", line, strings.Repeat(" ", paddingRight)))
	}

	builder.WriteString("╚" + strings.Repeat("═", width-2) + "╝\n")

	return builder.String()
}

// Banner prints the startup banner.
func Banner(mode string) {
	message1 := "🚴 bikebuds sync backend"
	message2 := "running as: " + mode

	fmt.Fprintln(os.Stderr, banner([]string{message1, message2}, 0))
}
