package cli

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/formprep/internal/batch"
	"github.com/dunamismax/formprep/internal/domain"
)

const (
	ExitSuccess           = 0
	ExitSetupError        = 1
	ExitInvalidInvocation = 2
)

// Invocation is one parsed command line: the run itself plus the process
// options that only matter to cmd/formprep.
type Invocation struct {
	Spec        batch.RunSpec
	Workers     int
	JobTimeout  time.Duration
	Mirror      bool
	WebhookURL  string
	MetricsAddr string
	Pushgateway string
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ParseInvocation parses args (without argv[0]). It never reads the
// environment; service settings live in internal/config.
func ParseInvocation(args []string) (Invocation, error) {
	fs := flag.NewFlagSet("formprep", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	defaults := domain.DefaultPipelineConfig()
	var (
		inv        Invocation
		cfg        = defaults
		extensions string
	)

	fs.StringVar(&inv.Spec.TemplatePath, "template", "", "Reference sheet whose pixel size every output must match. Required.")
	fs.StringVar(&inv.Spec.InDir, "in-dir", "", "Directory of scanned sheets. Required.")
	fs.StringVar(&inv.Spec.OutDir, "out-dir", "", "Directory for normalized sheets. Required.")
	fs.StringVar(&extensions, "extensions", strings.Join(batch.DefaultExtensions, ","), "Comma-separated input extensions.")
	fs.BoolVar(&inv.Spec.CleanBefore, "clean-before", false, "Delete files in --out-dir before the run.")

	fs.IntVar(&cfg.DeskewThresholdPercent, "deskew", defaults.DeskewThresholdPercent, "Deskew threshold percent; 0 disables deskew.")
	fs.BoolVar(&cfg.Grayscale, "grayscale", defaults.Grayscale, "Convert to single-channel grayscale.")
	fs.BoolVar(&cfg.Binarize, "binarize", defaults.Binarize, "Threshold to pure black and white.")
	fs.IntVar(&cfg.BinarizeThresholdPercent, "binarize-threshold", defaults.BinarizeThresholdPercent, "Binarize threshold percent.")
	fs.BoolVar(&cfg.StrictResize, "strict-resize", defaults.StrictResize, "Stretch to the template size instead of padding.")
	fs.IntVar(&cfg.OutputDPI, "dpi", defaults.OutputDPI, "Density recorded in the output JPEG.")
	fs.IntVar(&cfg.TrimFuzzPercent, "trim-fuzz", defaults.TrimFuzzPercent, "Border trim tolerance percent.")
	fs.IntVar(&cfg.JPEGQuality, "quality", defaults.JPEGQuality, "JPEG quality.")
	fs.StringVar(&cfg.OutputSuffix, "suffix", "", "Suffix appended to output basenames.")
	fs.BoolVar(&cfg.Bullseye.Enabled, "bullseye", false, "Stamp registration bullseyes in the corners.")
	fs.IntVar(&cfg.Bullseye.Margin, "bull-margin", defaults.Bullseye.Margin, "Bullseye distance from the edges in pixels.")
	fs.IntVar(&cfg.Bullseye.Radius, "bull-radius", defaults.Bullseye.Radius, "Bullseye radius in pixels.")

	fs.IntVar(&inv.Workers, "workers", 0, "Concurrent sheets; 0 uses the CPU count.")
	fs.DurationVar(&inv.JobTimeout, "job-timeout", batch.DefaultJobTimeout, "Deadline for one sheet.")
	fs.BoolVar(&inv.Mirror, "mirror", false, "Upload outputs to object storage as well.")
	fs.StringVar(&inv.WebhookURL, "webhook-url", "", "POST the run summary here when the run ends.")
	fs.StringVar(&inv.MetricsAddr, "metrics-addr", "", "Serve /metrics on this address during the run.")
	fs.StringVar(&inv.Pushgateway, "pushgateway", "", "Push run metrics to this Prometheus pushgateway.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return Invocation{}, &InvocationError{ExitCode: ExitSuccess, Message: usage(fs)}
		}
		return Invocation{}, invalidInvocationf("%v", err)
	}
	if fs.NArg() != 0 {
		if _, err := strconv.ParseBool(fs.Arg(0)); err == nil {
			return Invocation{}, invalidInvocationf("unexpected positional argument %q: boolean flags take the form --name=%s", fs.Arg(0), fs.Arg(0))
		}
		return Invocation{}, invalidInvocationf("unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
	}

	for name, value := range map[string]string{
		"--template": inv.Spec.TemplatePath,
		"--in-dir":   inv.Spec.InDir,
		"--out-dir":  inv.Spec.OutDir,
	} {
		if strings.TrimSpace(value) == "" {
			return Invocation{}, invalidInvocationf("%s is required", name)
		}
	}
	inv.Spec.TemplatePath = filepath.Clean(inv.Spec.TemplatePath)
	inv.Spec.InDir = filepath.Clean(inv.Spec.InDir)
	inv.Spec.OutDir = filepath.Clean(inv.Spec.OutDir)

	if inv.Workers < 0 {
		return Invocation{}, invalidInvocationf("--workers must not be negative (got %d)", inv.Workers)
	}
	if inv.JobTimeout <= 0 {
		return Invocation{}, invalidInvocationf("--job-timeout must be positive (got %s)", inv.JobTimeout)
	}
	if err := checkURL("--webhook-url", inv.WebhookURL); err != nil {
		return Invocation{}, err
	}
	if err := checkURL("--pushgateway", inv.Pushgateway); err != nil {
		return Invocation{}, err
	}

	inv.Spec.Extensions = batch.ParseExtensions(extensions)
	inv.Spec.Config = cfg
	return inv, nil
}

func checkURL(flagName, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalidInvocationf("%s must be an absolute http(s) URL (got %q)", flagName, raw)
	}
	return nil
}

func usage(fs *flag.FlagSet) string {
	var buf bytes.Buffer
	buf.WriteString("usage: formprep --template FILE --in-dir DIR --out-dir DIR [options]\n\n")
	buf.WriteString("Boolean flags take their value after '=', e.g. --grayscale=false.\n\n")
	fs.SetOutput(&buf)
	fs.PrintDefaults()
	fs.SetOutput(io.Discard)
	return buf.String()
}

// ExitCode maps an error from ParseInvocation or a run to the process exit
// status. Setup errors and anything unclassified exit 1.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		return invErr.ExitCode
	}
	return ExitSetupError
}
