package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reportwatch/internal/artifact"
	"reportwatch/internal/logging"
	"reportwatch/internal/metrics"

	"golang.org/x/time/rate"
)

const (
	DefaultTimeout  = 30 * time.Second
	logBodyMaxChars = 100
)

var (
	ErrNoEndpoint = errors.New("dispatch url is not configured")
	// ErrAborted marks a dispatch cancelled before its request was sent.
	ErrAborted    = errors.New("dispatch aborted before sending")
)

// Options configures a Dispatcher.
type Options struct {
	Client        Client
	Profile       Profile
	Logger        *logging.Logger
	Metrics       *metrics.Registry
	DryRun        bool
	Timeout       time.Duration
	RatePerSecond float64
	Now           func() time.Time
}

// Result records the single delivery attempt for a directory.
type Result struct {
	Outcome    string
	StatusCode int
	Body       string
	RequestID  string
	Duration   time.Duration
	Err        error
}

// Succeeded reports whether the endpoint accepted the payload or the
// dispatch was a dry run.
func (result Result) Succeeded() bool {
	return result.Outcome == metrics.OutcomeSuccess || result.Outcome == metrics.OutcomeDryRun
}

// Dispatcher performs one delivery per call and never retries.
type Dispatcher struct {
	client  Client
	profile Profile
	logger  *logging.Logger
	metrics *metrics.Registry
	dryRun  bool
	timeout time.Duration
	limiter *rate.Limiter
	now     func() time.Time
}

func NewDispatcher(options Options) *Dispatcher {
	client := options.Client
	if client == nil {
		client = NewHTTPClient(nil)
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	var limiter *rate.Limiter
	if options.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(options.RatePerSecond), 1)
	}
	return &Dispatcher{
		client:  client,
		profile: options.Profile,
		logger:  logger.Component("dispatch"),
		metrics: options.Metrics,
		dryRun:  options.DryRun,
		timeout: timeout,
		limiter: limiter,
		now:     now,
	}
}

// Dispatch sends the artifacts of dir. Cancelling ctx before the request
// starts skips it; once started, the request runs to completion or timeout.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, dir string, set artifact.Set) Result {
	started := dispatcher.now()
	payload := BuildPayload(dispatcher.profile, set, started)
	fields := map[string]string{
		"path":   dir,
		"auth":   set.Auth,
		"enroll": set.Enroll,
	}

	if dispatcher.dryRun {
		fields["payload"] = formatFields(payload.Fields)
		dispatcher.logger.Info("dispatch dry run", fields)
		return dispatcher.finish(Result{Outcome: metrics.OutcomeDryRun}, started)
	}

	if strings.TrimSpace(dispatcher.profile.URL) == "" {
		return dispatcher.fail(Result{Err: ErrNoEndpoint}, started, fields)
	}

	if dispatcher.limiter != nil {
		if err := dispatcher.limiter.Wait(ctx); err != nil {
			return dispatcher.abort(fmt.Errorf("%w: wait for dispatch slot: %v", ErrAborted, err), started, fields)
		}
	}

	requestCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatcher.timeout)
	defer cancel()

	dispatcher.logger.Info("sending files", map[string]string{
		"path": dir,
		"url":  dispatcher.profile.URL,
	})
	response, err := dispatcher.client.Post(requestCtx, dispatcher.profile.URL, payload.Fields, payload.Files)
	result := Result{
		StatusCode: response.StatusCode,
		Body:       response.Body,
		RequestID:  response.RequestID,
		Err:        err,
	}
	if err != nil || response.StatusCode >= http.StatusBadRequest {
		return dispatcher.fail(result, started, fields)
	}

	result.Outcome = metrics.OutcomeSuccess
	result = dispatcher.finish(result, started)
	fields["status"] = strconv.Itoa(result.StatusCode)
	fields["body"] = truncate(result.Body, logBodyMaxChars)
	fields["request_id"] = result.RequestID
	fields["duration_ms"] = strconv.FormatInt(result.Duration.Milliseconds(), 10)
	dispatcher.logger.Info("dispatch delivered", fields)
	return result
}

// fail logs a delivery failure. Delivery is not retried.
func (dispatcher *Dispatcher) fail(result Result, started time.Time, fields map[string]string) Result {
	result.Outcome = metrics.OutcomeFailure
	result = dispatcher.finish(result, started)
	if result.StatusCode != 0 {
		fields["status"] = strconv.Itoa(result.StatusCode)
		fields["body"] = truncate(result.Body, logBodyMaxChars)
	}
	if result.Err != nil {
		fields["error"] = result.Err.Error()
	}
	if result.RequestID != "" {
		fields["request_id"] = result.RequestID
	}
	dispatcher.logger.Warn("dispatch failed; not retrying", fields)
	return result
}

// abort records a dispatch that never reached the endpoint because the
// service was stopping. The directory is not retried.
func (dispatcher *Dispatcher) abort(err error, started time.Time, fields map[string]string) Result {
	result := dispatcher.finish(Result{Outcome: metrics.OutcomeAborted, Err: err}, started)
	fields["error"] = err.Error()
	dispatcher.logger.Warn("dispatch aborted by shutdown; request not sent", fields)
	return result
}

func (dispatcher *Dispatcher) finish(result Result, started time.Time) Result {
	result.Duration = dispatcher.now().Sub(started)
	dispatcher.metrics.RecordDispatch(result.Outcome, result.Duration)
	return result
}

func formatFields(fields map[string]string) string {
	parts := make([]string, 0, len(fields))
	for _, key := range sortedKeys(fields) {
		parts = append(parts, key+"="+fields[key])
	}
	return strings.Join(parts, " ")
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
