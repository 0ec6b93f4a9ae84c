// Package classify decides whether a single media reference is usable. Cheap
// local rules run first; only well-formed http(s) references reach the prober.
package classify

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-validator/internal/metrics"
	"github.com/JakeFAU/media-validator/internal/retry"
	"github.com/JakeFAU/media-validator/internal/telemetry"
	"github.com/JakeFAU/media-validator/internal/validation"
)

// Reasons attached to classification results.
const (
	ReasonOK           = "ok"
	ReasonEmpty        = "empty"
	ReasonEphemeral    = "ephemeral-reference"
	ReasonMalformed    = "malformed"
	ReasonTypeMismatch = "type-mismatch"
	ReasonTimeout      = "timeout"
	ReasonPlaceholder  = "placeholder"
	ReasonNotProbed    = "not-probed"
	networkErrorPrefix = "network-error: "
)

// DefaultEphemeralSchemes are client-only URL schemes that can never resolve server side.
var DefaultEphemeralSchemes = []string{"blob", "filesystem", "capacitor", "ionic", "content", "file"}

const gcsPublicHost = "https://storage.googleapis.com/"

// Config tunes the classifier.
type Config struct {
	EphemeralSchemes []string
	// Placeholders are known-good URLs accepted without a probe.
	Placeholders []string
	ProbeTimeout time.Duration
	Retry        retry.Policy
	// Limiter paces probes per host. Its wait is not charged to ProbeTimeout.
	Limiter Limiter
}

// Limiter blocks until a request to url may be sent.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Classifier implements the ordered classification rules.
type Classifier struct {
	prober       validation.Prober
	limiter      Limiter
	logger       *zap.Logger
	timeout      time.Duration
	policy       retry.Policy
	ephemeral    map[string]struct{}
	placeholders map[string]struct{}
}

// New builds a Classifier. prober may be nil, in which case well-formed
// references are accepted without a network check.
func New(cfg Config, prober validation.Prober, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	schemes := cfg.EphemeralSchemes
	if len(schemes) == 0 {
		schemes = DefaultEphemeralSchemes
	}
	c := &Classifier{
		prober:       prober,
		limiter:      cfg.Limiter,
		logger:       logger.Named("classifier"),
		timeout:      cfg.ProbeTimeout,
		policy:       cfg.Retry,
		ephemeral:    make(map[string]struct{}, len(schemes)),
		placeholders: make(map[string]struct{}, len(cfg.Placeholders)),
	}
	if c.timeout <= 0 {
		c.timeout = 5 * time.Second
	}
	for _, s := range schemes {
		c.ephemeral[strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), ":"))] = struct{}{}
	}
	for _, p := range cfg.Placeholders {
		if p = strings.TrimSpace(p); p != "" {
			c.placeholders[p] = struct{}{}
		}
	}
	return c
}

// Classify returns the verdict for entry. It never fails; network and parse
// problems become invalid results with a reason.
func (c *Classifier) Classify(ctx context.Context, entry validation.MediaEntry) validation.ClassificationResult {
	raw := strings.TrimSpace(entry.URL)
	if raw == "" {
		return validation.ClassificationResult{Status: validation.VerdictMissing, Reason: ReasonEmpty}
	}
	if _, ok := c.placeholders[raw]; ok {
		return valid(ReasonPlaceholder, 0)
	}

	scheme := schemeOf(raw)
	if _, ok := c.ephemeral[scheme]; ok {
		return invalid(ReasonEphemeral, 0)
	}
	if scheme == "data" {
		return classifyDataURI(raw, entry.Type)
	}

	target, ok := probeTarget(raw)
	if !ok {
		return invalid(ReasonMalformed, 0)
	}
	if c.prober == nil {
		return valid(ReasonNotProbed, 0)
	}
	return c.probe(ctx, target, entry.Type)
}

func (c *Classifier) probe(ctx context.Context, target string, want validation.MediaType) validation.ClassificationResult {
	ctx, span := telemetry.Tracer().Start(ctx, "probe")
	span.SetAttributes(attribute.String("url", target))
	defer span.End()

	var (
		status      int
		contentType string
		throttled   bool
	)
	err := c.policy.Do(ctx, func(ctx context.Context, _ int) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, target); err != nil {
				status, contentType, throttled = 0, "", true
				return retry.Permanent(err)
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		start := time.Now()
		st, ct, err := c.prober.Check(attemptCtx, target)
		if err != nil {
			metrics.ObserveProbe(transportOutcome(err), time.Since(start))
			status, contentType = 0, ""
			// A hung origin gets one timeout per reference, not one per attempt.
			if isTimeout(err) {
				return retry.Permanent(err)
			}
			return err
		}
		metrics.ObserveProbe(statusOutcome(st), time.Since(start))
		status, contentType = st, ct
		if transientStatus(st) {
			return fmt.Errorf("transient status %d", st)
		}
		return nil
	})

	if status != 0 {
		return verdictForStatus(status, contentType, want)
	}

	failure := &validation.ClassificationFailure{URL: target, Err: err}
	c.logger.Debug("probe failed", zap.Error(failure))
	// The limiter only refuses when the caller's deadline cannot be met.
	if throttled || isTimeout(err) {
		return invalid(ReasonTimeout, 0)
	}
	return invalid(networkErrorPrefix+rootMessage(err), 0)
}

func verdictForStatus(status int, contentType string, want validation.MediaType) validation.ClassificationResult {
	if status < 200 || status > 299 {
		return invalid(fmt.Sprintf("http-%d", status), status)
	}
	if !familyMatches(contentType, want) {
		return invalid(ReasonTypeMismatch, status)
	}
	return valid(ReasonOK, status)
}

// probeTarget validates the reference and rewrites gs:// objects to their public form.
func probeTarget(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return raw, true
	case "gs":
		object := strings.TrimPrefix(u.EscapedPath(), "/")
		if object == "" {
			return "", false
		}
		return gcsPublicHost + u.Host + "/" + object, true
	default:
		return "", false
	}
}

func classifyDataURI(raw string, want validation.MediaType) validation.ClassificationResult {
	body := raw[len("data:"):]
	end := strings.IndexAny(body, ";,")
	if end < 0 {
		return invalid(ReasonMalformed, 0)
	}
	mediaType := body[:end]
	if mediaType == "" {
		mediaType = "text/plain"
	}
	if !familyMatches(mediaType, want) || strings.HasPrefix(mediaType, "application/") {
		return invalid(ReasonTypeMismatch, 0)
	}
	return valid(ReasonOK, 0)
}

func schemeOf(raw string) string {
	i := strings.Index(raw, ":")
	if i <= 0 {
		return ""
	}
	scheme := strings.ToLower(raw[:i])
	for _, r := range scheme {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '+' && r != '-' && r != '.' {
			return ""
		}
	}
	return scheme
}

func familyMatches(contentType string, want validation.MediaType) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	if mt == "application/octet-stream" || mt == "binary/octet-stream" {
		return true
	}
	switch want {
	case validation.MediaImage:
		return strings.HasPrefix(mt, "image/")
	case validation.MediaVideo:
		return strings.HasPrefix(mt, "video/")
	default:
		return strings.HasPrefix(mt, "image/") || strings.HasPrefix(mt, "video/")
	}
}

func transientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func rootMessage(err error) string {
	if err == nil {
		return "unknown"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return urlErr.Err.Error()
	}
	return err.Error()
}

func transportOutcome(err error) string {
	if isTimeout(err) {
		return "timeout"
	}
	return "network-error"
}

func statusOutcome(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "ok"
	case transientStatus(status):
		return "transient"
	default:
		return "http-error"
	}
}

func valid(reason string, status int) validation.ClassificationResult {
	return validation.ClassificationResult{Status: validation.VerdictValid, Reason: reason, HTTPStatus: status}
}

func invalid(reason string, status int) validation.ClassificationResult {
	return validation.ClassificationResult{Status: validation.VerdictInvalid, Reason: reason, HTTPStatus: status}
}
