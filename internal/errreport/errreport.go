// Package errreport surfaces correctness-fatal and resource-exhaustion errors
// to an optional Sentry sink, adapted from
// api/pkg/janitor.Janitor.CaptureError/Initialize. Unlike Janitor, this
// reporter never gates request handling on Sentry's availability — a
// failure to report is itself logged and swallowed, since sync and
// streaming must keep running regardless.
package errreport

import (
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
)

// Reporter sends errors to Sentry when configured; a zero-value Reporter (no
// DSN) is a safe no-op, mirroring Janitor.CaptureError's early return when
// SentryDsnAPI is empty.
type Reporter struct {
	enabled bool
	log     zerolog.Logger
}

// New initializes Sentry if dsn is non-empty. Initialization failure is
// logged, never returned as a fatal error — reporting is best-effort.
func New(dsn string, log zerolog.Logger) *Reporter {
	r := &Reporter{log: log}
	if dsn == "" {
		return r
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, EnableTracing: false}); err != nil {
		log.Warn().Err(err).Msg("sentry initialization failed, error reporting disabled")
		return r
	}
	r.enabled = true
	return r
}

// CorrectnessFatal reports an error that prevented a component from
// starting, e.g. the upload store failing to open its database.
func (r *Reporter) CorrectnessFatal(component string, err error) {
	r.log.Error().Err(err).Str("component", component).Msg("correctness-fatal error")
	if r.enabled {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("component", component)
			scope.SetLevel(sentry.LevelFatal)
			sentry.CaptureException(err)
		})
	}
}

// ResourceExhaustion reports a non-fatal resource exhaustion event (bind
// failure, storage-full) for observability.
func (r *Reporter) ResourceExhaustion(component string, err error) {
	r.log.Warn().Err(err).Str("component", component).Msg("resource exhaustion")
	if r.enabled {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("component", component)
			scope.SetLevel(sentry.LevelWarning)
			sentry.CaptureException(err)
		})
	}
}
