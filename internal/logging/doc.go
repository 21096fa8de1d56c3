// Package logging wraps zap for gardener's commands and long-running shell.
//
// A Logger is built from Config (see FromSettings for the file-level
// logging section). Console output goes to stderr because command output
// owns stdout; an OpenTelemetry log provider may be attached as a second
// output.
//
// Every method takes a context. Trace correlation plus the project and
// session IDs stored with WithProjectID and WithSessionID are added to
// each entry:
//
//	ctx = logging.WithProjectID(ctx, p.ID)
//	logger.Info(ctx, "switch committed", zap.Duration("took", d))
//
// Fields named like credentials and values matching the configured
// patterns are redacted by the encoder. config.Secret values should be
// logged with Secret, which records only their length.
//
// Below Error, entries are sampled per level. Errors are never sampled.
// TestLogger records entries in memory for assertions.
package logging
