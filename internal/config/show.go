package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w, giving users visibility into the effective
// values after all four override layers have been applied. Credentials
// are redacted, never echoed.
func RenderEffective(rp *ResolvedProfile, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration for profile %q\n\n", rp.Name)

	ew.printf("[profile]\n")
	ew.printf("  url      = %q\n", rp.URL)
	ew.printf("  kind     = %q\n", rp.Kind)

	if rp.Tenant != "" {
		ew.printf("  tenant   = %q\n", rp.Tenant)
	}

	if rp.Username != "" {
		ew.printf("  username = %q\n", rp.Username)
		ew.printf("  password = %q\n", redacted(rp.Password))
	}

	if rp.Token != "" {
		ew.printf("  token    = %q\n", redacted(rp.Token))
	}

	ew.printf("  timezone = %q\n", rp.Timezone)
	ew.printf("\n")

	ew.printf("[cache]\n")
	ew.printf("  path = %q\n", rp.Cache.Path)
	ew.printf("  ttl  = %q\n", rp.Cache.TTL)
	ew.printf("\n")

	ew.printf("[stream]\n")
	ew.printf("  heartbeat_interval = %q\n", rp.Stream.HeartbeatInterval)
	ew.printf("  heartbeat_timeout  = %q\n", rp.Stream.HeartbeatTimeout)
	ew.printf("  max_reconnects     = %d\n", rp.Stream.MaxReconnects)
	ew.printf("  buffer             = %d\n", rp.Stream.Buffer)
	ew.printf("\n")

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", rp.Logging.LogLevel)
	ew.printf("  log_format = %q\n", rp.Logging.LogFormat)
	ew.printf("\n")

	ew.printf("[network]\n")
	ew.printf("  connect_timeout = %q\n", rp.Network.ConnectTimeout)
	ew.printf("  data_timeout    = %q\n", rp.Network.DataTimeout)

	if rp.Network.UserAgent != "" {
		ew.printf("  user_agent      = %q\n", rp.Network.UserAgent)
	}

	return ew.err
}

func redacted(secret string) string {
	if secret == "" {
		return ""
	}

	return "********"
}

// errWriter wraps an io.Writer and captures the first write error, so
// printf calls can be chained without checking each one.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
