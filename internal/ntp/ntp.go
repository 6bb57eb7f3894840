// Package ntp performs a startup clock check against the cloud
// platform's SNTP server.
//
// Telemetry payload IDs and command replies carry millisecond epoch
// timestamps that the platform validates, so a badly skewed local clock
// breaks ingestion silently. A check that cannot complete after retries
// is fatal at startup; a clock that merely reads skewed only warns.
package ntp

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/oakhollow/iotbridge/internal/retry"
)

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01) and the Unix epoch (1970-01-01).
const ntpEpochOffset = 2208988800

// queryTimeout bounds a single SNTP round trip.
const queryTimeout = 5 * time.Second

// skewWarnThreshold is the clock offset beyond which a warning is logged.
const skewWarnThreshold = time.Second

// Query sends a single SNTP v3 client request to server (host:port)
// and returns the server's transmit time.
func Query(ctx context.Context, server string) (time.Time, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", server)
	if err != nil {
		return time.Time{}, fmt.Errorf("dialing ntp server: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(queryTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return time.Time{}, fmt.Errorf("setting deadline: %w", err)
	}

	// 48-byte request: LI=0, VN=3, Mode=3 (client).
	req := make([]byte, 48)
	req[0] = 0x1B
	if _, err := conn.Write(req); err != nil {
		return time.Time{}, fmt.Errorf("sending ntp request: %w", err)
	}

	resp := make([]byte, 48)
	if _, err := conn.Read(resp); err != nil {
		return time.Time{}, fmt.Errorf("reading ntp response: %w", err)
	}

	// Transmit timestamp: seconds and fraction at words 10 and 11.
	secs := binary.BigEndian.Uint32(resp[40:44])
	frac := binary.BigEndian.Uint32(resp[44:48])
	if secs == 0 {
		return time.Time{}, fmt.Errorf("ntp server %s returned zero timestamp", server)
	}

	unix := int64(secs) - ntpEpochOffset
	nanos := int64(float64(frac) / (1 << 32) * float64(time.Second))
	return time.Unix(unix, nanos), nil
}

// Check queries server with retries and logs the local clock offset.
// It warns when the offset exceeds one second and returns an error only
// when every attempt fails.
func Check(ctx context.Context, server string, logger *slog.Logger) error {
	var serverTime time.Time
	err := retry.Do(ctx, retry.Fixed(3, 2*time.Second), func(ctx context.Context) error {
		var err error
		serverTime, err = Query(ctx, server)
		return err
	})
	if err != nil {
		return fmt.Errorf("ntp check against %s: %w", server, err)
	}

	offset := time.Since(serverTime)
	if offset < 0 {
		offset = -offset
	}

	if offset > skewWarnThreshold {
		logger.Warn("local clock skewed from ntp server",
			"server", server,
			"offset", offset.String(),
			"server_time", serverTime.Format(time.RFC3339),
		)
	} else {
		logger.Debug("clock check passed",
			"server", server,
			"offset", offset.String(),
		)
	}
	return nil
}
