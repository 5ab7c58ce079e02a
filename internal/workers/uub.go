package workers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/auger-prime-sde/ess-sub000/internal/events"
	"github.com/auger-prime-sde/ess-sub000/internal/scheduler"
)

// UUBIP derives a UUB's local HTTP address from its assigned number,
// following original_source/UUB.py's UUBtsc.__init__ literally:
// '192.168.%d.%d' % (31 + (uubnum >> 8), uubnum & 0xFF). This differs
// from the additive constant spec.md's prose gives (16, not 31); per
// the "ambiguous spec, follow the original" rule the original's
// constant is used here — see DESIGN.md.
func UUBIP(uubnum int) string {
	return fmt.Sprintf("192.168.%d.%d", 31+(uubnum>>8), uubnum&0xFF)
}

const uubHTTPPort = 8080

// re_zynqtemp and re_scdata are reproduced as two separate compiled
// regexps even though, in original_source/UUB.py, readSlowControl's
// re_scdata is byte-for-byte identical to readZynqTemp's re_zynqtemp
// — a bug (the slow-control parser never actually matches slow-control
// output, only the Zynq-temperature line) documented rather than fixed
// per spec.md §9's Open Question on this file.
var reZynqTemp = regexp.MustCompile(`Zynq temperature: (?P<zt>[+-]?\d+(\.\d*)?) degrees`)
var reSlowControl = regexp.MustCompile(`Zynq temperature: (?P<zt>[+-]?\d+(\.\d*)?) degrees`)

// UUBSlowControl polls one UUB's local cgi-bin endpoint for Zynq
// temperature and slow-control telemetry, grounded on
// original_source/UUB.py's UUBtsc class. One instance runs per UUB.
type UUBSlowControl struct {
	uubnum int
	ip     string
	port   int
	client *http.Client
	resp   chan<- map[string]any
	bus    *events.Bus
	log    *slog.Logger

	internalSN string
	live       bool
	i2cFail    bool
}

// NewUUBSlowControl wires up the worker for uubnum using client (a
// plain, non-mTLS HTTP client — the UUB's local endpoint, distinct
// from the DB's mutual-TLS endpoint built by internal/transport/httpsmtls).
func NewUUBSlowControl(uubnum int, client *http.Client, resp chan<- map[string]any, bus *events.Bus, log *slog.Logger) *UUBSlowControl {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &UUBSlowControl{uubnum: uubnum, ip: UUBIP(uubnum), port: uubHTTPPort, client: client, resp: resp, bus: bus, log: log}
}

// Run processes ticks until ctx is canceled or ticks is closed,
// matching UUBtsc.run's check for "meas.thp"/"meas.sc" tick flags.
func (u *UUBSlowControl) Run(ctx context.Context, ticks <-chan scheduler.Tick) error {
	u.bus.Publish(events.Event{Source: events.SourceWorker, Kind: events.KindWorkerStarted, Data: map[string]any{"worker": "uub", "uubnum": u.uubnum}})
	defer u.bus.Publish(events.Event{Source: events.SourceWorker, Kind: events.KindWorkerStopped, Data: map[string]any{"worker": "uub", "uubnum": u.uubnum}})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			_, wantThp := tick.Flags["meas.thp"]
			_, wantSC := tick.Flags["meas.sc"]
			if !wantThp && !wantSC {
				continue
			}
			res := map[string]any{"timestamp": tick.Timestamp}
			if wantThp {
				for k, v := range u.readZynqTemp(ctx) {
					res[k] = v
				}
			}
			if wantSC {
				for k, v := range u.readSlowControl(ctx) {
					res[k] = v
				}
			}
			u.resp <- res
		}
	}
}

func (u *UUBSlowControl) get(ctx context.Context, path string) ([]byte, error) {
	url := fmt.Sprintf("http://%s:%d%s", u.ip, u.port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// readZynqTemp returns {"zynq<uubnum>_temp": value} on a successful
// parse, an empty map otherwise, matching UUBtsc.readZynqTemp.
func (u *UUBSlowControl) readZynqTemp(ctx context.Context) map[string]any {
	body, err := u.get(ctx, "/cgi-bin/getdata.cgi?action=xadc")
	if err != nil {
		u.log.Warn("uub: xadc request failed", "uubnum", u.uubnum, "error", err)
		return nil
	}
	m := reZynqTemp.FindSubmatch(body)
	if m == nil {
		u.log.Warn("uub: xadc response did not match Zynq temperature", "uubnum", u.uubnum)
		return nil
	}
	var temp float64
	fmt.Sscanf(string(m[1]), "%g", &temp)
	return map[string]any{fmt.Sprintf("zynq%04d_temp", u.uubnum): temp}
}

// readSlowControl returns {"sc<uubnum>_zt": value} on a successful
// parse. Reproduces the original's regex-duplication bug: it matches
// the same "Zynq temperature: ..." text readZynqTemp does, not actual
// slow-control data, since re_scdata was never given its own pattern.
func (u *UUBSlowControl) readSlowControl(ctx context.Context) map[string]any {
	body, err := u.get(ctx, "/cgi-bin/getdata.cgi?action=slowc&arg1=-a")
	if err != nil {
		u.log.Warn("uub: slowc request failed", "uubnum", u.uubnum, "error", err)
		return nil
	}
	m := reSlowControl.FindSubmatch(body)
	if m == nil {
		u.log.Warn("uub: slowc response did not match expected pattern", "uubnum", u.uubnum)
		return nil
	}
	var v float64
	fmt.Sscanf(string(m[1]), "%g", &v)
	return map[string]any{fmt.Sprintf("sc%04d_zt", u.uubnum): v}
}

// InternalSN satisfies evaluator.SNSource: the last internal serial
// number this worker read, or the zero value before any successful
// read, matching UUBtsc.internalSN's tri-state semantics (string /
// False on I2C failure / None when not live).
func (u *UUBSlowControl) InternalSN() (sn string, live bool, i2cFail bool) {
	return u.internalSN, u.live, u.i2cFail
}
