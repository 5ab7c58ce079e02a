package workers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
)

func newTestUUB(t *testing.T, body string) *UUBSlowControl {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	host, portStr, err := splitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host/port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return &UUBSlowControl{uubnum: 1, ip: host, port: port, client: srv.Client()}
}

func splitHostPort(hostport string) (string, string, error) {
	i := strings.LastIndex(hostport, ":")
	if i < 0 {
		return hostport, "", nil
	}
	return hostport[:i], hostport[i+1:], nil
}

func TestUUBIPFollowsOriginalFormula(t *testing.T) {
	// original_source/UUB.py: '192.168.%d.%d' % (31 + (uubnum >> 8), uubnum & 0xFF)
	if got, want := UUBIP(0x0101), "192.168.32.1"; got != want {
		t.Errorf("UUBIP(0x0101) = %s, want %s", got, want)
	}
	if got, want := UUBIP(5), "192.168.31.5"; got != want {
		t.Errorf("UUBIP(5) = %s, want %s", got, want)
	}
}

func TestReadZynqTempParsesValue(t *testing.T) {
	u := newTestUUB(t, "Zynq temperature: 37.25 degrees\n")
	res := u.readZynqTemp(context.Background())
	v, ok := res["zynq0001_temp"]
	if !ok {
		t.Fatalf("result %v missing zynq0001_temp", res)
	}
	if v.(float64) != 37.25 {
		t.Errorf("zynq0001_temp = %v, want 37.25", v)
	}
}

func TestReadSlowControlReproducesRegexDuplicationBug(t *testing.T) {
	// The body below is a genuine Zynq-temperature line, not real
	// slow-control output, yet readSlowControl still matches it —
	// reproducing original_source/UUB.py's re_scdata == re_zynqtemp bug.
	u := newTestUUB(t, "Zynq temperature: 42.5 degrees\n")
	res := u.readSlowControl(context.Background())
	v, ok := res["sc0001_zt"]
	if !ok {
		t.Fatalf("result %v missing sc0001_zt (regex duplication bug not reproduced)", res)
	}
	if v.(float64) != 42.5 {
		t.Errorf("sc0001_zt = %v, want 42.5", v)
	}
}
