// Package evaluator implements the campaign-level checks that run off
// "eval" scheduler ticks: internal-serial-number verification, UUB
// physical-order detection, and UUB removal, grounded on
// original_source/evaluator.py's Evaluator class.
package evaluator

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/auger-prime-sde/ess-sub000/internal/events"
)

// ISN severity bits control which internal-SN mismatches are tolerated
// rather than treated as campaign-aborting. ISNSeverityStrict (zero
// value) requires every UUB to check out.
const (
	ISNSeverityStrict  = 0
	ISNSeverityI2CFail = 1 << 0
	ISNSeverityNotLive = 1 << 1
	ISNSeverityNoDB    = 1 << 2
	ISNSeverityReport  = 1 << 3
)

// VirginUUBNum is the sentinel UUB number assigned to an unprogrammed
// board run alongside exactly one real UUB during internal-SN checks.
// Not directly visible in the retrieved original_source/UUB.py excerpt
// (only its usage as an inclusive upper bound on valid uubnums was);
// 0xFFFF is the conventional "no real number assigned yet" sentinel
// and is used here — see DESIGN.md.
const VirginUUBNum = 0xFFFF

// TimeoutOrderCheck is the settle time between successive port
// switch-offs in OrderUUB, matching Evaluator.TOUT_ORD.
const TimeoutOrderCheck = 500 * time.Millisecond

// UUBStatus is one UUB's internal-SN read result. Live is false when
// the UUB never answered at all; I2CFail is true when the UUB
// answered but the Zynq-to-slow-control I2C read itself failed.
type UUBStatus struct {
	SN      string
	Live    bool
	I2CFail bool
}

// SNSource supplies each UUB's currently-read internal serial number.
type SNSource interface {
	InternalSN(uubnum int) UUBStatus
}

// PowerController is the subset of the power-control worker OrderUUB
// needs: switching a bitmask of relay-bank ports off one at a time.
type PowerController interface {
	SwitchRaw(on bool, mask uint16) error
}

// LiveChecker reports whether the UUB at ip is currently reachable,
// grounded on original_source/UUB.py's isLive helper.
type LiveChecker interface {
	IsLive(ip string) bool
}

// Evaluator runs the checks original_source/evaluator.py's Evaluator
// thread performs in response to "eval" tick flags.
type Evaluator struct {
	UUBNums       []int // 0 marks an empty slot, matching the original's None
	DBIsn         map[int]string
	SN            SNSource
	PC            PowerController
	Live          LiveChecker
	UUBNum2IP     func(int) string
	CriticalError func()
	RemoveUUB     func(uubnum int, log *slog.Logger)

	Out io.Writer
	Bus *events.Bus
	Log *slog.Logger

	mu   sync.Mutex
	wg   sync.WaitGroup
}

func (e *Evaluator) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// HandleTick dispatches one "eval" flags map, matching Evaluator.run's
// per-tick branch on checkISN/orderUUB/removeUUB/message keys. Long-
// running checks (orderUUB, removeUUB) run on their own goroutine,
// tracked so Wait can block until they finish.
func (e *Evaluator) HandleTick(flags map[string]any, timestamp time.Time) {
	if v, ok := flags["checkISN"]; ok {
		severity, _ := v.(int)
		e.CheckISN(severity, timestamp)
	}
	if v, ok := flags["orderUUB"]; ok {
		abort, _ := v.(bool)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.OrderUUB(abort, timestamp)
		}()
	}
	if v, ok := flags["removeUUB"]; ok {
		nums, _ := v.([]int)
		for _, uubnum := range nums {
			e.wg.Add(1)
			go func(n int) {
				defer e.wg.Done()
				if e.RemoveUUB != nil {
					e.RemoveUUB(n, e.logger())
				}
				e.Bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceEvaluator,
					Kind: events.KindUUBRemoved, Data: map[string]any{"uubnum": n}})
			}(uubnum)
		}
	}
	if v, ok := flags["message"]; ok {
		if msg, ok := v.(string); ok {
			e.WriteMsg(strings.Split(msg, "\n"), timestamp)
		}
	}
}

// Wait blocks until every in-flight OrderUUB/RemoveUUB goroutine
// spawned by HandleTick has returned, mirroring Evaluator.join's
// drain of self.thrs.
func (e *Evaluator) Wait() { e.wg.Wait() }

func liveUUBNums(nums []int) []int {
	var out []int
	for _, n := range nums {
		if n != 0 {
			out = append(out, n)
		}
	}
	return out
}

// CheckISN verifies every live UUB's internal serial number against
// the DB's record, following Evaluator.checkISN's branching: a
// virgin-UUB pairing is handled specially (MAC-swap detection),
// otherwise each UUB is checked independently. Calls CriticalError
// when the check fails and severity does not mask the failure as
// tolerable.
func (e *Evaluator) CheckISN(severity int, timestamp time.Time) {
	e.logger().Info("checking internal SN")
	luubnums := liveUUBNums(e.UUBNums)

	uubISN := make(map[int]UUBStatus, len(luubnums))
	for _, n := range luubnums {
		uubISN[n] = e.SN.InternalSN(n)
	}
	zVirgin := containsInt(luubnums, VirginUUBNum)
	testres := true

	var nodb []int
	for _, n := range luubnums {
		if n == VirginUUBNum {
			continue
		}
		if _, ok := e.DBIsn[n]; !ok {
			nodb = append(nodb, n)
		}
	}
	if len(nodb) > 0 {
		e.logger().Info("UUBs not found in DB", "uubs", nodb)
		if severity&ISNSeverityNoDB == 0 {
			testres = false
		}
	} else {
		e.logger().Info("all UUBs found in DB")
	}

	var i2cfail []int
	for _, n := range luubnums {
		if uubISN[n].I2CFail {
			i2cfail = append(i2cfail, n)
		}
	}
	if len(i2cfail) > 0 {
		e.logger().Info("UUBs that failed to read ISN", "uubs", i2cfail)
		if severity&ISNSeverityI2CFail == 0 {
			testres = false
		}
	}

	var notlive []int
	for _, n := range luubnums {
		if !uubISN[n].Live {
			notlive = append(notlive, n)
		}
	}

	var virginLive bool
	var msglines []string
	if zVirgin {
		switch len(notlive) {
		case 0:
			e.logger().Error("seems both UUB and virgin live")
		case 2:
			e.logger().Warn("UUB not live")
			if severity&ISNSeverityNotLive == 0 {
				testres = false
			}
		default:
			virginLive = !containsInt(notlive, VirginUUBNum)
			if len(nodb) == 0 && len(i2cfail) == 0 {
				var uubnum int
				var disn string
				for k, v := range e.DBIsn {
					uubnum, disn = k, v
					break
				}
				target := uubnum
				if virginLive {
					target = VirginUUBNum
				}
				uisn := uubISN[target].SN
				if disn != uisn {
					testres = false
					e.logger().Error("ISN mismatch", "uubnum", uubnum, "db", disn, "uub", uisn)
				}
			}
		}
	} else {
		if len(notlive) > 0 {
			e.logger().Info("UUBs still not live", "uubs", notlive)
			if severity&ISNSeverityNotLive == 0 {
				testres = false
			}
		}
		excluded := append(append(append([]int{}, nodb...), i2cfail...), notlive...)
		for _, n := range luubnums {
			if containsInt(excluded, n) {
				continue
			}
			if e.DBIsn[n] != uubISN[n].SN {
				testres = false
				e.logger().Error("ISN mismatch", "uubnum", n, "db", e.DBIsn[n], "uub", uubISN[n].SN)
			}
		}
	}

	msglines = append(msglines, fmt.Sprintf("Check of internal serial number(s) %s.", passFail(testres)))
	if zVirgin {
		state := "changed"
		if virginLive {
			state = "original"
		}
		msglines = append(msglines, fmt.Sprintf("UUB running under %s MAC address.", state))
	}
	zAbort := !testres && severity&ISNSeverityReport == 0
	if zAbort {
		msglines = append(msglines, "The test will be aborted now.")
	}
	e.WriteMsg(msglines, timestamp)
	e.logger().Info(strings.Join(msglines, " "))
	if zAbort && e.CriticalError != nil {
		e.Bus.Publish(events.Event{Timestamp: timestamp, Source: events.SourceEvaluator,
			Kind: events.KindCriticalError, Data: map[string]any{"reason": "internal SN check failed"}})
		e.CriticalError()
	}
}

func passFail(ok bool) string {
	if ok {
		return "passed"
	}
	return "failed"
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// OrderUUB determines the physical wiring order of live UUBs on the
// power-control relay bank by switching ports off one at a time and
// watching which UUB drops, following Evaluator.orderUUB. Returns the
// detected order (0 for an empty slot). Calls CriticalError when the
// detected order mismatches e.UUBNums and abort is true.
func (e *Evaluator) OrderUUB(abort bool, timestamp time.Time) ([]int, error) {
	e.logger().Debug("checking UUB order")
	uubsetAll := liveUUBNums(e.UUBNums)
	uub2ip := make(map[int]string, len(uubsetAll))
	for _, n := range uubsetAll {
		uub2ip[n] = e.UUBNum2IP(n)
	}
	uubsetExp := make(map[int]struct{})
	for _, n := range uubsetAll {
		if e.Live.IsLive(uub2ip[n]) {
			uubsetExp[n] = struct{}{}
		}
	}

	var detected []int
	portmask := uint16(1)
	for n := 9; n >= 0; n-- {
		if err := e.PC.SwitchRaw(false, portmask); err != nil {
			return nil, fmt.Errorf("evaluator: switch port mask %#x: %w", portmask, err)
		}
		portmask <<= 1
		time.Sleep(TimeoutOrderCheck)

		uubsetReal := make(map[int]struct{})
		for _, num := range uubsetAll {
			if e.Live.IsLive(uub2ip[num]) {
				uubsetReal[num] = struct{}{}
			}
		}
		e.logger().Debug("UUB order probe", "n", n, "live", keys(uubsetReal))
		if len(uubsetReal) > n {
			return nil, fmt.Errorf("evaluator: too many UUBs still live (n=%d, live=%d)", n, len(uubsetReal))
		}
		for num := range uubsetReal {
			if _, ok := uubsetExp[num]; !ok {
				return nil, fmt.Errorf("evaluator: UUB #%04d reincarnated", num)
			}
		}
		var diff []int
		for num := range uubsetExp {
			if _, ok := uubsetReal[num]; !ok {
				diff = append(diff, num)
			}
		}
		if len(diff) > 1 {
			return nil, fmt.Errorf("evaluator: more than one UUB died in one step")
		}
		if len(diff) == 1 {
			detected = append(detected, diff[0])
		} else {
			detected = append(detected, 0)
		}
		uubsetExp = uubsetReal
	}

	if !equalInts(detected, e.UUBNums) {
		uubs := make([]string, len(detected))
		for i, n := range detected {
			if n == 0 {
				uubs[i] = "null"
			} else {
				uubs[i] = fmt.Sprintf("%04d", n)
			}
		}
		msglines := []string{"Incorrect UUB numbers.", fmt.Sprintf("Detected UUBs: [ %s ].", strings.Join(uubs, ", "))}
		if abort {
			msglines = append(msglines, "Aborting.")
		}
		e.WriteMsg(msglines, timestamp)
		e.logger().Info(strings.Join(msglines, " "))
		if abort {
			if e.CriticalError != nil {
				e.CriticalError()
			}
			return detected, fmt.Errorf("evaluator: UUB order mismatch")
		}
	}
	return detected, nil
}

func keys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// WriteMsg appends lines to Out, prefixed on the first line with
// timestamp and indented on continuation lines to match it, following
// Evaluator.writeMsg.
func (e *Evaluator) WriteMsg(lines []string, timestamp time.Time) {
	if e.Out == nil || len(lines) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	prefix := timestamp.Format("2006-01-02T15:04:05 | ")
	spacer := strings.Repeat(" ", len(prefix))
	fmt.Fprintf(e.Out, "%s%s\n", prefix, lines[0])
	for _, l := range lines[1:] {
		fmt.Fprintf(e.Out, "%s%s\n", spacer, l)
	}
}
