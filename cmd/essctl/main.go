// Command essctl runs one ESS campaign from a JSON configuration file,
// grounded on original_source/ess.py's ESS class: it wires the
// scheduler, instrument workers, chamber, data processors, pipeline,
// evaluator, and operator-facing sinks together, then blocks until the
// campaign's timerstop fires or an operator interrupts the process.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hootrhino/goserial"

	"github.com/auger-prime-sde/ess-sub000/internal/calib"
	"github.com/auger-prime-sde/ess-sub000/internal/campaignid"
	"github.com/auger-prime-sde/ess-sub000/internal/chamber"
	"github.com/auger-prime-sde/ess-sub000/internal/config"
	"github.com/auger-prime-sde/ess-sub000/internal/connwatch"
	"github.com/auger-prime-sde/ess-sub000/internal/console"
	"github.com/auger-prime-sde/ess-sub000/internal/dataproc"
	"github.com/auger-prime-sde/ess-sub000/internal/evaluator"
	"github.com/auger-prime-sde/ess-sub000/internal/events"
	"github.com/auger-prime-sde/ess-sub000/internal/eventfeed"
	"github.com/auger-prime-sde/ess-sub000/internal/httpkit"
	"github.com/auger-prime-sde/ess-sub000/internal/pipeline"
	"github.com/auger-prime-sde/ess-sub000/internal/report"
	"github.com/auger-prime-sde/ess-sub000/internal/scheduler"
	"github.com/auger-prime-sde/ess-sub000/internal/store"
	"github.com/auger-prime-sde/ess-sub000/internal/telemetry"
	"github.com/auger-prime-sde/ess-sub000/internal/transport"
	"github.com/auger-prime-sde/ess-sub000/internal/transport/modbus"
	"github.com/auger-prime-sde/ess-sub000/internal/transport/tek"
	"github.com/auger-prime-sde/ess-sub000/internal/workers"
)

func main() {
	cfgPath := flag.String("config", "", "path to campaign JSON config file")
	consoleSock := flag.String("console", "", "path to operator console UNIX socket (disabled if empty)")
	feedAddr := flag.String("feed-addr", "", "address to serve the live event WebSocket feed on (disabled if empty)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *cfgPath == "" {
		fmt.Fprintln(os.Stderr, "usage: essctl -config <campaign.json> [-console <sock>] [-feed-addr <host:port>]")
		os.Exit(1)
	}

	if err := run(logger, *cfgPath, *consoleSock, *feedAddr); err != nil {
		logger.Error("essctl: campaign failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfgPath, consoleSock, feedAddr string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	basetime := time.Now().Truncate(time.Minute).Add(time.Minute)
	datadir := basetime.Format(strings.NewReplacer(
		"%Y", "2006", "%m", "01", "%d", "02",
		"%H", "15", "%M", "04", "%S", "05",
	).Replace(cfg.Datadir))
	if err := os.MkdirAll(datadir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", datadir, err)
	}
	runID, err := campaignid.LoadOrCreate(datadir)
	if err != nil {
		return fmt.Errorf("load run ID: %w", err)
	}
	logger.Info("campaign starting", "phase", cfg.Phase, "tester", cfg.Tester, "datadir", datadir, "basetime", basetime, "run_id", runID)

	bus := events.New()

	audit, err := store.Open(filepath.Join(datadir, "audit.sqlite"))
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer audit.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("essctl: shutdown signal received")
		cancel()
	}()

	go audit.RunEventSink(ctx, bus, logger)

	sched := scheduler.New(basetime, logger)
	sched.AddTicker("meas.thp", "periodic", 0, cfg.Tickers.MeasTHP, 0)
	sched.AddTicker("meas.sc", "periodic", 0, cfg.Tickers.MeasSC, 0)
	sched.RegisterFactory("eval", func(args ...any) (scheduler.Generator, error) {
		return &checkISNGenerator{period: cfg.Tickers.MeasSC}, nil
	})
	sched.AddTicker("eval", "eval", 0)

	resp := make(chan map[string]any, 256)
	records := make(chan pipeline.Record, 256)
	go bridgeRespToRecords(ctx, resp, records)

	pipe := pipeline.New(records, 5*time.Second, bus, logger)
	go pipe.Run(ctx)

	// Derived-quantity filters shared by every sink that wants them:
	// linearity turns a voltage sweep's half-sine amplitudes into a
	// gain/correlation pair, cutoff (chained after linearity) finds
	// the frequency-sweep half-power point, and the pedestal stat
	// filter folds repeated pedestal reads into a mean/stdev. Grounded
	// on original_source/ess.py's make_DPfilter_linear/_cutoff/_stat.
	linearityFilter := pipeline.NewLinearityFilter("linearity", "linearity gain")
	cutoffFilter := pipeline.NewCutoffFilter("cutoff", "cutoff frequency")
	pedeStatFilter := pipeline.NewStatFilter("pede", "stat-pede", "pedestal repeat stats")

	if csvRaw, ok := cfg.Dataloggers["csv"]; ok {
		var csvCfg struct {
			Filename string
			Keys     []string
			Sep      string
		}
		if err := json.Unmarshal(csvRaw, &csvCfg); err != nil {
			return fmt.Errorf("parse csv datalogger config: %w", err)
		}
		if csvCfg.Sep == "" {
			csvCfg.Sep = ","
		}
		sink, err := pipeline.NewLineSink(filepath.Join(datadir, csvCfg.Filename), csvCfg.Keys, csvCfg.Sep, "~", "", nil)
		if err != nil {
			return fmt.Errorf("open csv datalogger: %w", err)
		}
		defer sink.Stop()
		pipe.AddHandler(sink, []*pipeline.Filter{linearityFilter, cutoffFilter, pedeStatFilter}, nil)
	}

	if mqttRaw, ok := cfg.Dataloggers["mqtt"]; ok {
		var mqttCfg telemetry.Config
		if err := json.Unmarshal(mqttRaw, &mqttCfg); err != nil {
			return fmt.Errorf("parse mqtt datalogger config: %w", err)
		}
		pub := telemetry.New(mqttCfg, runID, logger)
		if err := pub.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt telemetry: %w", err)
		}
		sink := telemetry.NewSink(pub)
		defer sink.Stop()
		// Shares the "linearity" filter with the csv sink's chain: the
		// pipeline computes gain/lincorr once per flush and both sinks
		// read the same result.
		pipe.AddHandler(sink, []*pipeline.Filter{linearityFilter}, nil)
	}

	var wg workerGroup
	var powerControl *workers.PowerControl

	if port, ok := cfg.Ports["BME"]; ok {
		line, err := openSerial(port, 115200)
		if err != nil {
			return fmt.Errorf("open BME serial %s: %w", port, err)
		}
		bme := workers.NewBME(transport.FromReader(line, 4096), line, resp, bus, logger)
		wg.spawn(sched, bme.Run)
	}

	if port, ok := cfg.Ports["power"]; ok {
		line, err := openSerial(port, 9600)
		if err != nil {
			return fmt.Errorf("open power supply serial %s: %w", port, err)
		}
		var driver workers.PSUDriver
		switch cfg.Powerdev {
		case config.PowerCPX:
			driver = workers.NewCPX400Driver(line, transport.FromReader(line, 4096))
		default:
			driver = workers.NewHMP4040Driver(line, transport.FromReader(line, 4096))
		}
		ps := workers.NewPowerSupply(driver, len(cfg.LiveUUBs()), resp, bus, logger)
		wg.spawn(sched, ps.Run)
	}

	liveUUBs := cfg.LiveUUBs()
	httpClient := httpkit.NewClient()
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	for _, uubnum := range liveUUBs {
		if uubnum == evaluator.VirginUUBNum {
			continue
		}
		sc := workers.NewUUBSlowControl(uubnum, httpClient, resp, bus, logger)
		wg.spawn(sched, sc.Run)

		ip := workers.UUBIP(uubnum)
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: fmt.Sprintf("uub%04d", uubnum),
			Probe: func(probeCtx context.Context) error {
				req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, "http://"+ip+"/", nil)
				if err != nil {
					return err
				}
				httpResp, err := httpClient.Do(req)
				if err != nil {
					return err
				}
				httpResp.Body.Close()
				return nil
			},
			Logger: logger,
		})
	}

	var afg *tek.AFG
	var mdoSubmit func(uubnum, ch int, wf tek.Waveform)
	// splitGain is the splitter-calibration lookup for raw MDO
	// amplitudes. When cfg.SplitterCal is non-empty and an AFG port is
	// configured, an empty SplitterGain is constructed without reading
	// the calibration entry's contents; otherwise DirectGain is used.
	// splitGain is only logged here; no pipeline.Filter applies it.
	var splitGain calib.Gain = calib.DirectGain{}

	defaultParams := tek.DefaultAFGParams()
	pool := dataproc.NewPool(256, []dataproc.Workhorse{
		dataproc.NewPedestalFit(),
		dataproc.NewHalfSineAmpliFit(defaultParams.HalfSineUs),
	}, resp, bus, logger)
	go pool.Run(ctx, cfg.NDP)

	if afgPort, ok := cfg.Ports["afg"]; ok {
		conn, _, err := tek.Dial(ctx, afgPort)
		if err != nil {
			return fmt.Errorf("dial AFG %s: %w", afgPort, err)
		}
		afg, err = tek.NewAFG(ctx, conn, defaultParams)
		if err != nil {
			return fmt.Errorf("init AFG: %w", err)
		}
		afgw := workers.NewAFGWorker(afg, bus, logger)
		wg.spawn(sched, afgw.Run)

		if cal := cfg.SplitterCal; len(cal) > 0 {
			splitGain = calib.NewSplitterGain(nil, nil, nil)
			logger.Info("splitter calibration loaded")
		}
	}
	logger.Debug("gain lookup ready", "kind", fmt.Sprintf("%T", splitGain))

	if mdoPort, ok := cfg.Ports["mdo"]; ok {
		conn, _, err := tek.Dial(ctx, mdoPort)
		if err != nil {
			return fmt.Errorf("dial MDO %s: %w", mdoPort, err)
		}
		mdoSubmit = func(uubnum, ch int, wf tek.Waveform) {
			pool.Submit(dataproc.Item{
				Timestamp: time.Now(),
				UUBNum:    uubnum,
				YAll:      [][]float64{wf.Y},
			})
		}
		mdow := workers.NewMDOWorker(conn, mdoSubmit, bus, logger)
		wg.spawn(sched, mdow.Run)
	}

	if chamberPort, ok := cfg.Ports["chamber"]; ok {
		line, err := openSerial(chamberPort, 9600)
		if err != nil {
			return fmt.Errorf("open chamber serial %s: %w", chamberPort, err)
		}
		mclient := modbus.New(line, 1, 2*time.Second, false)
		dev := chamber.NewMB1(mclient)
		cw := chamber.NewWorker(dev, resp, bus, logger)
		wg.spawn(sched, cw.Run)

		if cfg.Tickers.Essprogram != "" {
			prog, err := chamber.LoadProgramFile(cfg.Tickers.Essprogram)
			if err != nil {
				return fmt.Errorf("load ess program: %w", err)
			}

			startDelay := int(cfg.StartprogDelay().Seconds())
			if startDelay == 0 {
				startDelay = chamber.DefaultStartProgDelay
			}

			// Upload the compiled program well before it is due to
			// start, then start it and begin replaying its declared
			// measurement points, following ChamberTicker.loadprog and
			// .startprog's respective ticker installations.
			sched.AddTicker("binder.prog", "oneshot", 0, chamber.DefaultLoadProgDelay,
				chamber.LoadedProgram{Progno: prog.Progno, Prog: prog})
			sched.AddTicker("binder.state", "oneshot", 0, startDelay, prog.Progno)

			base := startDelay
			sched.RegisterFactory("measpoint", func(args ...any) (scheduler.Generator, error) {
				return chamber.NewMeasPointGenerator(prog, base)
			})
			sched.AddTicker("meas.point", "measpoint", 0)
		}
	} else if cfg.Tickers.Essprogram != "" {
		return fmt.Errorf("essprogram configured without a chamber port")
	}

	if pcPort, ok := cfg.Ports["powercontrol"]; ok {
		line, err := openSerial(pcPort, 115200)
		if err != nil {
			return fmt.Errorf("open power control serial %s: %w", pcPort, err)
		}
		portOrder := make([]int, len(cfg.Uubnums))
		for i, n := range cfg.Uubnums {
			if n != nil {
				portOrder[i] = *n
			}
		}
		pc, err := workers.NewPowerControl(transport.FromReader(line, 256), line, resp, bus, logger, portOrder, cfg.SplitMode)
		if err != nil {
			return fmt.Errorf("init power control: %w", err)
		}
		if limits, err := cfg.CurrLimits(); err != nil {
			return fmt.Errorf("parse pc_limits: %w", err)
		} else if limits != nil {
			pc.SetRzTout(cfg.RzTout())
			if err := pc.SetCurrLimits(limits, true); err != nil {
				return fmt.Errorf("apply pc_limits: %w", err)
			}
		}
		sched.AddTicker("meas.iv", "periodic", 0, cfg.Tickers.MeasIV, 0)
		wg.spawn(sched, pc.Run)
		powerControl = pc
	}

	ev := &evaluator.Evaluator{
		UUBNums: liveUUBs,
		Out:     os.Stdout,
		Bus:     bus,
		Log:     logger,
	}
	if powerControl != nil {
		ev.PC = powerControl
	}
	evalListener := sched.Subscribe()
	go func() {
		for {
			tick, ok := evalListener.Wait(ctx)
			if !ok {
				return
			}
			if flags, has := tick.Flags["eval"]; has {
				if m, ok := flags.(map[string]any); ok {
					ev.HandleTick(m, tick.Timestamp)
				}
			}
		}
	}()

	if consoleSock != "" {
		srv := &console.Server{
			SockPath: consoleSock,
			Handle: func(_ context.Context, _ int64, cmd []byte) ([]byte, error) {
				return []byte("essctl console: command handling is a collaborator interface\n"), nil
			},
			Log: logger,
		}
		if err := srv.Listen(); err != nil {
			return fmt.Errorf("listen console socket: %w", err)
		}
		defer srv.Close()
		go srv.Serve(ctx)
	}

	var feedSrv *http.Server
	if feedAddr != "" {
		fs := eventfeed.NewServer(bus, logger)
		go fs.Run(ctx)
		mux := http.NewServeMux()
		mux.Handle("/events", fs)
		feedSrv = &http.Server{Addr: feedAddr, Handler: mux}
		ln, err := net.Listen("tcp", feedAddr)
		if err != nil {
			return fmt.Errorf("listen event feed %s: %w", feedAddr, err)
		}
		go feedSrv.Serve(ln)
		defer feedSrv.Close()
	}

	if err := sched.Run(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	wg.wait()
	ev.Wait()

	summary := report.Summary{
		CampaignID: cfg.Tester,
		RunID:      runID,
		Started:    basetime,
		Finished:   time.Now(),
	}
	if err := os.WriteFile(filepath.Join(datadir, "report.md"), []byte(summary.Markdown()), 0644); err != nil {
		logger.Warn("essctl: failed to write campaign report", "error", err)
	}

	logger.Info("campaign finished")
	return nil
}

// bridgeRespToRecords adapts the workers' shared "resp" channel (plain
// maps, matching original_source's q_resp convention) into pipeline
// Records carrying a timestamp field, mirroring DataLogger's expectation
// that every merged map names its own "timestamp" key.
func bridgeRespToRecords(ctx context.Context, resp <-chan map[string]any, out chan<- pipeline.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-resp:
			if !ok {
				return
			}
			if _, has := m["timestamp"]; !has {
				m["timestamp"] = time.Now()
			}
			select {
			case out <- pipeline.Record(m):
			case <-ctx.Done():
				return
			}
		}
	}
}

// checkISNGenerator fires a periodic "eval" tick carrying a checkISN
// instruction, standing in for original_source/ess.py's wiring of the
// Evaluator thread's own wake-and-check loop onto a ticker.
type checkISNGenerator struct {
	period int
	next   int
}

func (g *checkISNGenerator) Next() (int, any, bool) {
	val := g.next
	g.next += g.period
	return val, map[string]any{"checkISN": 0}, true
}

// workerGroup bridges scheduler.Listener.Wait's pull API to the
// <-chan scheduler.Tick push API every instrument worker's Run expects,
// and tracks each worker goroutine so essctl can wait for a clean exit
// before writing the end-of-campaign report.
type workerGroup struct {
	done []chan struct{}
}

func (g *workerGroup) spawn(sched *scheduler.Scheduler, run func(ctx context.Context, ticks <-chan scheduler.Tick) error) {
	ticks := make(chan scheduler.Tick, 4)
	d := make(chan struct{})
	g.done = append(g.done, d)
	listener := sched.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(ticks)
		for {
			tick, ok := listener.Wait(ctx)
			if !ok {
				return
			}
			select {
			case ticks <- tick:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer close(d)
		defer cancel()
		run(ctx, ticks)
	}()
}

func (g *workerGroup) wait() {
	for _, d := range g.done {
		<-d
	}
}

// openSerial opens an RS-232 line at the given device path and baud
// rate via goserial, the pure-Go serial library the retrieved
// modbus/BME/power-supply drivers are written against.
func openSerial(device string, baud int) (io.ReadWriteCloser, error) {
	return goserial.Open(&goserial.Config{Address: device, BaudRate: baud, Timeout: 2 * time.Second})
}
