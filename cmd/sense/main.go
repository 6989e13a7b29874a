package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/scientisst/gosense/scientisst"
	"github.com/scientisst/gosense/sense"
	"github.com/sirupsen/logrus"
)

var configFile = flag.String("config", "", "read settings from YAML `file`, flags take precedence")
var connTo = flag.String("c", "", "connection string: bt://[mac], tcp://[host]:[port], tcp-server://:[port] or [serialDevice]")
var apiMode = flag.String("api", "scientisst", "api mode: bitalino, scientisst or json")
var frequency = flag.Int("f", 1000, "sampling frequency in Hz")
var channels = flag.String("ch", "1,2,3,4,5,6", "analog channels, comma separated, 7 and 8 are AX1 and AX2")
var duration = flag.Duration("d", 0, "acquisition duration, 0 runs until interrupted")
var output = flag.String("o", "", "write frames to `file`")
var raw = flag.Bool("r", false, "do not convert raw values to mV")
var simulated = flag.Bool("simulated", false, "acquire the simulated signals of the firmware")
var stream = flag.Bool("redis", false, "publish frames to redis")
var scripts = flag.String("script", "", "comma separated registered consumers to feed with frames, e.g. seqcheck")
var quiet = flag.Bool("q", false, "don't print frames")
var httpServe = flag.String("s", "", "start http status server at [bindtohost][:]port")
var listPorts = flag.Bool("list", false, "list serial ports and exit")
var showVersion = flag.Bool("version", false, "show version and exit")
var verbose = flag.Bool("v", false, "verbose logging, including bytes sent and received")

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

// To be set via go build -ldflags "-X main.buildVersion=$(git describe --dirty) -X main.buildDate=$(date -u +%FT%TZ)"
var buildVersion = "unspecified"
var buildDate = "unknown"

// loadConfig merges the config file and the flags given on the command line
func loadConfig() (*sense.Config, error) {
	cfg := sense.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = sense.LoadConfig(*configFile); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "c":
			cfg.Device.Link = *connTo
		case "api":
			cfg.Device.API = *apiMode
		case "f":
			cfg.Acquisition.SampleRate = *frequency
		case "ch":
			cfg.Acquisition.Channels = *channels
		case "d":
			cfg.Acquisition.Duration = *duration
		case "r":
			cfg.Acquisition.Convert = !*raw
		case "simulated":
			cfg.Acquisition.Simulated = *simulated
		case "o":
			cfg.Output.File = *output
		case "q":
			cfg.Output.Quiet = *quiet
		case "script":
			cfg.Output.Scripts = strings.Split(*scripts, ",")
		case "redis":
			cfg.Redis.Enabled = *stream
		case "s":
			cfg.Monitor.Addr = *httpServe
		}
	})
	if *verbose {
		cfg.Log.Level = "debug"
	}

	// A bare connection string as the only argument
	if cfg.Device.Link == "" && flag.NArg() > 0 {
		cfg.Device.Link = flag.Arg(0)
	}
	return cfg, nil
}

// pickDevice falls back to the first serial port that looks like a board
func pickDevice(log *logrus.Logger) (string, error) {
	ports, err := sense.ListPorts()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if p.Candidate() {
			log.Infof("No connection string given, using %v", p.Name)
			return p.Name, nil
		}
	}
	return "", errors.New("no paired device found, use -c")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("sense %s (built %s)\n", buildVersion, buildDate)
		os.Exit(0)
	}

	if *listPorts {
		ports, err := sense.ListPorts()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(2)
	}
	log := sense.SetupLogger(cfg.Log)

	if cfg.Device.Link == "" {
		if cfg.Device.Link, err = pickDevice(log); err != nil {
			log.Fatal(err)
		}
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
	}

	code := 0
	if err := run(cfg, log); err != nil {
		log.Error(err)
		code = 1
	}
	pprof.StopCPUProfile()

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		runtime.GC() // get up-to-date statistics
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
		f.Close()
	}
	os.Exit(code)
}

// addConsumers attaches the consumers selected by cfg to runner. The returned
// LatestFrame feeds the status API and is nil when the API is disabled.
func addConsumers(runner *sense.Runner, cfg *sense.Config, meta sense.Metadata, log *logrus.Logger) (*sense.LatestFrame, error) {
	if cfg.Output.File != "" {
		if err := runner.Add("file", sense.NewFileWriter(cfg.Output.File, meta, log)); err != nil {
			return nil, err
		}
	}
	if !cfg.Output.Quiet {
		if err := runner.Add("stdout", sense.NewPrinter(os.Stdout, meta)); err != nil {
			return nil, err
		}
	}
	if cfg.Redis.Enabled {
		if err := runner.Add("redis", sense.NewRedisStreamer(cfg.Redis, meta, log)); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.Output.Scripts {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		c, err := sense.New(name, log)
		if err != nil {
			return nil, err
		}
		if err := runner.Add(name, c); err != nil {
			return nil, err
		}
	}

	if cfg.Monitor.Addr == "" {
		return nil, nil
	}
	latest := &sense.LatestFrame{}
	if err := runner.Add("latest", latest); err != nil {
		return nil, err
	}
	return latest, nil
}

func run(cfg *sense.Config, log *logrus.Logger) error {
	devCfg, err := cfg.DeviceConfig()
	if err != nil {
		return err
	}
	chs, err := sense.ParseChannels(cfg.Acquisition.Channels)
	if err != nil {
		return err
	}

	d := scientisst.NewDevice(devCfg)
	if err := d.Connect(); err != nil {
		return fmt.Errorf("connecting to %v: %w", cfg.Device.Link, err)
	}
	defer d.Disconnect()

	acq := cfg.Acquisition
	if err := d.Start(acq.SampleRate, chs, acq.Simulated); err != nil {
		return err
	}
	meta := sense.NewMetadata(d, acq.Convert)
	log.Infof("Run %v: %d Hz, channels %v", meta.RunID, acq.SampleRate, chs)

	runner := sense.NewRunner(log, cfg.Output.QueueSize)
	latest, err := addConsumers(runner, cfg, meta, log)
	if err != nil {
		return err
	}

	metrics := sense.NewMetrics(d, runner)
	var h *http.Server
	if latest != nil {
		build := sense.BuildInfo{Version: buildVersion, BuildDate: buildDate}
		h = sense.NewAPI(build, meta, latest, metrics, log).Serve(cfg.Monitor.Addr)
	}

	if err := runner.Start(); err != nil {
		log.Warn(err)
	}
	metrics.Acquiring.Set(1)
	metrics.SampleRate.Set(float64(acq.SampleRate))

	var stop atomic.Bool
	done := make(chan os.Signal, 1)
	signal.Notify(done,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-done
		log.Infof("Received %v, stopping", sig)
		stop.Store(true)
	}()
	if acq.Duration > 0 {
		time.AfterFunc(acq.Duration, func() { stop.Store(true) })
	}

	log.Info("Start acquisition")
	n := acq.FramesPerRead()
	var readErr error
	for !stop.Load() {
		t0 := time.Now()
		frames, err := d.Read(n, acq.Convert)
		metrics.ReadDuration.Observe(time.Since(t0).Seconds())
		if err != nil {
			readErr = err
			break
		}
		runner.Put(frames)
	}
	log.Info("Stop acquisition")
	signal.Stop(done)

	if err := runner.Stop(); err != nil {
		log.Warn(err)
	}
	if err := d.Stop(); err != nil {
		log.Warnf("Stopping acquisition: %v", err)
	}
	metrics.Acquiring.Set(0)

	// Let the firmware settle before the link goes away
	time.Sleep(acq.Grace)

	if h != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		h.Shutdown(ctx)
		cancel()
	}
	st := d.Stats()
	log.Infof("%d frames, %d bytes, %d CRC resyncs", st.Frames.Load(), st.Bytes.Load(), st.Resyncs.Load())
	return readErr
}
