package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/acarl005/stripansi"
	statsd "github.com/etsy/statsd/examples/go"
	"github.com/google/gops/agent"
	"github.com/netfuser/fuser/libs/reasm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vharitonsky/iniflags"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/tomb.v1"
)

const defaultConfig = "config.ini"

var mode string
var remoteIP string
var port int
var statsAddr string
var statsdAddr string
var logFile string
var logMaxMB int
var pprofAddr string

var fps int
var width int
var height int

var frameTimeout time.Duration
var slots int

var statClient *statsd.StatsdClient

// GitVersion is the build version
var GitVersion string

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		ForceColors:   true,
	})
	log.SetLevel(log.DebugLevel)

	registerFlags(flag.CommandLine)

	if _, err := os.Stat(defaultConfig); os.IsNotExist(err) {
		if err := writeDefaultConfig(defaultConfig, flag.CommandLine); err != nil {
			log.Warnln("cannot write default config:", err)
		}
	}
	iniflags.SetConfigFile(defaultConfig)
	iniflags.SetAllowMissingConfigFile(true)
	iniflags.Parse()

	if GitVersion == "" {
		GitVersion = "NOVER"
	}
	if err := teeLog(logFile, logMaxMB); err != nil {
		log.Fatalln("cannot set up logging:", err)
	}
	log.Println("fuser version", GitVersion)

	if err := agent.Listen(agent.Options{}); err != nil {
		log.Warnln("gops agent unavailable:", err)
	}
	if pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(pprofAddr, nil))
		}()
	}
	if statsdAddr != "" {
		z, e := net.ResolveUDPAddr("udp", statsdAddr)
		if e != nil {
			log.Fatalln("bad statsdAddr:", e)
		}
		statClient = statsd.New(z.IP.String(), z.Port)
	}
	if statsAddr != "" {
		go listenStats()
	}

	var death tomb.Tomb
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		select {
		case s := <-sig:
			log.Println("caught", s, "shutting down")
			death.Kill(nil)
		case <-death.Dying():
		}
	}()

	useStats(func(sc *stats) {
		sc.Mode = mode
		sc.Version = GitVersion
	})
	var err error
	switch strings.ToLower(mode) {
	case "sender":
		err = mainSender(&death)
	case "receiver":
		err = mainReceiver(&death)
	default:
		err = errors.Errorf("unknown mode %q", mode)
	}
	death.Kill(err)
	if err != nil {
		log.SetOutput(os.Stderr)
		log.Fatalln(err)
	}
}

func registerFlags(fs *flag.FlagSet) {
	fs.StringVar(&mode, "mode", "receiver", "sender or receiver")
	fs.StringVar(&remoteIP, "remoteIP", "AUTO", "receiver address for the sender; AUTO listens for discovery beacons")
	fs.IntVar(&port, "port", 9877, "stream port; discovery uses port+1")
	fs.StringVar(&statsAddr, "statsAddr", "localhost:9809", "HTTP listener for statistics")
	fs.StringVar(&statsdAddr, "statsdAddr", "", "address of StatsD for gathering statistics")
	fs.StringVar(&logFile, "logFile", "", "also append the log to this file")
	fs.IntVar(&logMaxMB, "logMaxMB", 50, "rotate logFile after this many megabytes; old files get a timestamp suffix")
	fs.StringVar(&pprofAddr, "pprofAddr", "", "if set, serve net/http/pprof here")
	fs.IntVar(&fps, "fps", 60, "sender frame rate")
	fs.IntVar(&width, "width", 1280, "sender raster width")
	fs.IntVar(&height, "height", 720, "sender raster height")
	fs.DurationVar(&frameTimeout, "timeout", reasm.DefaultTimeout, "receiver latency budget for an incomplete frame")
	fs.IntVar(&slots, "slots", reasm.DefaultSlots, "receiver reassembly slots")
}

// flags registered by iniflags itself
var iniflagsOwn = map[string]bool{
	"config":               true,
	"configUpdateInterval": true,
	"allowUnknownFlags":    true,
	"allowMissingConfig":   true,
	"dumpflags":            true,
}

// writeDefaultConfig dumps every flag in fs with its default value in
// iniflags syntax.
func writeDefaultConfig(path string, fs *flag.FlagSet) error {
	var sb strings.Builder
	sb.WriteString("# fuser configuration\n")
	fs.VisitAll(func(f *flag.Flag) {
		if iniflagsOwn[f.Name] {
			return
		}
		fmt.Fprintf(&sb, "\n# %v\n%v = %v\n", f.Usage, f.Name, f.DefValue)
	})
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return errors.Wrap(err, "create config")
	}
	defer f.Close()
	_, err = io.WriteString(f, sb.String())
	return errors.Wrap(err, "write config")
}

// newLogFile opens a size-rotated log file.
func newLogFile(path string, maxMB int) io.WriteCloser {
	if maxMB <= 0 {
		maxMB = 50
	}
	return &lumberjack.Logger{
		Filename:  path,
		MaxSize:   maxMB,
		LocalTime: true,
	}
}

// teeLog routes the log through a pipe to stderr, the optional log file and
// the stats endpoint's ring of recent lines.
func teeLog(path string, maxMB int) error {
	var file io.Writer
	if path != "" {
		file = newLogFile(path, maxMB)
	}
	logPipeR, logPipeW, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "log pipe")
	}
	log.SetOutput(logPipeW)
	go func() {
		buffi := bufio.NewReader(logPipeR)
		for {
			line, err := buffi.ReadString('\n')
			if err != nil {
				return
			}
			fmt.Fprint(os.Stderr, line)
			plain := stripansi.Strip(strings.TrimSpace(line))
			if file != nil {
				fmt.Fprintln(file, plain)
			}
			useStats(func(sc *stats) {
				sc.LogLines = append(sc.LogLines, plain)
				if len(sc.LogLines) > maxLogLines {
					sc.LogLines = sc.LogLines[len(sc.LogLines)-maxLogLines:]
				}
			})
		}
	}()
	return nil
}
