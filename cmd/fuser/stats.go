package main

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

const maxLogLines = 1000

// frameStats are the counters published on the stats endpoint.
type frameStats struct {
	Mode    string
	Version string

	FramesSent   uint64
	FramesIdle   uint64
	PacketsSent  uint64
	SendErrors   uint64
	WriteDrops   uint64
	Destination  string
	LastFrameBox [4]uint32

	Packets    uint64
	Completed  uint64
	Evicted    uint64
	Expired    uint64
	Rejected   map[string]uint64
	Overwrites uint64
	Shown      uint64
	InFlight   int
	Sources    map[string]uint64
	LastDigest string
	LastShown  time.Time
}

type stats struct {
	frameStats
	LogLines []string

	lock sync.Mutex
}

var statsCollector = &stats{}

func useStats(f func(sc *stats)) {
	statsCollector.lock.Lock()
	defer statsCollector.lock.Unlock()
	f(statsCollector)
}

func newStatsRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", handleStats)
	r.HandleFunc("/frames", handleFrames)
	r.HandleFunc("/logs", handleLogs)
	return r
}

func listenStats() {
	statsServ := &http.Server{
		Addr:         statsAddr,
		Handler:      newStatsRouter(),
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
	}
	log.Infoln("stats on", statsAddr)
	if err := statsServ.ListenAndServe(); err != nil {
		log.Errorln("stats listener died:", err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	bts, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	w.Header().Add("Access-Control-Allow-Origin", "*")
	w.Header().Add("content-type", "application/json")
	w.Write(bts)
}

func handleStats(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		frameStats
		LogLineCount int
	}
	useStats(func(sc *stats) {
		resp.frameStats = sc.frameStats
		resp.LogLineCount = len(sc.LogLines)
	})
	writeJSON(w, resp)
}

type reasonCount struct {
	Reason string
	Count  uint64
}

// handleFrames summarizes receiver health: how much arrives intact and why
// the rest was dropped, worst reason first.
func handleFrames(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Completed    uint64
		Lost         uint64
		Overwritten  uint64
		CompleteRate float64
		Rejected     []reasonCount
	}
	useStats(func(sc *stats) {
		resp.Completed = sc.Completed
		resp.Lost = sc.Evicted + sc.Expired
		resp.Overwritten = sc.Overwrites
		for k, v := range sc.Rejected {
			resp.Rejected = append(resp.Rejected, reasonCount{k, v})
		}
	})
	if total := resp.Completed + resp.Lost; total > 0 {
		resp.CompleteRate = float64(resp.Completed) / float64(total)
	}
	sort.Slice(resp.Rejected, func(i, j int) bool {
		if resp.Rejected[i].Count != resp.Rejected[j].Count {
			return resp.Rejected[i].Count > resp.Rejected[j].Count
		}
		return resp.Rejected[i].Reason < resp.Rejected[j].Reason
	})
	writeJSON(w, resp)
}

// handleLogs returns recent log lines; ?n= limits it to the newest n.
func handleLogs(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	var lines []string
	useStats(func(sc *stats) {
		lines = sc.LogLines
		if n > 0 && n < len(lines) {
			lines = lines[len(lines)-n:]
		}
		lines = append([]string(nil), lines...)
	})
	writeJSON(w, lines)
}
