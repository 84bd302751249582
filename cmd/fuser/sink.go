package main

import (
	"fmt"
	"time"

	"github.com/minio/highwayhash"
	"github.com/netfuser/fuser/libs/reasm"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Sink consumes completed frames. Drawing to a screen is left to the host;
// the built-in sink only fingerprints what arrives.
type Sink interface {
	Show(f reasm.Frame)
}

var digestKey = make([]byte, 32)

type digestSink struct {
	logRL *rate.Limiter
}

func newDigestSink() *digestSink {
	return &digestSink{logRL: rate.NewLimiter(1, 1)}
}

func frameDigest(pixels []byte) string {
	return fmt.Sprintf("%016x", highwayhash.Sum64(pixels, digestKey))
}

func (ds *digestSink) Show(f reasm.Frame) {
	digest := frameDigest(f.Pixels)
	useStats(func(sc *stats) {
		sc.Shown++
		sc.LastDigest = digest
		sc.LastShown = time.Now()
	})
	if ds.logRL.Allow() {
		log.Debugf("frame %v %vx%v at (%v,%v) digest %v",
			f.ID, f.Width, f.Height, f.OriginX, f.OriginY, digest)
	}
}
