package main

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/netfuser/fuser/libs/discovery"
	"github.com/netfuser/fuser/libs/fastudp"
	"github.com/netfuser/fuser/libs/fragment"
	"github.com/netfuser/fuser/libs/rastersrc"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v1"
)

const beepEvery = 100

var beepMsg = []byte("BEEP")

// heartbeat is painted into the top-left pixel so that no frame is ever all
// background and the receiver keeps seeing traffic.
var heartbeat = [4]byte{2, 2, 2, 255}

var sendErrRL = rate.NewLimiter(1, 5)

// resolveDest picks the receiver address, running discovery when remoteIP is
// AUTO or empty.
func resolveDest() (*net.UDPAddr, error) {
	if remoteIP != "" && remoteIP != "AUTO" {
		ip := net.ParseIP(remoteIP)
		if ip == nil {
			return nil, errors.Errorf("bad remoteIP %q", remoteIP)
		}
		return &net.UDPAddr{IP: ip, Port: port}, nil
	}
	log.Infoln("discovery: waiting for a receiver beacon...")
	sock, err := fastudp.ListenReusable("udp4", fmt.Sprintf(":%v", port+1))
	if err != nil {
		return nil, err
	}
	defer sock.Close()
	ip, err := discovery.Browse(sock, discovery.DefaultWindow)
	if err == discovery.ErrNoPeer {
		log.Warnln("discovery: no receiver heard, broadcasting")
		return &net.UDPAddr{IP: net.IPv4bcast, Port: port}, nil
	}
	if err != nil {
		return nil, err
	}
	log.Infoln("discovery: found receiver at", ip)
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

func mainSender(death *tomb.Tomb) error {
	dest, err := resolveDest()
	if err != nil {
		return errors.Wrap(err, "resolve destination")
	}
	sock, err := fastudp.ListenReusable("udp4", ":0")
	if err != nil {
		return err
	}
	conn := fastudp.NewConn(sock)
	defer conn.Close()
	useStats(func(sc *stats) {
		sc.Destination = dest.String()
	})
	log.Infof("sending %vx%v at %v fps to %v", width, height, fps, dest)

	src := rastersrc.NewPattern(width, height, height/4)
	return runSender(death, src, src.FrameBytes(), conn, dest)
}

func runSender(death *tomb.Tomb, src rastersrc.Source, frameBytes int, conn net.PacketConn, dest net.Addr) error {
	if fps <= 0 {
		return errors.Errorf("bad fps %v", fps)
	}
	if frameBytes < len(heartbeat) {
		return errors.Errorf("bad raster size %v", frameBytes)
	}
	enc := fragment.NewEncoder()
	raster := make([]byte, frameBytes)
	var packets uint64
	emit := func(pkt []byte) error {
		_, err := conn.WriteTo(pkt, dest)
		if err == nil {
			packets++
		}
		return err
	}
	tick := time.NewTicker(time.Second / time.Duration(fps))
	defer tick.Stop()
	for frame := 1; ; frame++ {
		select {
		case <-tick.C:
		case <-death.Dying():
			return nil
		}
		w, h, err := src.Next(raster)
		if err != nil {
			return errors.Wrap(err, "capture")
		}
		copy(raster[:4], heartbeat[:])
		start := time.Now()
		packets = 0
		sent, err := enc.Encode(raster, w, h, emit)
		if err != nil {
			useStats(func(sc *stats) {
				sc.SendErrors++
			})
			if sendErrRL.Allow() {
				log.Warnln("send frame", enc.FrameID(), "failed:", err)
			}
		}
		box := enc.LastBox()
		sentPackets := packets
		var drops uint64
		if fc, ok := conn.(*fastudp.Conn); ok {
			drops = fc.WriteErrors()
		}
		useStats(func(sc *stats) {
			sc.WriteDrops = drops
			if sent {
				sc.FramesSent++
			} else {
				sc.FramesIdle++
			}
			sc.PacketsSent += sentPackets
			sc.LastFrameBox = [4]uint32{box.X, box.Y, box.W, box.H}
		})
		if statClient != nil && rand.Int()%100 == 0 {
			statClient.Increment("fuser.sender.frames")
			statClient.Timing("fuser.sender.encode", int64(time.Since(start)/time.Millisecond))
		}
		if frame%beepEvery == 0 {
			if _, err := conn.WriteTo(beepMsg, dest); err != nil && sendErrRL.Allow() {
				log.Warnln("beep failed:", err)
			}
		}
	}
}
