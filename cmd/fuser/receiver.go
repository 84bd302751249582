package main

import (
	"bytes"
	"fmt"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/netfuser/fuser/libs/discovery"
	"github.com/netfuser/fuser/libs/fastudp"
	"github.com/netfuser/fuser/libs/mailbox"
	"github.com/netfuser/fuser/libs/reasm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v1"
)

// how long the consumer waits for a frame before checking for shutdown
const showWait = 8 * time.Millisecond

const maxSources = 64

var selfTestMsg = []byte("SELF_TEST")

func isControl(pkt []byte) bool {
	return bytes.Equal(pkt, beepMsg) || bytes.Equal(pkt, selfTestMsg)
}

func mainReceiver(death *tomb.Tomb) error {
	sock, err := fastudp.ListenReusable("udp4", fmt.Sprintf(":%v", port))
	if err != nil {
		return err
	}
	conn := fastudp.NewConn(sock)
	defer conn.Close()
	log.Infoln("receiving on", conn.LocalAddr())

	bsock, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return errors.Wrap(err, "beacon socket")
	}
	defer bsock.Close()
	go func() {
		bcast := &net.UDPAddr{IP: net.IPv4bcast, Port: port + 1}
		if err := discovery.Announce(bsock, bcast, port, discovery.DefaultInterval, death.Dying()); err != nil {
			log.Warnln("discovery beacon stopped:", err)
		}
	}()

	self := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	if _, err := conn.WriteTo(selfTestMsg, self); err != nil {
		log.Warnln("self test send failed:", err)
	}

	box := mailbox.New()
	go runConsumer(death, box, newDigestSink())
	engine := reasm.NewEngine(reasm.WithSlots(slots), reasm.WithTimeout(frameTimeout))
	return runReceiver(death, conn, engine, box)
}

// runReceiver owns the engine. The read deadline doubles as the purge tick so
// stalled frames are swept even when the link goes quiet.
func runReceiver(death *tomb.Tomb, conn net.PacketConn, engine *reasm.Engine, box *mailbox.Mailbox) error {
	defer box.Close()
	sources, err := lru.New(maxSources)
	if err != nil {
		return err
	}
	purgeEvery := frameTimeout
	if purgeEvery <= 0 {
		purgeEvery = reasm.DefaultTimeout
	}
	buf := make([]byte, 2048)
	lastReport := time.Now()
	for {
		select {
		case <-death.Dying():
			return nil
		default:
		}
		conn.SetReadDeadline(time.Now().Add(purgeEvery))
		n, addr, err := conn.ReadFrom(buf)
		engine.PurgeExpired()
		if time.Since(lastReport) > time.Second {
			lastReport = time.Now()
			report(engine, box, sources)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "receive")
		}
		pkt := buf[:n]
		if isControl(pkt) {
			log.Debugf("control datagram %q from %v", pkt, addr)
			continue
		}
		key := addr.String()
		if v, ok := sources.Get(key); ok {
			*v.(*uint64)++
		} else {
			cnt := uint64(1)
			sources.Add(key, &cnt)
		}
		h, ok := engine.ConsumePacket(pkt)
		if !ok {
			continue
		}
		if f, ok := engine.Frame(h); ok {
			box.Put(f)
		}
		engine.Release(h)
	}
}

func report(engine *reasm.Engine, box *mailbox.Mailbox, sources *lru.Cache) {
	es := engine.Stats()
	inflight := engine.InFlight()
	overwrites := box.Overwrites()
	srcs := make(map[string]uint64)
	for _, k := range sources.Keys() {
		if v, ok := sources.Peek(k); ok {
			srcs[k.(string)] = *v.(*uint64)
		}
	}
	useStats(func(sc *stats) {
		sc.Packets = es.Packets
		sc.Completed = es.Completed
		sc.Evicted = es.Evicted
		sc.Expired = es.Expired
		sc.Rejected = es.RejectedByReason()
		sc.Overwrites = overwrites
		sc.InFlight = inflight
		sc.Sources = srcs
	})
	if statClient != nil {
		statClient.Increment("fuser.receiver.report")
		statClient.Timing("fuser.receiver.inflight", int64(inflight))
	}
}

func runConsumer(death *tomb.Tomb, box *mailbox.Mailbox, sink Sink) {
	var f reasm.Frame
	for {
		if box.Wait(&f, showWait) {
			sink.Show(f)
			continue
		}
		if box.Closed() {
			return
		}
		select {
		case <-death.Dying():
			return
		default:
		}
	}
}
