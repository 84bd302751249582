package fastudp

import (
	"io"
	"net"
	"runtime"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v1"
)

var writeErrRL = rate.NewLimiter(1, 5)

const batchSize = 16

// SocketBuffer is the kernel buffer size requested for both directions. A
// 4K frame is thousands of datagrams, all sent back to back.
const SocketBuffer = 16 * 1024 * 1024

// Conn wraps an underlying UDPConn and batches reads and writes through
// recvmmsg/sendmmsg.
type Conn struct {
	writeErrors uint64

	sock  *net.UDPConn
	pconn *ipv4.PacketConn
	death *tomb.Tomb

	writeBuf chan ipv4.Message
	readBuf  []ipv4.Message
	readPtr  int
	readCnt  int
}

// NewConn enlarges the socket buffers and, on Linux, returns a batching Conn.
// Elsewhere the socket itself is returned.
func NewConn(conn *net.UDPConn) net.PacketConn {
	if err := conn.SetWriteBuffer(SocketBuffer); err != nil {
		log.Warnln("fastudp: cannot set write buffer:", err)
	}
	if err := conn.SetReadBuffer(SocketBuffer); err != nil {
		log.Warnln("fastudp: cannot set read buffer:", err)
	}
	if runtime.GOOS != "linux" {
		return conn
	}
	c := &Conn{
		sock:     conn,
		pconn:    ipv4.NewPacketConn(conn),
		writeBuf: make(chan ipv4.Message, batchSize*4),
		death:    new(tomb.Tomb),
	}
	for i := 0; i < batchSize; i++ {
		c.readBuf = append(c.readBuf, ipv4.Message{
			Buffers: [][]byte{malloc(bufSize)},
		})
	}
	go c.bkgWrite()
	return c
}

func (conn *Conn) bkgWrite() {
	defer conn.pconn.Close()
	defer conn.sock.Close()
	var towrite []ipv4.Message
	for {
		select {
		case first := <-conn.writeBuf:
			towrite = append(towrite, first)
			for len(towrite) < batchSize {
				select {
				case next := <-conn.writeBuf:
					towrite = append(towrite, next)
				default:
					goto out
				}
			}
		out:
			ptr := towrite
			for len(ptr) > 0 {
				n, err := conn.pconn.WriteBatch(ptr, 0)
				for i := 0; i < n; i++ {
					free(ptr[i].Buffers[0])
					ptr[i].Buffers = nil
				}
				ptr = ptr[n:]
				if err != nil && len(ptr) > 0 {
					select {
					case <-conn.death.Dying():
						for i := range ptr {
							free(ptr[i].Buffers[0])
						}
						return
					default:
					}
					// drop the datagram the kernel refused, keep the rest
					atomic.AddUint64(&conn.writeErrors, 1)
					if writeErrRL.Allow() {
						log.Warnln("fastudp: dropping datagram to", ptr[0].Addr, "error:", err)
					}
					free(ptr[0].Buffers[0])
					ptr[0].Buffers = nil
					ptr = ptr[1:]
				}
			}
			for i := range towrite {
				towrite[i] = ipv4.Message{}
			}
			towrite = towrite[:0]
		case <-conn.death.Dying():
			return
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// ReadFrom reads a packet from the connection. A read deadline expiring is
// reported as a timeout and leaves the connection usable.
func (conn *Conn) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	for conn.readPtr >= conn.readCnt {
		conn.readPtr = 0
		conn.readCnt = 0
		fillCnt, e := conn.pconn.ReadBatch(conn.readBuf, 0)
		if e != nil {
			if !isTimeout(e) {
				conn.death.Kill(e)
			}
			err = e
			return
		}
		conn.readCnt = fillCnt
	}
	msg := conn.readBuf[conn.readPtr]
	conn.readPtr++
	n = copy(p, msg.Buffers[0][:msg.N])
	addr = msg.Addr
	return
}

// WriteTo queues a copy of p for the background writer. It blocks only while
// the queue is full.
func (conn *Conn) WriteTo(p []byte, addr net.Addr) (n int, err error) {
	if len(p) > bufSize {
		return 0, io.ErrShortBuffer
	}
	select {
	case <-conn.death.Dying():
		return 0, conn.death.Err()
	default:
	}
	pCopy := malloc(len(p))
	copy(pCopy, p)
	msg := ipv4.Message{
		Buffers: [][]byte{pCopy},
		Addr:    addr,
	}
	select {
	case conn.writeBuf <- msg:
		return len(p), nil
	case <-conn.death.Dying():
		free(pCopy)
		return 0, conn.death.Err()
	}
}

// WriteErrors counts queued datagrams the kernel refused. WriteTo has already
// reported success for them.
func (conn *Conn) WriteErrors() uint64 {
	return atomic.LoadUint64(&conn.writeErrors)
}

// Close closes the connection.
func (conn *Conn) Close() error {
	err := conn.sock.Close()
	conn.death.Kill(io.ErrClosedPipe)
	return err
}

// SetDeadline sets a deadline.
func (conn *Conn) SetDeadline(t time.Time) error {
	return conn.sock.SetDeadline(t)
}

// SetReadDeadline sets a read deadline.
func (conn *Conn) SetReadDeadline(t time.Time) error {
	return conn.sock.SetReadDeadline(t)
}

// SetWriteDeadline sets a write deadline.
func (conn *Conn) SetWriteDeadline(t time.Time) error {
	return conn.sock.SetWriteDeadline(t)
}

// LocalAddr returns the local address.
func (conn *Conn) LocalAddr() net.Addr {
	return conn.sock.LocalAddr()
}

// RemoteAddr returns the remote address.
func (conn *Conn) RemoteAddr() net.Addr {
	return conn.sock.RemoteAddr()
}
