package vhostuser

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/bao-project/bao-vhost-frontend/internal/logging"
	kataerrors "github.com/bao-project/bao-vhost-frontend/virtcontainers/errors"
)

var vuLogger = logging.New("vhostuser")

// SetLogger overrides the package logger, preserving existing fields.
func SetLogger(logger *logrus.Entry) {
	vuLogger = logging.With(logger, vuLogger)
}

// Standard vhost-user master protocol message ids, the subset this client
// issues.
const (
	msgGetFeatures    uint32 = 1
	msgSetFeatures    uint32 = 2
	msgSetMemTable    uint32 = 5
	msgSetVringNum    uint32 = 8
	msgSetVringAddr   uint32 = 9
	msgSetVringBase   uint32 = 10
	msgSetVringKick   uint32 = 12
	msgSetVringCall   uint32 = 13
	msgSetVringEnable uint32 = 18
	msgGetConfig      uint32 = 24
	msgSetConfig      uint32 = 25
	msgResetDevice    uint32 = 34
)

const maxConfigSize = 256

type header struct {
	Request uint32
	Flags   uint32
	Size    uint32
}

const headerSize = 12

// SocketClient drives the vhost-user master protocol over a Unix domain
// socket, playing the role of the vhost_user_frontend::Generic collaborator
// the original source delegates to.
type SocketClient struct {
	cfg    Config
	conn   *net.UnixConn
	closed bool
}

// Dial connects to cfg.SocketPath as the vhost-user master.
func Dial(cfg Config) (*SocketClient, error) {
	addr, err := net.ResolveUnixAddr("unix", cfg.SocketPath)
	if err != nil {
		return nil, &VhostFrontendError{Err: err}
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, &VhostFrontendError{Err: err}
	}
	vuLogger.WithField("socket", cfg.SocketPath).Debug("connected to vhost-user backend")
	return &SocketClient{cfg: cfg, conn: conn}, nil
}

// VhostFrontendError wraps a handshake failure. It is defined here rather
// than imported from internal/baoerrors; callers in internal/device re-wrap
// it as baoerrors.VhostFrontendError.
type VhostFrontendError struct{ Err error }

func (e *VhostFrontendError) Error() string { return fmt.Sprintf("vhost-user: %v", e.Err) }
func (e *VhostFrontendError) Unwrap() error  { return e.Err }

func (c *SocketClient) DeviceType() uint32 { return DeviceTypeID(c.cfg.Type) }

func (c *SocketClient) QueueMaxSizes() []int {
	sizes := make([]int, c.cfg.NumQueues)
	for i := range sizes {
		sizes[i] = c.cfg.QueueSize
	}
	return sizes
}

func (c *SocketClient) DeviceFeatures() (uint64, error) {
	if err := c.send(msgGetFeatures, nil, nil); err != nil {
		return 0, err
	}
	payload, err := c.recv()
	if err != nil {
		return 0, err
	}
	if len(payload) < 8 {
		return 0, &VhostFrontendError{Err: fmt.Errorf("short GET_FEATURES reply: %d bytes", len(payload))}
	}
	return binary.LittleEndian.Uint64(payload), nil
}

func (c *SocketClient) NegotiateFeatures(features uint64) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, features)
	return c.send(msgSetFeatures, payload, nil)
}

func (c *SocketClient) ReadConfig(offset uint64, buf []byte) error {
	req := make([]byte, 8+uint64(len(buf)))
	binary.LittleEndian.PutUint32(req[0:4], uint32(offset))
	binary.LittleEndian.PutUint32(req[4:8], uint32(len(buf)))
	if err := c.send(msgGetConfig, req, nil); err != nil {
		return err
	}
	reply, err := c.recv()
	if err != nil {
		return err
	}
	if len(reply) < 8+len(buf) {
		return &VhostFrontendError{Err: fmt.Errorf("short GET_CONFIG reply: %d bytes", len(reply))}
	}
	copy(buf, reply[8:8+len(buf)])
	return nil
}

func (c *SocketClient) WriteConfig(offset uint64, buf []byte) error {
	req := make([]byte, 8+len(buf))
	binary.LittleEndian.PutUint32(req[0:4], uint32(offset))
	binary.LittleEndian.PutUint32(req[4:8], uint32(len(buf)))
	copy(req[8:], buf)
	return c.send(msgSetConfig, req, nil)
}

// Activate sends the per-queue geometry, installs the call/kick
// descriptors, and enables every queue. mem is passed as ancillary file
// descriptors via SET_MEM_TABLE so the backend can map the same guest RAM
// this process mapped.
func (c *SocketClient) Activate(mem []MemoryRegion, irq Interrupt, queues []QueueState) error {
	memFds := make([]int, 0, len(mem))
	for _, r := range mem {
		memFds = append(memFds, int(r.HostFd))
	}
	if err := c.send(msgSetMemTable, encodeMemTable(mem), memFds); err != nil {
		return err
	}

	for _, q := range queues {
		if err := c.send(msgSetVringNum, encodeVringNum(q.Index, q.Size), nil); err != nil {
			return err
		}
		if err := c.send(msgSetVringAddr, encodeVringAddr(q.Index, q.DescAddr, q.AvailAddr, q.UsedAddr), nil); err != nil {
			return err
		}
		if err := c.send(msgSetVringBase, encodeVringState(q.Index, 0), nil); err != nil {
			return err
		}
		if err := c.send(msgSetVringKick, encodeVringState(q.Index, 0), []int{int(q.KickFd)}); err != nil {
			return err
		}
		callFd, err := irq.NotifierFd()
		if err != nil {
			return &VhostFrontendError{Err: err}
		}
		if err := c.send(msgSetVringCall, encodeVringState(q.Index, 0), []int{int(callFd)}); err != nil {
			return err
		}
		if err := c.send(msgSetVringEnable, encodeVringState(q.Index, 1), nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *SocketClient) Reset() error {
	return c.send(msgResetDevice, nil, nil)
}

func (c *SocketClient) Shutdown() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *SocketClient) send(request uint32, payload []byte, fds []int) error {
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], request)
	binary.LittleEndian.PutUint32(hdr[4:8], 0)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))

	buf := append(hdr, payload...)

	var err error
	if len(fds) > 0 {
		oob := unix.UnixRights(fds...)
		_, _, err = c.conn.WriteMsgUnix(buf, oob, nil)
	} else {
		_, err = c.conn.Write(buf)
	}
	if err != nil {
		return &VhostFrontendError{Err: kataerrors.Wrapf(err, "vhost-user send request %d", request)}
	}
	return nil
}

func (c *SocketClient) recv() ([]byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := c.conn.Read(hdr); err != nil {
		return nil, &VhostFrontendError{Err: err}
	}
	size := binary.LittleEndian.Uint32(hdr[8:12])
	if size > maxConfigSize*2 {
		return nil, &VhostFrontendError{Err: fmt.Errorf("oversized vhost-user reply: %d bytes", size)}
	}
	payload := make([]byte, size)
	if size > 0 {
		if _, err := c.conn.Read(payload); err != nil {
			return nil, &VhostFrontendError{Err: err}
		}
	}
	return payload, nil
}

func encodeMemTable(regions []MemoryRegion) []byte {
	buf := make([]byte, 8+len(regions)*32)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(regions)))
	for i, r := range regions {
		off := 8 + i*32
		binary.LittleEndian.PutUint64(buf[off:off+8], r.GuestAddr)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], r.Size)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], r.GuestAddr)
		binary.LittleEndian.PutUint64(buf[off+24:off+32], r.FileOffset)
	}
	return buf
}

func encodeVringNum(index, num int) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(index))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(num))
	return buf
}

func encodeVringState(index, value int) []byte {
	return encodeVringNum(index, value)
}

func encodeVringAddr(index int, desc, avail, used uint64) []byte {
	buf := make([]byte, 8+24)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(index))
	binary.LittleEndian.PutUint64(buf[8:16], desc)
	binary.LittleEndian.PutUint64(buf[16:24], used)
	binary.LittleEndian.PutUint64(buf[24:32], avail)
	return buf
}
