package netutil

import (
	"net"
	"sync/atomic"
)

// Traffic accumulates bytes moved over every connection a transport dialed.
type Traffic struct {
	Uplink   atomic.Uint64
	Downlink atomic.Uint64
}

// CountedConn 是一个 net.Conn 的包装器，用于原子地统计上行和下行流量。
type CountedConn struct {
	net.Conn
	traffic *Traffic
}

func NewCountedConn(conn net.Conn, t *Traffic) *CountedConn {
	return &CountedConn{Conn: conn, traffic: t}
}

// Read 从底层连接读取数据，并增加下行流量计数。
func (c *CountedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.traffic.Downlink.Add(uint64(n))
	}
	return n, err
}

// Write 将数据写入底层连接，并增加上行流量计数。
func (c *CountedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.traffic.Uplink.Add(uint64(n))
	}
	return n, err
}
