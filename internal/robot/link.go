package robot

import (
	"bufio"
	"errors"
	"sync"

	"github.com/banshee-data/rover/internal/devport"
	"github.com/banshee-data/rover/internal/monitoring"
)

// link owns a controller port and a reader goroutine that turns the byte
// stream into packets. Reads block on the port; Close unblocks them.
type link struct {
	port    devport.Port
	packets chan Packet
	closed  chan struct{}
	err     error // set before packets is closed

	wmu       sync.Mutex
	closeOnce sync.Once
}

func newLink(port devport.Port) *link {
	l := &link{
		port:    port,
		packets: make(chan Packet, 64),
		closed:  make(chan struct{}),
	}
	go l.read()
	return l
}

func (l *link) read() {
	defer close(l.packets)
	br := bufio.NewReader(l.port)
	for {
		p, err := ReadPacket(br)
		if errors.Is(err, ErrChecksum) {
			monitoring.Logf("robot: dropping packet: %v", err)
			continue
		}
		if err != nil {
			l.err = err
			return
		}
		select {
		case l.packets <- p:
		case <-l.closed:
			return
		}
	}
}

func (l *link) send(p Packet) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	select {
	case <-l.closed:
		return errors.New("robot link closed")
	default:
	}
	return WritePacket(l.port, p)
}

func (l *link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.port.Close()
	})
	return err
}
