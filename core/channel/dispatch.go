package channel

import (
	"github.com/pyropy/remoting/core/command"
)

func (c *Channel) readLoop() {
	defer close(c.readDone)

	for {
		frame, err := c.t.Recv()
		if err != nil {
			c.shutdown(err)
			return
		}

		// frames arrive whole, so a bad one only costs that command
		cmd, err := command.Decode(frame)
		if err != nil {
			c.anomaly(err)
			continue
		}

		c.execute(cmd)
	}
}

// execute runs one command received from the peer. Cheap commands run on
// the reader so their effects keep transport order; serving a fetch runs on
// a worker.
func (c *Channel) execute(cmd command.Command) {
	switch cmd := cmd.(type) {
	case *command.Hello:
		c.onHello(cmd)
	case *command.Unexport:
		if err := c.exports.Unexport(cmd.Handle, cmd.Cause()); err != nil {
			c.anomaly(err)
		}
	case *command.FetchArchive:
		c.spawn(func() { c.serveFetch(cmd) })
	case *command.ArchiveData:
		c.onArchiveData(cmd)
	}
}

func (c *Channel) onHello(cmd *command.Hello) {
	first := false
	c.readyOnce.Do(func() {
		c.mu.Lock()
		c.peer = Peer{Name: cmd.Name, ChannelID: cmd.ChannelID, Provider: cmd.Provider}
		c.mu.Unlock()
		close(c.ready)
		first = true
	})

	if !first {
		c.anomaly(&command.ProtocolError{Kind: command.KindHello, Reason: "duplicate hello"})
		return
	}

	log.Infow("hello", "channel", c.id, "peer", cmd.ChannelID, "peerName", cmd.Name, "peerProvider", cmd.Provider)
}

func (c *Channel) spawn(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		select {
		case c.workers <- struct{}{}:
		case <-c.done:
			return
		}
		defer func() { <-c.workers }()

		fn()
	}()
}
