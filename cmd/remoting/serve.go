package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"os"
	"os/signal"
	"syscall"

	"github.com/pyropy/remoting/core/node"
	"github.com/pyropy/remoting/core/transport"
	"github.com/pyropy/remoting/core/transport/grpcstream"
	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "Accept channels from peers",
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}

		return run(cfg, listen)
	},
}

var connectCmd = &cli.Command{
	Name:  "connect",
	Usage: "Open a channel to a peer",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "peer",
			Usage: "Peer address, overrides the config",
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}

		if peer := ctx.String("peer"); peer != "" {
			cfg.Peer.Addr = peer
		}

		return run(cfg, dial)
	},
}

// run starts a node with its admin API, lets start attach channels and
// waits for a signal.
func run(cfg *node.Config, start func(*node.Node) (func(), error)) error {
	n, err := node.NewNode(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	stop, err := start(n)
	if err != nil {
		return err
	}
	defer stop()

	adminAPI := NewAdminAPI(n)
	rpc.Register(adminAPI)
	rpc.HandleHTTP()
	l, err := net.Listen("tcp", cfg.Admin.Addr)
	if err != nil {
		log.Infow("startup", "error", "admin listen failed")
		return err
	}

	log.Infow("startup", "status", "admin rpc server started", "address", l.Addr().String())
	defer log.Infow("shutdown", "status", "admin rpc server stopped", "address", l.Addr().String())
	go http.Serve(l, nil)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	log.Infow("shutdown", "status", "node stopping")

	return nil
}

func listen(n *node.Node) (func(), error) {
	addr := fmt.Sprintf("%s:%d", n.Cfg.Server.Host, n.Cfg.Server.Port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	log.Infow("startup", "status", "channel listener started", "address", l.Addr().String(), "transport", n.Cfg.Channel.Transport)

	if n.Cfg.Channel.Transport == "tcp" {
		go acceptStreams(n, l)
		return func() { _ = l.Close() }, nil
	}

	srv := grpc.NewServer(grpc.MaxRecvMsgSize(n.Cfg.Channel.MaxFrame))
	grpcstream.RegisterChannelServer(srv, &grpcstream.Server{
		Accept: func(ctx context.Context, t transport.Transport) error {
			_, err := n.Attach(t)
			return err
		},
	})
	go srv.Serve(l)

	return srv.Stop, nil
}

func acceptStreams(n *node.Node, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			log.Infow("accept", "status", "listener closed", "error", err)
			return
		}

		if _, err := n.Attach(transport.NewStream(conn, n.Cfg.Channel.MaxFrame)); err != nil {
			log.Errorw("accept", "remote", conn.RemoteAddr().String(), "error", err)
			_ = conn.Close()
		}
	}
}

func dial(n *node.Node) (func(), error) {
	addr := n.Cfg.Peer.Addr

	if n.Cfg.Channel.Transport == "tcp" {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}

		ch, err := n.Attach(transport.NewStream(conn, n.Cfg.Channel.MaxFrame))
		if err != nil {
			_ = conn.Close()
			return nil, err
		}

		log.Infow("startup", "status", "connected", "peer", addr, "channel", ch.ID())
		return func() {}, nil
	}

	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(n.Cfg.Channel.MaxFrame)),
	)
	if err != nil {
		return nil, err
	}

	t, err := grpcstream.Dial(context.Background(), cc)
	if err != nil {
		_ = cc.Close()
		return nil, err
	}

	ch, err := n.Attach(t)
	if err != nil {
		_ = t.Close()
		_ = cc.Close()
		return nil, err
	}

	log.Infow("startup", "status", "connected", "peer", addr, "channel", ch.ID())
	return func() { _ = cc.Close() }, nil
}
