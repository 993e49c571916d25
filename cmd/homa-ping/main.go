// homa-ping exercises the transport over UDP: a server echoes every message
// back to its sender, a client sends messages and reports round-trip times.
package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/homa-transport/homa-go/pkg/discovery"
	"github.com/homa-transport/homa-go/pkg/driver/udp"
	"github.com/homa-transport/homa-go/pkg/homa"
	"github.com/homa-transport/homa-go/pkg/monitor"
)

// defaultBandwidth assumed for the UDP link, 1 Gbit/s.
const defaultBandwidth = 1_000_000_000

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := parseConfig(os.Args[1])
	if err != nil {
		log.WithField("error", err).Fatal("Failed to parse config")
	}

	watcher, err := watchConfig(os.Args[1])
	if err != nil {
		log.WithField("error", err).Warn("Failed to watch config file")
	} else {
		defer func() { _ = watcher.Close() }()
	}

	drv, err := udp.NewDriver(conf.Transport.Listen, defaultBandwidth)
	if err != nil {
		log.WithField("error", err).Fatal("Failed to start UDP driver")
	}

	transport, err := homa.NewTransport(drv, conf.Transport.ID, transportConfig(conf.Transport))
	if err != nil {
		log.WithField("error", err).Fatal("Failed to start transport")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go transport.Run(ctx)

	if conf.Monitor.Listen != "" {
		mon, err := monitor.NewMonitor(transport, conf.Monitor.Listen)
		if err != nil {
			log.WithField("error", err).Fatal("Failed to start monitor")
		}
		defer func() { _ = mon.Close() }()
	}

	if conf.Discovery.Enable {
		announcement := discovery.Announcement{
			TransportID: conf.Transport.ID,
			Address:     transport.LocalAddress().String(),
		}

		ds, err := discovery.NewService(
			[]discovery.Announcement{announcement}, conf.Transport.ID,
			func(peer discovery.Peer) {
				log.WithFields(log.Fields{
					"transport": peer.TransportID,
					"address":   peer.Address,
				}).Info("Discovered peer transport")
			},
			conf.Discovery.IPv4, conf.Discovery.IPv6)
		if err != nil {
			log.WithField("error", err).Fatal("Failed to start discovery")
		}
		defer ds.Close()
	}

	switch conf.Ping.Mode {
	case "server":
		go serve(transport)
		waitSigint()
		log.Info("Shutting down..")

	case "client":
		ping(transport, conf.Ping)
	}

	if err := transport.Close(); err != nil && err != homa.ErrClosed {
		log.WithField("error", err).Warn("Closing transport errored")
	}
}

// serve echoes every received message back to its sender, acknowledging the
// original alongside the echo.
func serve(t *homa.Transport) {
	for {
		msg := t.Receive()
		if msg == nil {
			time.Sleep(time.Millisecond)
			continue
		}

		buf := make([]byte, msg.Length())
		if _, err := msg.Get(0, buf); err != nil {
			log.WithField("error", err).Warn("Reading received message errored")
			msg.Cancel()
			continue
		}

		echo, err := t.Alloc()
		if err != nil {
			return
		}
		if err := echo.Append(buf); err != nil {
			log.WithField("error", err).Warn("Building echo errored")
			continue
		}

		if err := t.Send(echo, msg.Remote(), homa.SendNoFlags, msg); err != nil {
			log.WithFields(log.Fields{
				"remote": msg.Remote(),
				"error":  err,
			}).Warn("Sending echo errored")
		}
	}
}

// ping sends conf.Count messages of conf.Size bytes and waits for their
// echoes, reporting one round-trip time each.
func ping(t *homa.Transport, conf pingConf) {
	remote, err := t.Address(conf.Remote)
	if err != nil {
		log.WithFields(log.Fields{
			"remote": conf.Remote,
			"error":  err,
		}).Fatal("Failed to parse remote address")
	}

	payload := make([]byte, conf.Size)
	for i := range payload {
		payload[i] = byte(i)
	}

	for i := 0; i < conf.Count; i++ {
		msg, err := t.Alloc()
		if err != nil {
			log.WithField("error", err).Fatal("Failed to allocate message")
		}
		if err := msg.Append(payload); err != nil {
			log.WithField("error", err).Fatal("Failed to build message")
		}

		start := time.Now()
		if err := t.Send(msg, remote, homa.SendExpectResponse); err != nil {
			log.WithField("error", err).Fatal("Failed to send message")
		}

		echo := awaitEcho(t)
		if echo == nil {
			log.WithField("seq", i).Warn("No echo received")
			continue
		}

		rtt := time.Since(start)
		_ = echo.Acknowledge()

		log.WithFields(log.Fields{
			"seq":   i,
			"bytes": echo.Length(),
			"rtt":   rtt,
		}).Info("Echo received")
	}

	stats := t.Stats()
	log.WithFields(log.Fields{
		"sent":      stats.MessagesSent,
		"completed": stats.MessagesCompleted,
		"failed":    stats.MessagesFailed,
	}).Info("Ping finished")
}

func awaitEcho(t *homa.Transport) *homa.Message {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if msg := t.Receive(); msg != nil {
			return msg
		}
		time.Sleep(time.Millisecond)
	}

	return nil
}
