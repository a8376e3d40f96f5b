package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/shynome/dcloop"
	"github.com/shynome/dcloop/engine"
	"github.com/shynome/dcloop/engine/memengine"
	"github.com/shynome/dcloop/internal/logger"
	"github.com/shynome/dcloop/signaler/sse"
	flag "github.com/spf13/pflag"
)

func main() {
	defer err2.Catch(func(err error) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	})

	defaults := dcloop.DefaultOptions()
	initiator := flag.Int("initiator", int(defaults.Initiator), "id of the peer opening the data channel")
	responder := flag.Int("responder", int(defaults.Responder), "id of the peer receiving the data channel")
	label := flag.String("label", defaults.Label, "data channel label")
	timeout := flag.Duration("timeout", defaults.Timeout, "wait for each greeting at most this long")
	runs := flag.Int("runs", 1, "run the negotiation this many times")
	engineName := flag.String("engine", "pion", "peer engine: pion or mem")
	iceServers := flag.StringSlice("ice-server", nil, "ice server url, repeatable")
	portMin := flag.Uint16("port-min", 0, "lowest udp port for host candidates")
	portMax := flag.Uint16("port-max", 0, "highest udp port for host candidates")
	cert := flag.String("cert", "ecdsa", "dtls certificate type: ecdsa or rsa")
	udpMux := flag.Uint16("udp-mux-port", 0, "serve all candidates from this udp port")
	noLoopback := flag.Bool("no-loopback", false, "drop loopback host candidates")
	relay := flag.String("relay", "", `signal through the sse relay at this url, "self" starts one in process`)
	level := flag.String("log", "", "log level, overrides $"+logger.EnvLevel)
	flag.Parse()

	if *level != "" {
		if err := logger.SetLevel(*level); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	opts := defaults
	opts.Initiator, opts.Responder = dcloop.PeerID(*initiator), dcloop.PeerID(*responder)
	opts.Label = *label
	opts.Timeout = *timeout
	opts.Config = engine.Config{
		ICEServers:      *iceServers,
		PortRange:       engine.PortRange{Min: *portMin, Max: *portMax},
		UDPMuxPort:      *udpMux,
		ExcludeLoopback: *noLoopback,
	}
	opts.Config.CertificateType = try.To1(engine.ParseCertificateType(*cert))

	switch *engineName {
	case "pion":
		opts.Engine = engine.Pion{Log: logger.New("pion")}
	case "mem":
		opts.Engine = memengine.New(memengine.Options{})
	default:
		fmt.Fprintf(os.Stderr, "unknown engine %q\n", *engineName)
		os.Exit(2)
	}

	opts.Relay = *relay
	stopRelay := func() {}
	if *relay == "self" {
		opts.Relay, stopRelay = try.To2(startRelay())
	}

	failed := 0
	for i := 0; i < *runs; i++ {
		if err := runOnce(i, opts); err != nil {
			fmt.Fprintf(os.Stderr, "run %d: %v\n", i, err)
			failed++
		}
	}
	stopRelay()
	if failed > 0 {
		fmt.Printf("dcloop: %d of %d runs failed\n", failed, *runs)
		os.Exit(1)
	}
	fmt.Printf("dcloop: %d runs ok\n", *runs)
}

func runOnce(i int, opts dcloop.Options) (err error) {
	defer err2.Handle(&err)
	start := time.Now()
	rep := try.To1(dcloop.Run(opts))
	fmt.Printf("run %d: %q in %s, responder got label %q\n", i, rep.Messages, time.Since(start).Round(time.Millisecond), rep.Responder.InboundLabel)
	return nil
}

func startRelay() (url string, stop func(), err error) {
	defer err2.Handle(&err)
	ln := try.To1(net.Listen("tcp", "127.0.0.1:0"))
	relay := sse.NewRelay()
	srv := &http.Server{Handler: relay}
	go srv.Serve(ln)
	return "http://" + ln.Addr().String(), func() {
		relay.Close()
		srv.Close()
	}, nil
}
