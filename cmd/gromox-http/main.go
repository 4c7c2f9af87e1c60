// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

// Command gromox-http runs the RPC-over-HTTP gateway skeleton. The PDU
// processor, transport signaling parser and authentication backend are
// normally injected by the hosting daemon; this command wires minimal
// stand-ins so the listener and scheduler can be exercised. The stand-in
// auth backend rejects every login, so RPC requests are answered with
// the 401 challenge and never reach the ECHO reply.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	gromox "github.com/deajan/gromox"
)

// echoOnlyRTS answers MS-RPCH ECHO requests and terminates every other
// tunnel; real deployments replace it with the emsmdb-backed engine.
type echoOnlyRTS struct{}

func (echoOnlyRTS) RTSInput(gromox.Tunnel, []byte) (gromox.PduVerdict, gromox.Call) {
	return gromox.VerdictPduTerminate, nil
}

func (echoOnlyRTS) Echo() []byte { return gromox.RTSEchoPDU() }

type noProcessors struct{}

func (noProcessors) Create(string, int) (gromox.PduProcessor, error) {
	return nil, errors.New("no pdu processor plugin loaded")
}

type denyAll struct{}

func (denyAll) Login(string, string) (gromox.AuthResult, error) {
	return gromox.AuthResult{}, errors.New("no auth backend loaded")
}

func main() {
	listenAddr := flag.String("listen", ":80", "address the gateway listens on")
	contextNum := flag.Int("contexts", 200, "size of the HTTP context pool")
	timeout := flag.Duration("timeout", time.Minute, "per-I/O session timeout")
	certFile := flag.String("cert", "", "TLS certificate chain file")
	keyFile := flag.String("key", "", "TLS private key file")
	tlsMin := flag.String("tls-min-proto", "", "minimum TLS protocol name")
	httpDebug := flag.Int("http-debug", 0, "wire debugging level (0-2)")
	ewsDebug := flag.String("ews-debug", "", "dispatch control CSV (sequential, rate_limit=N)")
	verbose := flag.Bool("verbose", false, "log at debug level")

	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	gw := &gromox.Gateway{
		Config: gromox.Config{
			Addr:           *listenAddr,
			SupportTLS:     *certFile != "",
			TLSMinProto:    *tlsMin,
			CertFile:       *certFile,
			KeyFile:        *keyFile,
			SessionTimeout: *timeout,
			ContextNum:     *contextNum,
			HTTPDebug:      *httpDebug,
			EWSDebug:       *ewsDebug,
		},
		Logger:     logger,
		Auth:       denyAll{},
		Processors: noProcessors{},
		RTS:        echoOnlyRTS{},
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		gw.ShutdownAsync()
		gw.Close()
	}()

	if err := gw.ListenAndServe(); err != nil {
		logger.Fatalln(err)
	}
}
