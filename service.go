// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type serverClosedError struct{}

func (serverClosedError) Error() string { return "server closed" }

// Config carries the recognized directives; every field is optional
// with the documented default.
type Config struct {
	// Addr is the TCP address to listen on, ":80" if empty.
	Addr string
	// SupportTLS enables the TLS accept state on the listener.
	SupportTLS bool
	// TLSMinProto names the minimum accepted protocol ("tls1.2").
	TLSMinProto string
	// CertFile and KeyFile locate the certificate chain and private key.
	CertFile string
	KeyFile  string
	// KeyPassphrase decrypts an encrypted private key when set.
	KeyPassphrase string
	// SessionTimeout is the per-I/O idle bound, one minute if zero.
	SessionTimeout time.Duration
	// MaxAuthTimes bounds consecutive auth failures per tunnel.
	MaxAuthTimes int
	// BlockAuthFail is the temp-block hold handed to the UserBlocker.
	BlockAuthFail time.Duration
	// ContextNum is the context pool size.
	ContextNum int
	// Workers is the scheduler worker count, derived from GOMAXPROCS
	// when zero.
	Workers int
	// DefaultLang substitutes for profiles without a language.
	DefaultLang string
	// HTTPDebug, RequestLogging and ResponseLogging are the
	// instrumentation knobs (0-2).
	HTTPDebug       int
	RequestLogging  int
	ResponseLogging int
	// EWSDebug is the dispatch-control CSV ("sequential",
	// "rate_limit=N").
	EWSDebug string
}

// Gateway is the RPC-over-HTTP gateway service. The exported fields are
// the collaborators and must be set before the first Serve call.
type Gateway struct {
	Config     Config
	Logger     *logrus.Logger
	Auth       AuthService
	Filter     UserFilter
	Blocker    UserBlocker
	Processors ProcessorFactory
	RTS        RTSEngine
	Rewriter   URIRewriter
	Handlers   []ContentHandler
	Metrics    *Metrics
	Debug      *DebugControl

	tlsConfig *tls.Config
	registry  *VConnRegistry
	pool      *BlockPool
	sched     *Scheduler

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	setupOnce sync.Once
	setupErr  error
	doneChan  chan struct{}
	asyncStop int32
}

func (g *Gateway) logger() *logrus.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return logrus.StandardLogger()
}

func (g *Gateway) timeout() time.Duration {
	if g.Config.SessionTimeout > 0 {
		return g.Config.SessionTimeout
	}
	return DefaultTimeout
}

func (g *Gateway) maxAuthTimes() int {
	if g.Config.MaxAuthTimes > 0 {
		return g.Config.MaxAuthTimes
	}
	return DefaultMaxAuthTimes
}

func tlsMinVersion(name string) (uint16, error) {
	switch name {
	case "":
		return 0, nil
	case "tls1.0", "tls1_0":
		return tls.VersionTLS10, nil
	case "tls1.1", "tls1_1":
		return tls.VersionTLS11, nil
	case "tls1.2", "tls1_2":
		return tls.VersionTLS12, nil
	case "tls1.3", "tls1_3":
		return tls.VersionTLS13, nil
	}
	return 0, errors.Errorf("tls_min_proto value %q rejected", name)
}

// loadCertificate reads the chain and key, decrypting the key with the
// passphrase when one is configured.
func loadCertificate(certFile, keyFile, passphrase string) (tls.Certificate, error) {
	if passphrase == "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		return cert, errors.WithStack(err)
	}
	certPEM, err := readFileAll(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM, err := readFileAll(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, errors.New("no PEM block in private key file")
	}
	der, err := x509.DecryptPEMBlock(block, []byte(passphrase))
	if err != nil {
		return tls.Certificate{}, errors.WithStack(err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	return cert, errors.WithStack(err)
}

// setup builds the shared state once, before service begins. Global
// errors here abort startup.
func (g *Gateway) setup() error {
	g.setupOnce.Do(func() {
		if g.Config.ContextNum < 1 {
			g.Config.ContextNum = 200
		}
		if g.RTS == nil || g.Processors == nil {
			g.setupErr = errors.New("rts engine and processor factory are required")
			return
		}
		if g.Debug == nil {
			g.Debug = &DebugControl{}
		}
		g.Debug.HTTPDebug = g.Config.HTTPDebug
		g.Debug.RequestLogging = g.Config.RequestLogging
		g.Debug.ResponseLogging = g.Config.ResponseLogging
		if g.Config.EWSDebug != "" {
			g.Debug.ParseOptions(g.Config.EWSDebug)
		}
		if g.Config.SupportTLS {
			minVersion, err := tlsMinVersion(g.Config.TLSMinProto)
			if err != nil {
				g.setupErr = err
				return
			}
			cert, err := loadCertificate(g.Config.CertFile, g.Config.KeyFile, g.Config.KeyPassphrase)
			if err != nil {
				g.setupErr = errors.Wrap(err, "failed to init TLS context")
				return
			}
			g.tlsConfig = &tls.Config{
				Certificates:  []tls.Certificate{cert},
				MinVersion:    minVersion,
				Renegotiation: tls.RenegotiateNever,
			}
		}
		g.pool = NewBlockPool(g.Config.ContextNum * 32)
		g.registry = NewVConnRegistry(g.Config.ContextNum + 1)
		poller, err := NewPoller()
		if err != nil {
			g.setupErr = err
			return
		}
		g.sched = newScheduler(g, g.Config.ContextNum, poller)
		g.sched.run(g.Config.Workers)
		g.doneChan = make(chan struct{})
	})
	return g.setupErr
}

// ListenAndServe listens on the configured address and serves tunnels
// until closed.
func (g *Gateway) ListenAndServe() error {
	if err := g.setup(); err != nil {
		return err
	}
	addr := g.Config.Addr
	if addr == "" {
		addr = ":80"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithStack(err)
	}
	return g.Serve(ln)
}

// Serve accepts connections on ln and hands each to a free context.
func (g *Gateway) Serve(ln net.Listener) error {
	if err := g.setup(); err != nil {
		return err
	}
	g.mu.Lock()
	if g.listeners == nil {
		g.listeners = make(map[net.Listener]struct{})
	}
	g.listeners[ln] = struct{}{}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.listeners, ln)
		g.mu.Unlock()
		ln.Close()
	}()

	var tempDelay time.Duration
	for {
		sock, err := ln.Accept()
		if err != nil {
			select {
			case <-g.doneChan:
				return errors.WithStack(serverClosedError{})
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := time.Second; tempDelay > max {
					tempDelay = max
				}
				time.Sleep(tempDelay)
				continue
			}
			return errors.WithStack(err)
		}
		tempDelay = 0
		if tc, ok := sock.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(3 * time.Minute)
		}
		ctx := g.sched.acquire()
		if ctx == nil {
			g.logger().Warn("context pool exhausted, rejecting connection")
			sock.Close()
			continue
		}
		ctx.bind(sock, time.Now())
		g.sched.enqueue(ctx)
	}
}

// ShutdownAsync tells async reply producers to stop touching virtual
// connections; the accept loop and contexts drain afterwards via Close.
func (g *Gateway) ShutdownAsync() {
	atomic.StoreInt32(&g.asyncStop, 1)
}

func (g *Gateway) asyncStopped() bool {
	return atomic.LoadInt32(&g.asyncStop) != 0
}

// Close stops accepting, drains the scheduler and releases every
// virtual connection's processor.
func (g *Gateway) Close() error {
	if err := g.setup(); err != nil {
		return err
	}
	g.ShutdownAsync()
	g.mu.Lock()
	select {
	case <-g.doneChan:
	default:
		close(g.doneChan)
	}
	for ln := range g.listeners {
		ln.Close()
		delete(g.listeners, ln)
	}
	g.mu.Unlock()
	g.sched.stop()
	g.registry.clear()
	return nil
}

// AsyncReply lets an out-of-band producer push a control call's PDUs
// onto the tunnel identified by endpoint and cookie. While the OUT
// channel is obsolete the PDUs are held on the IN channel for the
// successor.
func (g *Gateway) AsyncReply(host string, port int, connectionCookie string, call Call) {
	if g.asyncStopped() {
		g.logger().Debug("noticed async_stop")
		return
	}
	ref := g.registry.Get(host, port, connectionCookie)
	if ref == nil {
		return
	}
	defer ref.Put()
	peer := ref.vc.ctxOut
	if peer == nil {
		return
	}
	och := peer.chanOut
	if och.obsolete {
		if in := ref.vc.ctxIn; in != nil {
			in.chanIn.pdus.pushCall(call)
			return
		}
	} else {
		och.pdus.pushCall(call)
	}
	peer.setSchedState(StateWriteReply)
	g.sched.Signal(peer)
}

// Report lists the live contexts for diagnostics. Rows are a
// best-effort snapshot; only the registry lock is taken, so a context
// mid-dispatch may show transient state.
func (g *Gateway) Report() []ContextInfo {
	if g.sched == nil {
		return nil
	}
	g.registry.mu.Lock()
	defer g.registry.mu.Unlock()
	var rows []ContextInfo
	for _, ctx := range g.sched.contexts {
		if info, ok := ctx.info(); ok {
			rows = append(rows, info)
		}
	}
	return rows
}

func readFileAll(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	return b, errors.WithStack(err)
}
