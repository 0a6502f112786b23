package watch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/lambdev/lambdev/internal/config"
	"github.com/lambdev/lambdev/internal/logger"
)

// runtimePathPrefix nests the Runtime and Extensions APIs under the
// public invoke server, keeping a single port in the common case.
const runtimePathPrefix = "/.rt"

// Server owns the watch session: the HTTP surfaces, the process
// supervisor, the build queue and the file change coordinator. Run blocks
// until the context is canceled and everything is torn down.
type Server struct {
	cfg *config.ResolvedConfig
	log *logger.Logger

	sup        *Supervisor
	builds     *BuildQueue
	watcher    *ChangeCoordinator
	extensions *ExtensionCache
	tracer     *Tracer
	router     *InvocationRouter

	// engine serves the public invoke surface. runtimeEngine serves the
	// Runtime and Extensions APIs; it aliases engine unless TLS moves the
	// runtime listener to its own plain port.
	engine        *gin.Engine
	runtimeEngine *gin.Engine

	runtimePort int
}

// NewServer wires the watch components together from a resolved
// configuration.
func NewServer(cfg *config.ResolvedConfig, log *logger.Logger) (*Server, error) {
	return newServer(cfg, log, &ExecLauncher{})
}

func newServer(cfg *config.ResolvedConfig, log *logger.Logger, launcher Launcher) (*Server, error) {
	defaultFn, _ := cfg.DefaultFunction()

	routes, err := NewRouteTable(cfg.Routes, defaultFn)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.PrintTraces)
	if err != nil {
		return nil, err
	}

	extensions := NewExtensionCache(log)
	dispatches := newDispatchTable()

	builder := &CommandBuilder{
		Dir:     cfg.ProjectBase,
		Command: cfg.BuildCommand,
		Log:     log,
	}
	builds := NewBuildQueue(builder, log)

	// With TLS on the invoke surface, the runtime APIs move to a plain
	// listener on the next port; local runtime clients do not speak TLS.
	runtimePort := cfg.InvokePort
	if cfg.TLSCert != "" {
		runtimePort = cfg.InvokePort + 1
	}
	runtimeHost := fmt.Sprintf("%s:%d", cfg.InvokeAddress, runtimePort)
	runtimeAddr := func(function string) string {
		return runtimeHost + runtimePathPrefix + "/" + function
	}

	sup := NewSupervisor(cfg, log, builds, launcher, runtimeAddr)
	router := NewInvocationRouter(cfg, log, sup, routes, dispatches)
	watcher := NewChangeCoordinator(cfg, log, sup)

	s := &Server{
		cfg:         cfg,
		log:         log,
		sup:         sup,
		builds:      builds,
		watcher:     watcher,
		extensions:  extensions,
		tracer:      tracer,
		router:      router,
		runtimePort: runtimePort,
	}

	log.SetGinMode()
	engine := gin.New()
	engine.Use(gin.Recovery())

	trigger := &triggerAPI{cfg: cfg, log: log, router: router, tracer: tracer}
	trigger.mount(engine)

	rt := &runtimeAPI{
		sup:         sup,
		dispatches:  dispatches,
		extensions:  extensions,
		log:         log,
		pollTimeout: cfg.PollTimeout,
		defaultFn:   defaultFn,
	}
	ext := &extensionAPI{
		cache:       extensions,
		log:         log,
		pollTimeout: cfg.PollTimeout,
		functionName: func(c *gin.Context) string {
			if name := c.Param("function"); name != "" {
				return name
			}
			return defaultFn
		},
	}
	// The plain runtime listener must never expose the invoke surface, so
	// under TLS the runtime APIs get an engine of their own.
	runtimeEngine := engine
	if cfg.TLSCert != "" {
		runtimeEngine = gin.New()
		runtimeEngine.Use(gin.Recovery())
	}
	group := runtimeEngine.Group(runtimePathPrefix)
	rt.mount(group)
	ext.mount(group)

	s.engine = engine
	s.runtimeEngine = runtimeEngine
	return s, nil
}

// Run starts every component and blocks until ctx is canceled. Shutdown
// delivers extension SHUTDOWN events, stops function processes within the
// grace period and then closes the listeners.
func (s *Server) Run(ctx context.Context) error {
	s.printBanner()

	invokeAddr := fmt.Sprintf("%s:%d", s.cfg.InvokeAddress, s.cfg.InvokePort)
	invokeSrv := &http.Server{Addr: invokeAddr, Handler: s.engine}

	var runtimeSrv *http.Server
	if s.cfg.TLSCert != "" {
		tlsConfig, err := s.tlsConfig()
		if err != nil {
			return err
		}
		invokeSrv.TLSConfig = tlsConfig
		runtimeSrv = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", s.cfg.InvokeAddress, s.runtimePort),
			Handler: s.runtimeEngine,
		}
	}

	// The supervisor and build queue outlive ctx: StopAll has to reach a
	// live supervisor actor, so coreCtx is canceled only after shutdown
	// has terminated the function processes.
	coreCtx, stopCore := context.WithCancel(context.Background())
	defer stopCore()
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	serveCtx, serveFailed := context.WithCancel(context.Background())
	defer serveFailed()

	var g errgroup.Group

	g.Go(func() error { return ignoreCanceled(s.sup.Run(coreCtx)) })
	g.Go(func() error { return ignoreCanceled(s.builds.Run(coreCtx)) })
	g.Go(func() error { return ignoreCanceled(s.watcher.Run(watchCtx)) })

	serve := func(listen func() error) func() error {
		return func() error {
			err := listen()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			serveFailed()
			return err
		}
	}
	g.Go(serve(func() error {
		if invokeSrv.TLSConfig != nil {
			return invokeSrv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		}
		return invokeSrv.ListenAndServe()
	}))
	if runtimeSrv != nil {
		g.Go(serve(runtimeSrv.ListenAndServe))
	}

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-serveCtx.Done():
		}
		stopWatch()
		s.shutdown(invokeSrv, runtimeSrv)
		stopCore()
		return nil
	})

	return g.Wait()
}

func (s *Server) shutdown(servers ...*http.Server) {
	s.log.Info("shutting down")

	coordinator := &ShutdownCoordinator{
		log:        s.log,
		sup:        s.sup,
		extensions: s.extensions,
		grace:      s.cfg.GracePeriod,
	}
	coordinator.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		_ = srv.Shutdown(ctx)
	}
	_ = s.tracer.Shutdown(ctx)
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if s.cfg.TLSCA != "" {
		ca, err := os.ReadFile(s.cfg.TLSCA)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("no certificates found in %s", s.cfg.TLSCA)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

func (s *Server) printBanner() {
	scheme := "http"
	if s.cfg.TLSCert != "" {
		scheme = "https"
	}
	s.log.Info("invoke server listening on %s://%s:%d", scheme, s.cfg.InvokeAddress, s.cfg.InvokePort)
	for _, fn := range s.cfg.Functions {
		s.log.Info("function %s: POST %s://%s:%d/2015-03-31/functions/%s/invocations",
			fn.Name, scheme, s.cfg.InvokeAddress, s.cfg.InvokePort, fn.Name)
	}

	if s.cfg.OnlyLambdaAPIs {
		s.log.Info("process management disabled, start your functions manually with:")
		for _, fn := range s.cfg.Functions {
			s.log.Info("  AWS_LAMBDA_FUNCTION_NAME=%s AWS_LAMBDA_RUNTIME_API=%s:%d%s/%s",
				fn.Name, s.cfg.InvokeAddress, s.runtimePort, runtimePathPrefix, fn.Name)
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
