package signal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"meshcall/broker"
	"meshcall/database"
	"meshcall/database/memory"
	"meshcall/metric"
	"meshcall/pkg/clock"
	"meshcall/signal/auth"
	"meshcall/signal/controller"
	"meshcall/signal/middleware"
)

// Signal is the relay server. It keeps every signal in the mailbox of its
// receiver until acknowledged and delivers it over the receiver's websocket.
type Signal struct {
	server   *http.Server
	conf     Config
	database database.Database
	metric   *metric.Metrics
	clock    clock.Clock
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new instance of Signal.
func New(config Config, m *metric.Metrics) (*Signal, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	authority, err := auth.New(config.Secret, 0)
	if err != nil {
		return nil, err
	}

	clk := clock.Real()
	db := memory.New()
	con := controller.New(broker.New(), db, m, clk)

	mux := http.NewServeMux()
	mux.HandleFunc(HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle(metric.DefaultMetricsPath, m.Handler())

	mds := []middleware.Interceptor{
		middleware.NewCORS(config.AllowedOrigins...),
		middleware.NewLogger(),
		middleware.NewAuth(authority),
		middleware.NewSocket(SocketPath, con),
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		ReadHeaderTimeout: 2 * time.Second,
		Handler:           middleware.Set(mux, mds...),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return &Signal{
		server:   srv,
		conf:     config,
		database: db,
		metric:   m,
		clock:    clk,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Handler returns the HTTP handler of the relay.
func (s *Signal) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the signal server until Shutdown is called.
func (s *Signal) Start() error {
	go s.runSweep()

	var err error
	if s.conf.CertFile == "" || s.conf.KeyFile == "" {
		log.Printf("Starting server port on %d, without TLS", s.conf.Port)
		err = s.server.ListenAndServe()
	} else {
		log.Printf("Starting server port on %d, with TLS", s.conf.Port)
		err = s.server.ListenAndServeTLS(s.conf.CertFile, s.conf.KeyFile)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown closes every websocket and stops the server.
func (s *Signal) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.server.Shutdown(ctx)
}

func (s *Signal) runSweep() {
	ticker := s.clock.NewTicker(s.conf.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep drops signals nobody acknowledged within the mailbox TTL and
// exports the number of pending signals.
func (s *Signal) sweep() {
	deleted, err := s.database.DeleteExpiredSignalInfos(s.clock.Now().Add(-s.conf.MailboxTTL))
	if err != nil {
		log.Printf("error occurs in mailbox sweep: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("dropped %d expired signals", deleted)
	}
	count, err := s.database.CountSignalInfos()
	if err != nil {
		log.Printf("error occurs in counting signals: %v", err)
		return
	}
	s.metric.SetPendingSignals(count)
}
