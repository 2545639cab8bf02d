package session

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"wfchat/errors"
	"wfchat/services"
)

// Server accepts connections and runs one Session per connection.
type Server struct {
	listener   net.Listener
	cfg        Config
	auth       services.IAuthService
	dispatcher *Dispatcher
	log        *slog.Logger
	wg         sync.WaitGroup
}

func NewServer(listener net.Listener, cfg Config, authService services.IAuthService, dispatcher *Dispatcher, log *slog.Logger) *Server {
	return &Server{
		listener:   listener,
		cfg:        cfg,
		auth:       authService,
		dispatcher: dispatcher,
		log:        log,
	}
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled, then waits for every
// session to finish its cleanup.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	defer stop()

	s.log.Info("Chat server listening", "addr", s.listener.Addr().String())
	var err error
	for {
		var conn net.Conn
		conn, err = s.listener.Accept()
		if err != nil {
			break
		}
		sess := NewSession(conn, s.cfg, s.auth, s.dispatcher, s.log)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.Run(ctx)
		}()
	}

	s.wg.Wait()
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		s.log.Info("Chat server stopped")
		return nil
	}
	return err
}
