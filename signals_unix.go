//go:build linux || bsd || darwin

package arborq

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// waitForSignals blocks until SIGTERM or SIGINT is received, then returns
// so the caller can shut the server down gracefully.
func (srv *Server) waitForSignals() {
	srv.logger.Info().Msg("send SIGTERM or SIGINT to stop the server")
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT)
	<-sigs
}

func (s *Scheduler) waitForSignals() {
	s.logger.Info().Msg("send SIGTERM or SIGINT to stop the scheduler")
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT)
	<-sigs
}
