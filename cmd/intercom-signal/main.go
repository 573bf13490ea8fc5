// intercom-signal is the WebSocket signaling server for the intercom.
// It assigns session ids, relays offer/answer/candidate envelopes
// point-to-point and broadcasts join/leave events.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/gravityyfh/omega-intercom/signaling"
)

func main() {
	host := flag.String("host", "0.0.0.0", "bind address")
	port := flag.Int("port", 8080, "TCP port to listen on")
	verbose := flag.Bool("verbose", false, "log per-envelope traffic")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	srv := &http.Server{Addr: addr, Handler: signaling.NewHub()}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", addr).Info("Intercom signaling server listening")
		errCh <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Failed to start signaling server")
		}
	case <-sig:
		logrus.Info("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logrus.WithError(err).Warn("Signaling shutdown error")
		}
	}
}
