// intercom-relay is the UDP audio hub for the intercom. It fans every
// client's datagrams out to all other known clients and purges peers
// that go silent.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/gravityyfh/omega-intercom/relay"
)

func main() {
	host := flag.String("host", "0.0.0.0", "bind address")
	port := flag.Int("port", relay.DefaultPort, "UDP port to listen on")
	verbose := flag.Bool("verbose", false, "log per-datagram traffic")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	r, err := relay.New(relay.Config{Host: *host, Port: *port})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to start relay")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logrus.Info("Shutting down")
	if err := r.Close(); err != nil {
		logrus.WithError(err).Warn("Relay shutdown error")
	}
}
