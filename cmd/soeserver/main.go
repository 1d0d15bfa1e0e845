package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/samsamfire/soe/internal/bufpool"
	"github.com/samsamfire/soe/internal/config"
	"github.com/samsamfire/soe/pkg/session"
	"github.com/samsamfire/soe/pkg/wire"
	"github.com/samsamfire/soe/soenet"
	log "github.com/sirupsen/logrus"
)

var DEFAULT_LISTEN_ADDR = ":5050"
var DEFAULT_APP_PROTOCOL = "soe-example"

func main() {
	log.SetLevel(log.DebugLevel)

	listenAddr := flag.String("l", DEFAULT_LISTEN_ADDR, "address to listen on, e.g. :5050")
	appProtocol := flag.String("p", DEFAULT_APP_PROTOCOL, "application protocol tag required of connecting clients")
	configPath := flag.String("c", "", "optional ini config file path")
	flag.Parse()

	params := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Printf("failed to load config %v: %v\n", *configPath, err)
			os.Exit(1)
		}
		params = loaded
	}
	params.ApplicationProtocol = *appProtocol
	params.ApplyPackageDefaults()

	pool := bufpool.New(params.LocalUDPLength, params.WindowSizeOut*2)

	cfg := soenet.Config{
		SessionDefaults: params.SessionConfig(),
		Callbacks: soenet.Callbacks{
			OnSessionOpened: func(remote *net.UDPAddr, sess *session.Handler) {
				log.WithField("remote", remote).Info("session opened")
			},
			OnSessionClosed: func(remote *net.UDPAddr, sess *session.Handler, reason wire.DisconnectReason, byRemote bool) {
				log.WithFields(log.Fields{"remote": remote, "reason": reason, "by_remote": byRemote}).Info("session closed")
			},
			OnData: func(remote *net.UDPAddr, sess *session.Handler, payload []byte) {
				log.WithFields(log.Fields{"remote": remote, "bytes": len(payload)}).Debug("data received")
			},
		},
	}

	handler, err := soenet.Listen(*listenAddr, pool, cfg)
	if err != nil {
		fmt.Printf("failed to listen on %v: %v\n", *listenAddr, err)
		os.Exit(1)
	}
	defer handler.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("addr", *listenAddr).Info("soeserver listening")
	if err := handler.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Printf("socket handler exited: %v\n", err)
		os.Exit(1)
	}
}
