package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samsamfire/soe/internal/bufpool"
	"github.com/samsamfire/soe/internal/config"
	"github.com/samsamfire/soe/pkg/wire"
	"github.com/samsamfire/soe/soenet"
	log "github.com/sirupsen/logrus"
)

var DEFAULT_SERVER_ADDR = "127.0.0.1:5050"
var DEFAULT_APP_PROTOCOL = "soe-example"

func main() {
	log.SetLevel(log.DebugLevel)

	serverAddr := flag.String("s", DEFAULT_SERVER_ADDR, "server address to connect to, e.g. 127.0.0.1:5050")
	appProtocol := flag.String("p", DEFAULT_APP_PROTOCOL, "application protocol tag to present to the server")
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

	opened := make(chan struct{})
	sessionCfg := params.SessionConfig()
	sessionCfg.Deliver = func(item []byte) {
		fmt.Printf("received: %s\n", item)
	}
	sessionCfg.OnOpened = func() {
		close(opened)
	}
	sessionCfg.OnClosed = func(reason wire.DisconnectReason, byRemote bool) {
		log.WithFields(log.Fields{"reason": reason, "by_remote": byRemote}).Info("session closed")
	}

	handler, sess, err := soenet.Dial(*serverAddr, pool, soenet.Config{SessionDefaults: sessionCfg})
	if err != nil {
		fmt.Printf("failed to dial %v: %v\n", *serverAddr, err)
		os.Exit(1)
	}
	defer handler.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := handler.Run(ctx); err != nil && ctx.Err() == nil {
			fmt.Printf("socket handler exited: %v\n", err)
		}
	}()

	select {
	case <-opened:
		log.Info("session established, type a line and press enter to send")
	case <-time.After(5 * time.Second):
		fmt.Println("timed out waiting for session negotiation")
		os.Exit(1)
	case <-ctx.Done():
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := sess.Send(scanner.Bytes()); err != nil {
			log.WithError(err).Warn("failed to send")
		}
	}

	sess.Close(wire.DisconnectApplication)
}
