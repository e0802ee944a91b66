// Command rtnetd is the real-time networking stack's daemon entry
// point: it loads a static configuration file, provisions and runs the
// stack, and serves the local admin API until signaled to stop.
package main

import (
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/rtnet-go/rtnet"
	"github.com/rtnet-go/rtnet/internal/adminapi"
	"github.com/rtnet-go/rtnet/internal/rtconfig"
)

func main() {
	configPath := flag.String("config", "/etc/rtnet/rtnet.toml", "path to the static configuration file (TOML or JSON)")
	flag.Parse()

	log := rtnet.Log()
	defer log.Sync()

	if undo, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof)); err == nil {
		defer undo()
	} else {
		log.Warn("adjusting GOMAXPROCS", zap.Error(err))
	}

	cfgJSON, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal("loading config", zap.Error(err))
	}

	if err := rtnet.Load(cfgJSON, true); err != nil {
		log.Fatal("starting stack", zap.Error(err))
	}
	defer rtnet.Stop()

	ctx := rtnet.ActiveContext()
	var adminSrv *http.Server
	if ctx != nil && ctx.AdminAddr() != "" {
		router := adminapi.NewRouter(adminapi.Deps{
			Devices:    ctx.Devices(),
			Routes:     ctx.Routes(),
			Discipline: ctx.Discipline,
			Attachment: ctx.Attachment,
			Log:        log.Named("adminapi"),
		})
		lis, err := net.Listen("tcp", ctx.AdminAddr())
		if err != nil {
			log.Fatal("admin listener", zap.Error(err))
		}
		adminSrv = &http.Server{Handler: router}
		go func() {
			if err := adminSrv.Serve(lis); err != nil && err != http.ErrServerClosed {
				log.Error("admin server stopped", zap.Error(err))
			}
		}()
	}

	log.Info("rtnetd started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("rtnetd shutting down")
	if adminSrv != nil {
		_ = adminSrv.Close()
	}
}

func loadConfig(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return data, nil
	}
	return rtconfig.LoadBytes(data)
}
