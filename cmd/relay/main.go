// Command screenmcp-relay is the relay worker: it brokers WebSocket traffic
// between ScreenMCP controllers and devices and serves the discovery and
// notify HTTP surface in front of it.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/screenmcp/relay/internal/blocklist"
	"github.com/screenmcp/relay/internal/config"
	"github.com/screenmcp/relay/internal/delivery"
	"github.com/screenmcp/relay/internal/discovery"
	"github.com/screenmcp/relay/internal/heartbeat"
	"github.com/screenmcp/relay/internal/logx"
	"github.com/screenmcp/relay/internal/registry"
	"github.com/screenmcp/relay/internal/relay"
	"github.com/screenmcp/relay/internal/transport"
	"github.com/screenmcp/relay/internal/verifier"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:   "screenmcp-relay",
		Short: "Relay worker brokering WebSocket traffic between ScreenMCP controllers and devices",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to the relay's config file")
	root.AddCommand(versionCmd())
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the relay's version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func serveCmd() *cobra.Command {
	var listenOverride string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the relay worker",
		Run: func(cmd *cobra.Command, args []string) {
			serve(listenOverride)
		},
	}
	cmd.Flags().StringVar(&listenOverride, "listen", "", "override the configured listen address")
	return cmd
}

// serve builds and runs the worker until a shutdown signal arrives. Exit
// codes: 0 clean shutdown, 1 config error, 2 bind error.
func serve(listenOverride string) {
	loader, err := config.NewLoader(cfgPath)
	if err != nil {
		logx.Error(nil, "CONFIG_LOAD", "fail", err.Error(), nil)
		os.Exit(1)
	}
	loader.WatchReload()

	cur := loader.Current()
	if listenOverride != "" {
		cur.Listen = listenOverride
	}
	logx.Configure(cur.Log.Path, cur.Log.Level, int(cur.Log.Days))

	reg := registry.New()
	eng := delivery.New(reg, cur.Resume.BufferSize)
	tokenVerifier := verifier.New(cur.Verifier.URL, time.Duration(cur.Verifier.CacheTTL)*time.Second, cur.Verifier.CacheLimit)
	bl := blocklist.New(5, time.Minute)
	hub := discovery.NewHub()

	disc := &discovery.Handlers{
		WSUrl:        cur.Discovery.WSUrl,
		NotifySecret: cur.Discovery.NotifySecret,
		Verifier:     tokenVerifier,
		Blocklist:    bl,
		Hub:          hub,
	}
	eng.OnDeviceRegistered = disc.DeviceRegisteredHook
	eng.OnDeviceUnregistered = disc.DeviceUnregisteredHook

	loader.OnReload(func(c config.Config) {
		disc.WSUrl = c.Discovery.WSUrl
		disc.NotifySecret = c.Discovery.NotifySecret
	})

	hbPolicy := heartbeat.Policy{
		PingInterval: time.Duration(cur.Heartbeat.PingIntervalSeconds) * time.Second,
		PongTimeout:  time.Duration(cur.Heartbeat.PongTimeoutSeconds) * time.Second,
	}
	relaySrv := relay.NewServer(reg, eng, tokenVerifier, bl, hbPolicy, transport.DefaultConfig())

	gin.SetMode(gin.ReleaseMode)
	app := gin.New()
	app.Use(gin.Recovery())
	app.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	app.POST("/discover", disc.Discover)
	app.GET("/events", disc.Events)
	app.POST("/notify", disc.Notify)
	app.GET("/ws", relaySrv.ServeWS)

	ln, err := net.Listen("tcp", cur.Listen)
	if err != nil {
		logx.Error(nil, "SERVICE_BIND", "fail", err.Error(), nil)
		os.Exit(2)
	}

	httpSrv := &http.Server{Handler: app}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(ln) }()
	logx.Info(nil, "SERVICE_INIT", "", "", map[string]any{"listen": cur.Listen})

	quit := make(chan os.Signal, 3)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logx.Error(nil, "SERVICE_RUN", "fail", err.Error(), nil)
			logx.Close()
			os.Exit(2)
		}
	case <-quit:
		logx.Warn(nil, "SERVICE_EXITING", "", "", nil)
		relaySrv.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpSrv.Shutdown(ctx); err != nil {
			logx.Warn(nil, "SERVICE_EXIT", "error", err.Error(), nil)
		}
		cancel()
		logx.Warn(nil, "SERVICE_EXIT", "success", "", nil)
	}

	bl.Close()
	logx.Close()
}
