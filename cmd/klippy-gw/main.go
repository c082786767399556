package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"klippy-gw/internal/auth"
	"klippy-gw/internal/config"
	"klippy-gw/internal/events"
	"klippy-gw/internal/hostlink"
	"klippy-gw/internal/httpapi"
	"klippy-gw/internal/mux"
	"klippy-gw/internal/subengine"
	"klippy-gw/internal/wsapi"
)

// gateway wires hostlink notifications/replies into the multiplexer and
// the event bus — the dispatch-by-message-shape glue that
// internal/hostlink.Handlers leaves to its caller.
type gateway struct {
	mux    *mux.Multiplexer
	engine *subengine.Engine
	bus    *events.Bus
	logger *zap.SugaredLogger
}

func (g *gateway) OnStateChange(s hostlink.State) {
	g.logger.Infow("host state changed", "state", s.String())
	g.bus.Publish(events.Notification{Method: "notify_klippy_state_changed", Param: s.String()})
}

func (g *gateway) OnNotification(method string, params json.RawMessage) {
	var payload interface{}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &payload)
	}
	g.bus.Publish(events.Notification{Method: "notify_" + strings.TrimPrefix(method, "process_"), Param: payload})
}

func (g *gateway) OnReply(id uint64, result json.RawMessage, hostErr *hostlink.HostError) {
	g.mux.OnReply(id, result, hostErr)
}

func (g *gateway) OnDisconnect() {
	g.mux.OnDisconnect()
}

func main() {
	cli := config.DefaultCLI()

	addr := flag.String("listen", cli.Addr, "http listen address")
	flag.StringVar(addr, "a", cli.Addr, "http listen address (short for -listen)")
	port := flag.Int("port", cli.Port, "http listen port")
	flag.IntVar(port, "p", cli.Port, "http listen port (short for -port)")
	socketPath := flag.String("socket", cli.SocketPath, "host unix socket path")
	flag.StringVar(socketPath, "s", cli.SocketPath, "host unix socket path (short for -socket)")
	logPath := flag.String("moonraker-log", cli.LogPath, "moonraker log file path")
	flag.StringVar(logPath, "l", cli.LogPath, "moonraker log file path (short for -moonraker-log)")
	klippyLog := flag.String("klippy-log", cli.KlippyLog, "klippy log file path")
	filesRoot := flag.String("files-root", cli.FilesRoot, "gcode files directory")
	apiKeyDir := flag.String("api-key-dir", cli.APIKeyDir, "directory holding the persisted api key")
	requireAuth := flag.Bool("require-auth", true, "require api key / trusted client / one-shot token")
	enableCORS := flag.Bool("enable-cors", false, "answer CORS preflight and echo Origin")
	trustedClients := flag.String("trusted-clients", "", "comma-separated list of trusted .0/24 subnets")
	flag.Parse()

	logger := newLogger()
	defer logger.Sync()

	trusted, err := config.ParseTrustedClients(splitCSV(*trustedClients))
	if err != nil {
		logger.Fatalw("invalid trusted clients", "error", err)
	}

	hostCfg := config.DefaultHost()
	hostCfg.RequireAuth = *requireAuth
	hostCfg.EnableCORS = *enableCORS
	hostCfg.TrustedClients = trusted
	hostCfgFn := func() config.Host { return hostCfg }

	apiKey, err := auth.LoadOrCreateAPIKey(*apiKeyDir)
	if err != nil {
		logger.Fatalw("loading api key", "error", err)
	}
	tokens := auth.NewTokenStore()
	gate := auth.NewGate(apiKey, tokens, hostCfgFn)

	bus := events.NewBus()

	g := &gateway{bus: bus, logger: logger}
	link := hostlink.New(*socketPath, g, logger)
	g.mux = mux.New(link, link.Registry(), link, hostCfgFn, logger)
	g.engine = subengine.New(hostCfgFn, g.mux, logger)
	g.engine.Start()
	defer g.engine.Stop()

	wsHandler := &wsapi.Handler{
		Upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		Sub:      g.mux,
		Engine:   g.engine,
		Bus:      bus,
		Logger:   logger,
	}

	server := httpapi.NewServer(httpapi.Deps{
		Submitter:    g.mux,
		Registry:     link.Registry(),
		Engine:       g.engine,
		Bus:          bus,
		Gate:         gate,
		APIKey:       apiKey,
		Tokens:       tokens,
		CfgFn:        hostCfgFn,
		Logger:       logger,
		FilesRoot:    *filesRoot,
		KlippyLog:    *klippyLog,
		MoonrakerLog: *logPath,
		WSHandler:    wsHandler,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := link.ListenAndServe(ctx); err != nil {
			logger.Errorw("host link exited", "error", err)
		}
	}()

	httpAddr := net.JoinHostPort(*addr, fmt.Sprintf("%d", *port))
	httpSrv := &http.Server{Addr: httpAddr, Handler: server.Router()}
	go func() {
		<-ctx.Done()
		_ = httpSrv.Close()
	}()

	logger.Infow("klippy-gw listening", "addr", httpAddr, "socket", *socketPath)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalw("http server exited", "error", err)
	}
}

func newLogger() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if q := strings.TrimSpace(p); q != "" {
			out = append(out, q)
		}
	}
	return out
}
