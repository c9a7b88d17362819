package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"google.golang.org/grpc"

	"www.velocidex.com/golang/pap-modify-core/bus/grpcbus"
	"www.velocidex.com/golang/pap-modify-core/comm"
	"www.velocidex.com/golang/pap-modify-core/config"
	"www.velocidex.com/golang/pap-modify-core/dao"
	"www.velocidex.com/golang/pap-modify-core/dao/memdao"
	daosql "www.velocidex.com/golang/pap-modify-core/dao/sql"
	"www.velocidex.com/golang/pap-modify-core/logging"
)

var (
	app = kingpin.New("pap",
		"Coordinates PDPs over UPDATE/STATE-CHANGE messages with retry, timeout, and response matching.")

	configPath = app.Flag("config", "Path to the YAML configuration file.").
			Short('c').Envar("PAP_CONFIG").Required().String()

	policyStoreDSN = app.Flag("policy-store", "Policy store DSN (postgres://, mysql://, sqlite://); omitted uses an in-memory store.").
			Envar("PAP_POLICY_STORE").String()

	grpcListen = app.Flag("grpc-listen", "Address PDPs connect to.").
			Default(":8443").String()

	metricsListen = app.Flag("metrics-listen", "Address the Prometheus exposition endpoint binds to.").
			Default(":9090").String()

	verbose = app.Flag("verbose", "Enable debug logging.").Short('v').Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if *verbose {
		logging.SetLevel(logrus.DebugLevel)
	}
	log := logging.GetLogger(logging.CoreComponent)

	cfg, err := config.NewLoader().WithFileLoader(*configPath).LoadAndValidate()
	kingpin.FatalIfError(err, "loading configuration")

	store, closeStore := openPolicyStore(*policyStoreDSN)
	if closeStore != nil {
		defer closeStore()
	}

	dispatcher := comm.NewMessageDispatcher()
	typeDispatcher := comm.NewTypeDispatcher()
	typeDispatcher.RegisterType("PDP_STATUS", dispatcher)

	grpcServer := grpc.NewServer()
	busServer := grpcbus.NewServer(grpcServer)
	err = busServer.Subscribe(context.Background(), cfg.PolicyPdpPapTopic.Name, typeDispatcher.OnMessage)
	kingpin.FatalIfError(err, "subscribing to bus topic")

	publisher := comm.NewPublisher(cfg.PolicyPdpPapTopic.Name, busServer)
	updateTimers := comm.NewTimerManager("update", time.Duration(cfg.UpdateParameters.MaxWaitMs)*time.Millisecond)
	stateChangeTimers := comm.NewTimerManager("statechange", time.Duration(cfg.StateChangeParameters.MaxWaitMs)*time.Millisecond)

	modifyMap := comm.NewPdpModifyRequestMap(comm.MapParams{
		UpdateParams: comm.RequestParams{
			Dispatcher:    dispatcher,
			Timers:        updateTimers,
			Publisher:     publisher,
			MaxRetryCount: cfg.UpdateParameters.MaxRetryCount,
		},
		StateChangeParams: comm.RequestParams{
			Dispatcher:    dispatcher,
			Timers:        stateChangeTimers,
			Publisher:     publisher,
			MaxRetryCount: cfg.StateChangeParameters.MaxRetryCount,
		},
		DAO: store,
	})

	tracker := comm.NewPdpTracker(cfg.HeartBeatMs, cfg.MaxMissedHeartbeats, store, modifyMap)
	dispatcher.RegisterAnonymous(tracker.OnHeartbeat)

	// restshim.New(modifyMap) is the hook an embedding REST transport
	// calls into; this binary exposes the bus and metrics endpoints
	// only and leaves routing operator commands to that transport.

	listener, err := net.Listen("tcp", *grpcListen)
	kingpin.FatalIfError(err, "binding grpc listener")
	go func() {
		if err := grpcServer.Serve(listener); err != nil {
			log.Error("grpc server stopped: %v", err)
		}
	}()
	log.Info("listening for PDPs on %s", *grpcListen)

	metricsServer := &http.Server{Addr: *metricsListen, Handler: promhttp.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped: %v", err)
		}
	}()
	log.Info("exposing metrics on %s", *metricsListen)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	metricsServer.Close()
	tracker.Stop()
	grpcServer.GracefulStop()
	updateTimers.Stop()
	stateChangeTimers.Stop()
	publisher.Stop()
}

func openPolicyStore(dsn string) (dao.PolicyStoreDAO, func()) {
	if dsn == "" {
		return memdao.New(), nil
	}

	store, err := daosql.Open(dsn)
	kingpin.FatalIfError(err, "opening policy store")
	return store, func() { store.Close() }
}
