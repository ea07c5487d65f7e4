// Command aldagent is the on-machine ALD reactor control agent: it
// bridges a cloud Postgres database and a Modbus-TCP PLC, running the
// parameter synchronization loop, command dispatcher, and recipe
// executor against whatever PLC and registry it discovers at startup.
package main

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/api"
	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/archive"
	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/cloudtunnel"
	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/config"
	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/db"
	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/diag"
	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/dispatcher"
	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/hal"
	aldhealth "github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/health"
	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/logger"
	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/metrics"
	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/modbus"
	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/mqttbridge"
	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/recipe"
	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/registry"
	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/scheduler"
	aldsync "github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/sync"
	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/telemetry"
	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/valve"
	aldws "github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/websocket"
	"go.uber.org/zap"
)

// shutdownGrace bounds how long in-flight work gets to finish once a
// shutdown signal arrives before the process exits anyway.
const shutdownGrace = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to ./configs, ., or ~/.ald-control-agent)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		LogDir:     cfg.Logger.LogDir,
		MaxSizeMB:  cfg.Logger.MaxSizeMB,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAgeDays: cfg.Logger.MaxAgeDays,
		Compress:   cfg.Logger.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "initializing logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.Get()
	log.Info("starting aldagent", zap.String("machine_id", cfg.MachineID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(db.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Name:        cfg.Database.Name,
		SSLMode:     cfg.Database.SSLMode,
		CallTimeout: cfg.Database.CallTimeout,
	}, log)
	if err != nil {
		log.Fatal("connecting to database", zap.Error(err))
	}
	defer store.Close()

	params, err := store.LoadParameters(ctx, cfg.MachineID)
	if err != nil {
		log.Fatal("loading parameter catalog", zap.Error(err))
	}

	transport := modbus.New(modbus.Config{
		Hostname:         cfg.PLC.Hostname,
		AutoDiscover:     cfg.PLC.AutoDiscover,
		StaticIP:         cfg.PLC.IP,
		Port:             cfg.PLC.Port,
		SlaveID:          cfg.PLC.SlaveID,
		ByteOrder:        modbus.ByteOrder(cfg.PLC.ByteOrder),
		ConnectTimeout:   cfg.PLC.ConnectTimeout,
		Retries:          cfg.PLC.Retries,
		OperationTimeout: cfg.PLC.OperationTimeout,
	}, logger.WithTransport(cfg.PLC.Hostname))
	if err := transport.Connect(ctx); err != nil {
		log.Warn("initial plc connection failed, will retry on first operation", zap.Error(err))
	}

	reg := registry.New(transport, log)
	reg.Load(params)

	purgeParam, hasPurge := reg.GetByName("purge")
	purgeID := purgeParam.ID
	if !hasPurge {
		log.Warn("no parameter named \"purge\" found in registry; purge commands will fail to resolve an actuator")
	}
	valves := valve.New(reg, purgeID, log)
	defer valves.Close()

	m := metrics.NewMetrics()

	syncLoop := aldsync.New(transport, reg, store, cfg.Sync.HZ, log)
	wireTelemetry(cfg, syncLoop, log)

	exec := recipe.New(store, valves, reg, cfg.MachineID, log)

	var auditStore *diag.Store
	if cfg.Archive.AuditDBPath != "" {
		auditStore, err = diag.Open(cfg.Archive.AuditDBPath, cfg.Archive.AuditMaxRows, log)
		if err != nil {
			log.Warn("opening audit store failed, audit trail disabled", zap.Error(err))
		} else {
			defer auditStore.Close()
			exec.AddHook(auditHook{store: auditStore})
		}
	}

	disp := dispatcher.New(store, reg, valves, exec, cfg.MachineID, cfg.Dispatcher.PollInterval, log)

	var listener *db.CommandListener
	if cfg.Database.EnableListener {
		listener, err = db.NewCommandListener(db.Config{
			Host: cfg.Database.Host, Port: cfg.Database.Port, User: cfg.Database.User,
			Password: cfg.Database.Password, Name: cfg.Database.Name, SSLMode: cfg.Database.SSLMode,
		}, cfg.Database.NotifyChannel, log)
		if err != nil {
			log.Warn("command listener unavailable, relying on polling only", zap.Error(err))
		} else {
			defer listener.Close()
			go pumpNotifications(ctx, listener, disp)
		}
	}

	var tunnel *cloudtunnel.Tunnel
	if cfg.Tunnel.URL != "" {
		token, err := readDeviceToken(cfg.Tunnel.DeviceTokenPath)
		if err != nil {
			log.Warn("reading device token failed, cloud tunnel disabled", zap.Error(err))
		} else {
			tunnel = cloudtunnel.New(cloudtunnel.Config{
				URL:         cfg.Tunnel.URL,
				MachineID:   cfg.MachineID,
				DeviceToken: token,
			}, disp, log)
		}
	}

	var status hal.Status
	if cfg.GPIO.HeartbeatPin != 0 || cfg.GPIO.EstopPin != 0 {
		status, err = hal.NewRaspberryPiStatus(cfg.GPIO.HeartbeatPin, cfg.GPIO.EstopPin)
		if err != nil {
			log.Warn("gpio status lines unavailable", zap.Error(err))
			status = nil
		} else {
			syncLoop.AddSink(heartbeatSink{status: status})
			go watchEStop(ctx, status, exec, log)
		}
	}

	archiveBackend := buildArchiveBackend(cfg, log)
	sched := scheduler.New(log)
	if auditStore != nil {
		if err := sched.RegisterArchiveFlush("", archiveFlusher{audit: auditStore, backend: archiveBackend, log: log}); err != nil {
			log.Warn("scheduling archive flush failed", zap.Error(err))
		}
		if err := sched.RegisterAuditPrune("", auditStore); err != nil {
			log.Warn("scheduling audit prune failed", zap.Error(err))
		}
	}
	sched.Start()
	defer sched.Stop()

	checker := aldhealth.NewHealthChecker()
	checker.RegisterCheck("database", aldhealth.DatabaseHealthCheck(func(ctx context.Context) error {
		return store.Raw().PingContext(ctx)
	}), 30*time.Second)
	checker.RegisterCheck("plc_transport", aldhealth.PLCConnectivityHealthCheck(func() string {
		return transport.State().String()
	}), 10*time.Second)
	syncMaxAge := time.Duration(10/cfg.Sync.HZ*float64(time.Second))
	checker.RegisterCheck("sync_loop", aldhealth.SyncLoopFreshnessHealthCheck(syncLoop.LastTick, syncMaxAge), 10*time.Second)
	if tunnel != nil {
		checker.RegisterCheck("cloud_tunnel", aldhealth.CloudTunnelHealthCheck(tunnel.Connected), 15*time.Second)
	}
	checker.StartPeriodicChecks(ctx)

	hub := aldws.NewHub()
	go hub.Run()
	syncLoop.AddSink(diagHubTickSink{hub: hub})
	exec.AddHook(diagHubExecutionHook{hub: hub})
	disp.AddHook(diagHubCommandHook{hub: hub})
	go watchTransportState(ctx, transport, hub)
	logger.SetBroadcaster(func(level, message, source string, fields map[string]interface{}) {
		data := map[string]interface{}{"level": level, "message": message, "source": source}
		for k, v := range fields {
			data[k] = v
		}
		hub.Broadcast(aldws.MessageTypeLog, data)
	})

	var apiServer *api.Server
	if cfg.Diagnostic.Enabled {
		var pubKey = loadDiagnosticKey(cfg.Diagnostic.JWTPublicKey, log)
		apiServer = api.NewServer(checker, m, hub, pubKey, log)
		go func() {
			if err := apiServer.Listen(cfg.Diagnostic.Addr); err != nil {
				log.Error("diagnostics api server stopped", zap.Error(err))
			}
		}()
	}

	watcher, err := config.WatchTunables(*configPath, cfg)
	if err != nil {
		log.Warn("config hot-reload watcher unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
		go watchTunables(ctx, watcher, syncLoop, disp)
	}

	go syncLoop.Run(ctx)
	go disp.Run(ctx)
	if tunnel != nil {
		go tunnel.Run(ctx)
	}

	<-ctx.Done()
	log.Info("shutdown signal received, draining", zap.Duration("grace", shutdownGrace))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("diagnostics api shutdown error", zap.Error(err))
		}
	}
	if status != nil {
		status.Close()
	}
	log.Info("aldagent stopped")
}

func pumpNotifications(ctx context.Context, listener *db.CommandListener, disp *dispatcher.Dispatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-listener.Events():
			if !ok {
				return
			}
			disp.Notify(ctx)
		}
	}
}

// watchTransportState relays PLC transport lifecycle transitions to the
// diagnostics hub so an operator console can show connect/fault events
// without polling the REST health endpoint.
func watchTransportState(ctx context.Context, transport *modbus.Transport, hub *aldws.Hub) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last := transport.State()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := transport.State()
			if cur != last {
				hub.BroadcastTransport(cur.String())
				last = cur
			}
		}
	}
}

func watchEStop(ctx context.Context, status hal.Status, exec *recipe.Executor, log *zap.Logger) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			asserted, err := status.EStopAsserted()
			if err != nil {
				log.Warn("reading e-stop line failed", zap.Error(err))
				continue
			}
			if asserted && exec.Running() {
				log.Warn("e-stop asserted, cancelling active execution")
				exec.Cancel()
			}
		}
	}
}

func watchTunables(ctx context.Context, w *config.Watcher, loop *aldsync.Loop, disp *dispatcher.Dispatcher) {
	ch := w.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ch:
			loop.SetHZ(t.SyncHZ)
			disp.SetPollInterval(time.Duration(t.DispatcherPollMS) * time.Millisecond)
		}
	}
}

func wireTelemetry(cfg *config.Config, loop *aldsync.Loop, log *zap.Logger) {
	if cfg.Telemetry.InfluxURL != "" {
		sink, err := telemetry.NewInfluxSink(telemetry.InfluxConfig{
			URL:    cfg.Telemetry.InfluxURL,
			Token:  cfg.Telemetry.InfluxToken,
			Org:    cfg.Telemetry.InfluxOrg,
			Bucket: cfg.Telemetry.InfluxBucket,
		}, log)
		if err != nil {
			log.Warn("influx telemetry sink unavailable", zap.Error(err))
		} else {
			loop.AddSink(sink)
		}
	}

	if cfg.Telemetry.RedisAddr != "" {
		cache, err := telemetry.NewSnapshotCache(telemetry.SnapshotConfig{
			Addr: cfg.Telemetry.RedisAddr,
			DB:   cfg.Telemetry.RedisDB,
		}, log)
		if err != nil {
			log.Warn("redis snapshot cache unavailable", zap.Error(err))
		} else {
			loop.AddSink(cache)
		}
	}

	if cfg.MQTT.BrokerURL != "" {
		bridge, err := mqttbridge.Connect(mqttbridge.Config{
			Broker:   cfg.MQTT.BrokerURL,
			ClientID: cfg.MQTT.ClientID,
		}, log)
		if err != nil {
			log.Warn("mqtt scada bridge unavailable", zap.Error(err))
		} else {
			loop.AddSink(bridge)
		}
	}
}

func buildArchiveBackend(cfg *config.Config, log *zap.Logger) archive.Backend {
	switch cfg.Archive.Backend {
	case "s3":
		backend, err := archive.NewS3Backend(archive.S3Config{
			Region: cfg.Archive.S3Region,
			Bucket: cfg.Archive.S3Bucket,
			Prefix: cfg.Archive.S3Prefix,
		})
		if err != nil {
			log.Warn("s3 archive backend unavailable, falling back to none", zap.Error(err))
			return archive.NopBackend{}
		}
		return backend
	case "ftp":
		backend, err := archive.NewFTPBackend(archive.FTPConfig{
			Host:     cfg.Archive.FTPHost,
			Username: cfg.Archive.FTPUser,
			Password: cfg.Archive.FTPPassword,
			Dir:      cfg.Archive.FTPDir,
		})
		if err != nil {
			log.Warn("ftp archive backend unavailable, falling back to none", zap.Error(err))
			return archive.NopBackend{}
		}
		return backend
	default:
		return archive.NopBackend{}
	}
}

func loadDiagnosticKey(path string, log *zap.Logger) *rsa.PublicKey {
	if path == "" {
		log.Warn("diagnostics enabled but no jwt public key configured; only /healthz will be reachable")
		return nil
	}
	key, err := api.LoadPublicKey(path)
	if err != nil {
		log.Warn("loading diagnostics jwt public key failed; only /healthz will be reachable", zap.Error(err))
		return nil
	}
	return key
}

func readDeviceToken(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("tunnel.device_token_path not configured")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading device token: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// auditHook persists every finished execution to the local audit trail.
type auditHook struct {
	store *diag.Store
}

func (h auditHook) OnExecutionFinished(ctx context.Context, exec db.ProcessExecution) {
	h.store.Record(ctx, "execution_finished", exec.ID, exec)
}

// diagHubExecutionHook relays a finished execution to any connected
// diagnostics WebSocket client, independent of the local audit trail.
type diagHubExecutionHook struct {
	hub *aldws.Hub
}

func (h diagHubExecutionHook) OnExecutionFinished(_ context.Context, exec db.ProcessExecution) {
	h.hub.BroadcastExecution(exec.ID, exec.RecipeID, string(exec.Status))
}

// diagHubCommandHook relays a dispatched command's terminal status to
// any connected diagnostics WebSocket client.
type diagHubCommandHook struct {
	hub *aldws.Hub
}

func (h diagHubCommandHook) OnCommandFinished(_ context.Context, c db.Command, status db.CommandStatus, errMsg string) {
	h.hub.BroadcastCommand(c.ID, string(c.Kind), string(status), errMsg)
}

// diagHubTickSink relays every sync-loop tick summary to any connected
// diagnostics WebSocket client.
type diagHubTickSink struct {
	hub *aldws.Hub
}

func (s diagHubTickSink) RecordTick(_ context.Context, _ []aldsync.Sample, summary aldsync.TickSummary) {
	s.hub.BroadcastTick(summary.ParamsRead, summary.Errors, summary.Reconciled, summary.Duration.Milliseconds())
}

// heartbeatSink pulses the host heartbeat GPIO line once per sync tick,
// giving a technician an at-a-glance liveness signal independent of any
// network or database reachability.
type heartbeatSink struct {
	status hal.Status
}

func (h heartbeatSink) RecordTick(_ context.Context, _ []aldsync.Sample, _ aldsync.TickSummary) {
	_ = h.status.HeartbeatPulse()
}

// archiveFlusher drains the audit ring buffer into the configured
// archive backend on the scheduler's cadence. A flush never deletes
// local rows; Prune is a separate scheduled job so a slow or failing
// backend never costs the agent its own audit history.
type archiveFlusher struct {
	audit   *diag.Store
	backend archive.Backend
	log     *zap.Logger
}

func (f archiveFlusher) Flush(ctx context.Context) error {
	events, err := f.audit.Recent(ctx, 1000)
	if err != nil {
		return fmt.Errorf("reading audit events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshaling audit batch: %w", err)
	}
	key := fmt.Sprintf("audit/%d.json", time.Now().UnixNano())
	if err := f.backend.Upload(ctx, key, body); err != nil {
		return fmt.Errorf("uploading audit batch: %w", err)
	}
	return nil
}
