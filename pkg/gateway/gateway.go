// Package gateway is the composition root: it wires the actor runtime, the
// concrete MQTT transport, the entity store, the workflow engine and its
// built-in operation dispatchers, the translation layer, and the HTTP
// surface into one running gateway, the way the teacher's pkg/server.New
// wires its control plane's services.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/edgestack/gateway/internal/actor"
	"github.com/edgestack/gateway/internal/config"
	"github.com/edgestack/gateway/internal/entitystore"
	"github.com/edgestack/gateway/internal/httpio"
	"github.com/edgestack/gateway/internal/mqttio"
	"github.com/edgestack/gateway/internal/operations"
	"github.com/edgestack/gateway/internal/storage"
	"github.com/edgestack/gateway/internal/telemetry"
	"github.com/edgestack/gateway/internal/topic"
	"github.com/edgestack/gateway/internal/translation/oldagent"
	"github.com/edgestack/gateway/internal/workflow"
	"github.com/edgestack/gateway/internal/workflow/definition"
)

// Gateway is a fully-wired, not-yet-running instance: Run starts the actor
// runtime and blocks until shutdown.
type Gateway struct {
	cfg *config.Config

	runtime  *actor.Runtime
	mqtt     *mqttio.Client
	store    *entitystore.Store
	engine   *workflow.Engine
	registry *definition.Registry

	httpServer        *http.Server
	shutdownTelemetry func(context.Context) error
}

// New builds every component and wires it, but does not start anything.
func New(cfg *config.Config) (*Gateway, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("gateway: init telemetry: %w", err)
	}

	entityLog, err := storage.Open(cfg.DataDir + "/entities.log")
	if err != nil {
		return nil, fmt.Errorf("gateway: open entity store log: %w", err)
	}
	store := entitystore.New(cfg.MQTTRoot, cfg.MainDeviceID, entitystore.WithLog(entityLog))
	if err := store.Replay(); err != nil {
		return nil, fmt.Errorf("gateway: replay entity store: %w", err)
	}
	log.Info().Int("pending", store.PendingCount()).Msg("gateway: entity store replayed")

	registry := definition.NewRegistry(cfg.WorkflowsDir)
	if err := registry.Watch(); err != nil {
		log.Warn().Err(err).Msg("gateway: workflow definitions directory watch disabled")
	}

	mqttClient := mqttio.NewClient(mqttio.Config{
		BrokerURL:   cfg.MQTTBrokerURL,
		ClientID:    "gatewayd-" + uuid.NewString(),
		Root:        cfg.MQTTRoot,
		Filters:     []string{topic.AllTopicsFilter(cfg.MQTTRoot), "tedge/commands/res/#"},
		ConnTimeout: 10 * time.Second,
	})

	breadcrumbDir := cfg.DataDir + "/breadcrumbs"
	engine := workflow.New(cfg.MQTTRoot, registry, mqttClient, breadcrumbDir)
	registerBuiltins(engine, cfg, mqttClient)

	router := httpio.NewRouter(httpio.Config{CORSOrigins: cfg.CORSOrigins}, store, engine)

	rt := actor.NewRuntime(cfg.ShutdownGrace)

	mqttBuilder := actor.NewBuilder("mqttio", cfg.ChannelCapacity, mqttClient.Run)

	bridge := oldagent.NewAdapter(cfg.MQTTRoot, cfg.CloudPrefix)
	core := newCoreActor(store, engine, mqttClient, bridge, cfg.MainDeviceID, cfg.CloudPrefix)
	coreBuilder := actor.NewBuilder("core", cfg.ChannelCapacity, core.run)
	coreInbox := coreBuilder.Inbox(cfg.ChannelCapacity)

	mqttBuilder.Connect("core", coreInbox)

	rt.Spawn(mqttBuilder)
	rt.Spawn(coreBuilder)

	return &Gateway{
		cfg:      cfg,
		runtime:  rt,
		mqtt:     mqttClient,
		store:    store,
		engine:   engine,
		registry: registry,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		shutdownTelemetry: shutdownTelemetry,
	}, nil
}

// registerBuiltins wires every built-in operation family named in
// definition.BuiltinOperations to its concrete dispatcher. File-transfer
// operations (config/firmware/log-upload) need a Downloader/Uploader,
// which spec.md §1 explicitly treats as an external collaborator outside
// this repo's scope — those three stay unregistered here, exercised only
// by internal/operations' own tests, unless the deployer supplies one via
// RegisterFileTransfer.
func registerBuiltins(engine *workflow.Engine, cfg *config.Config, publisher operations.Publisher) {
	engine.RegisterBuiltin("restart", operations.NewRestarter("systemctl", []string{"reboot"}, 30*time.Second))

	pkgMgr := operations.NewExecPackageManager(
		[]string{"apt-get", "install", "-y", "%name=%version"},
		[]string{"apt-get", "remove", "-y", "%name"},
		[]string{"dpkg-query", "-W", "-f=${Package} ${Version}\\n"},
	)
	engine.RegisterBuiltin("software_list", operations.NewLister(cfg.MQTTRoot, pkgMgr, publisher))
	engine.RegisterBuiltin("software_update", operations.NewUpdater(pkgMgr))
}

// RegisterFileTransfer wires the configuration/firmware/log-upload built-ins
// once the deployer supplies a concrete Downloader and Uploader (HTTP
// client, cloud storage SDK, ...). Call before Run.
func (g *Gateway) RegisterFileTransfer(downloader operations.Downloader, uploader operations.Uploader) {
	stagingDir := g.cfg.DataDir + "/staging"
	cm := operations.NewConfigManager(downloader, stagingDir, []string{"sh", "-c", "cp \"$1\" /etc/edgestack-gateway/config.d/applied.conf", "_", "%path"})
	g.engine.RegisterBuiltin("config_snapshot", cm)
	g.engine.RegisterBuiltin("config_update", cm)
	g.engine.RegisterBuiltin("firmware_update", operations.NewFirmwareInstaller(downloader, stagingDir, []string{"fw_update", "%path"}))
	g.engine.RegisterBuiltin("log_upload", operations.NewLogUploader(uploader, stagingDir, []string{"sh", "-c", "journalctl -u edgestack-gateway > \"$1\"", "_", "%path"}))
}

// Run starts the actor runtime (including the MQTT actor) and the HTTP
// surface, and blocks until the actor runtime shuts down (signal, fatal
// actor error, or ctx cancellation). In-flight commands are recovered by
// Recover, not by Run.
func (g *Gateway) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		g.runtime.Shutdown()
	}()

	go func() {
		log.Info().Int("port", g.cfg.HTTPPort).Msg("gateway: http surface listening")
		if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("gateway: http server failed")
		}
	}()

	runErr := g.runtime.Run()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.cfg.ShutdownGrace)
	defer cancel()
	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("gateway: http server did not shut down cleanly")
	}
	if g.shutdownTelemetry != nil {
		if err := g.shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("gateway: telemetry shutdown failed")
		}
	}
	return runErr
}

// Recover connects the MQTT transport (idempotent — Run's actor reuses this
// same connection rather than dialing twice), pulls every retained
// command-topic message from the broker, and feeds them to the workflow
// engine to reconstruct in-flight state the way a restarted agent re-learns
// what it was doing. Call before Run.
func (g *Gateway) Recover(ctx context.Context) error {
	if err := g.mqtt.Connect(); err != nil {
		return fmt.Errorf("gateway: connect to broker: %w", err)
	}
	retained, err := g.mqtt.RetainedSnapshot(topic.AllCommandsFilter(g.cfg.MQTTRoot), 2*time.Second)
	if err != nil {
		return fmt.Errorf("gateway: snapshot retained commands: %w", err)
	}
	g.engine.Recover(ctx, retained)
	return nil
}
