package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbkchat/convhub/internal/agentorch"
	"github.com/mbkchat/convhub/internal/bootstrap"
	"github.com/mbkchat/convhub/internal/config"
	"github.com/mbkchat/convhub/internal/crmclient"
	"github.com/mbkchat/convhub/internal/dealsync"
	"github.com/mbkchat/convhub/internal/eventmutex"
	"github.com/mbkchat/convhub/internal/helpdesk"
	"github.com/mbkchat/convhub/internal/httpapi"
	"github.com/mbkchat/convhub/internal/inbound"
	"github.com/mbkchat/convhub/internal/linkregistry"
	"github.com/mbkchat/convhub/internal/llm"
	"github.com/mbkchat/convhub/internal/opslog"
	"github.com/mbkchat/convhub/internal/opsws"
	"github.com/mbkchat/convhub/internal/outbound"
	"github.com/mbkchat/convhub/internal/providers"
	"github.com/mbkchat/convhub/internal/routing"
	"github.com/mbkchat/convhub/internal/store/pg"
	"github.com/mbkchat/convhub/internal/telemetry"
	"github.com/mbkchat/convhub/internal/transcription"
	"github.com/mbkchat/convhub/internal/transport"
	"github.com/mbkchat/convhub/internal/transport/tg"
	"github.com/mbkchat/convhub/internal/transport/wa"
)

// waGatewayBaseURL is the GreenAPI-style WA gateway's fixed API domain.
// TransportSpec carries only instance id/token, not a per-transport base
// URL, because every WA transport talks to the same gateway host.
const waGatewayBaseURL = "https://api.green-api.com"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub's HTTP server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

// notifierProxy breaks the helpdesk<->dealsync construction cycle:
// the helpdesk client needs a
// MarkerNotifier at construction time, but the notifier it needs
// (dealsync.Engine.NotifyMarker) isn't buildable until after the helpdesk
// client itself exists. The proxy is handed to helpdesk.New first and
// pointed at the real engine once it's built.
type notifierProxy struct {
	engine *dealsync.Engine
}

func (p *notifierProxy) NotifyMarker(ctx context.Context, conversationID int, marker string) error {
	if p.engine == nil {
		return nil
	}
	return p.engine.NotifyMarker(ctx, conversationID, marker)
}

func runServe() error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	base := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	relay := opslog.NewRelay(cfg.OpsLog.BotToken, cfg.OpsLog.ChatIDs)
	log := slog.New(opslog.NewHandler(base, relay))
	slog.SetDefault(log)

	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error("telemetry shutdown error", "error", err)
		}
	}()

	if cfg.Database.DSN == "" {
		return fmt.Errorf("CONVHUB_POSTGRES_DSN is not set")
	}
	db, err := pg.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	routingStore := routing.New(db, log)
	linkStore := linkregistry.New(db)
	eventStore := eventmutex.New(db)
	dealStore := dealsync.NewDealStore(db)
	jobStore := transcription.NewJobStore(db)
	callStore := transcription.NewProcessedCallStore(db)
	convStore := agentorch.NewConversationStore(db)
	tokenStore := crmclient.NewPGTokenStore(db)

	if err := bootstrap.SeedTransportActivation(context.Background(), cfg, routingStore, log); err != nil {
		return fmt.Errorf("seed transport activation: %w", err)
	}

	crmPortals := make(map[string]crmclient.PortalSpec, len(cfg.Portals))
	for name, p := range cfg.Portals {
		crmPortals[name] = crmclient.PortalSpec{
			Domain:            p.Domain,
			WebhookURL:        p.WebhookURL,
			OAuthClientID:     p.OAuthClientID,
			OAuthClientSecret: p.OAuthClientSecret,
			OAuthAccessToken:  p.OAuthAccessToken,
			OAuthRefreshToken: p.OAuthRefreshToken,
		}
	}
	crmRegistry, err := crmclient.NewRegistry(context.Background(), crmPortals, tokenStore, log)
	if err != nil {
		return fmt.Errorf("build CRM registry: %w", err)
	}

	proxy := &notifierProxy{}
	helpdeskClient := helpdesk.New(cfg.Helpdesk.Host, cfg.Helpdesk.APIToken, cfg.Helpdesk.AccountID, proxy, log)

	dealEngine := dealsync.New(crmRegistry, helpdeskClient, linkStore, dealStore, log)
	proxy.engine = dealEngine

	transcriber := llm.New(cfg.OpenAI.Token, "gpt-4o", "whisper-1", nil)

	dispatcher := transcription.NewDispatcher(jobStore, callStore, dealStore, crmRegistry, eventStore, transcriber, log)

	opsHub := opsws.NewHub(log)
	routingStore.OnDecision(func(agentCode, kind, phone string, chosen int, candidates []int) {
		opsHub.Publish(opsws.Event{Kind: "routing_decision", At: time.Now(), Data: opsws.RoutingDecision{
			AgentCode: agentCode, Kind: kind, Phone: phone, ChosenID: chosen, Candidates: candidates,
		}})
	})
	dispatcher.OnTransition(func(jobID int, status string, attempt int) {
		opsHub.Publish(opsws.Event{Kind: "job_transition", At: time.Now(), Data: opsws.JobTransition{
			JobID: jobID, Status: status, Attempt: attempt,
		}})
	})

	reminderSweep := dealsync.NewReminderSweep(convStore, helpdeskClient, log)
	warmupSweep := dealsync.NewWarmupSweep(linkStore, convStore, helpdeskClient, log)

	transportsByInbox := make(map[int]transport.Client)
	routers := make(map[string]*agentorch.Router, len(cfg.Agents))

	for agentCode, agentSpec := range cfg.Agents {
		for _, t := range agentSpec.Transports {
			switch transport.Kind(t.Kind) {
			case transport.KindWA:
				transportsByInbox[t.InboxID] = wa.New(waGatewayBaseURL, t.InstanceID, t.APIToken, log)
			case transport.KindTG:
				transportsByInbox[t.InboxID] = tg.New(t.APIToken, t.InstanceID, log)
			default:
				log.Warn("serve: unknown transport kind, skipping", "agent_code", agentCode, "kind", t.Kind)
			}
		}

		model := agentSpec.SystemModel
		if model == "" {
			model = "gpt-4o"
		}
		provider := providers.NewOpenAIProvider(agentCode, cfg.OpenAI.Token, "", model)
		routers[agentCode] = buildRouter(provider)
	}

	inboundPipeline := inbound.New(helpdeskClient, routingStore, transcriber, transcriber, transcriber, log)

	firstName, lastName := "Менеджер", ""
	if len(cfg.Agents) > 0 {
		for _, a := range cfg.Agents {
			firstName, lastName = splitDisplayName(a.DisplayName)
			break
		}
	}
	outboundPipeline := outbound.New(transportsByInbox, outbound.AgentIdentity{FirstName: firstName, LastName: lastName}, log)

	orchestrator := agentorch.New(helpdeskClient, convStore, routers, config.AIOperatorHelpdeskIDs, log)

	server := &httpapi.Server{
		Config:       cfg,
		Helpdesk:     helpdeskClient,
		CRM:          crmRegistry,
		Routing:      routingStore,
		Links:        linkStore,
		Deals:        dealEngine,
		DealStore:    dealStore,
		Events:       eventStore,
		Inbound:      inboundPipeline,
		Outbound:     outboundPipeline,
		Orchestrator: orchestrator,
		Transports:   transportsByInbox,
		OpsWS:        opsHub,
		Log:          log,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatcher.Run(ctx)
	if cfg.Scheduling.DispatcherHealth.Enabled {
		go dispatcher.RunHealthCheck(ctx, cfg.Scheduling.DispatcherHealth.Interval, cfg.Scheduling.DispatcherHealth.Cron)
	}
	if cfg.Scheduling.MeetingReminders.Enabled {
		go reminderSweep.Run(ctx, cfg.Scheduling.MeetingReminders.Interval)
	}
	if cfg.Scheduling.Warmup.Enabled {
		go warmupSweep.Run(ctx, cfg.Scheduling.Warmup.Interval)
	}

	addr := cfg.HTTP.Addr
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{Addr: addr, Handler: server.Routes()}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("graceful shutdown initiated", "signal", sig)
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown error", "error", err)
		}
	}()

	log.Info("convhub starting", "version", Version, "addr", addr, "agents", len(cfg.Agents), "portals", len(cfg.Portals))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	log.Info("convhub stopped")
	return nil
}

// buildRouter assembles one agent's router→specialist roster. Prompt
// content is maintained outside this repo; every specialist shares the
// agent's single configured provider here, distinguished only by the
// persona string handed to it on handoff.
func buildRouter(provider providers.Provider) *agentorch.Router {
	specialists := map[string]agentorch.Specialist{
		agentorch.SpecialistDesign:        {Provider: provider, SystemPrompt: "Ты специалист по дизайн-проектам."},
		agentorch.SpecialistManager:       {Provider: provider, SystemPrompt: "Ты менеджер, ведущий клиента по сделке."},
		agentorch.SpecialistMortgage:      {Provider: provider, SystemPrompt: "Ты специалист по ипотеке."},
		agentorch.SpecialistProductHelper: {Provider: provider, SystemPrompt: "Ты помощник по подбору характеристик проекта."},
		agentorch.SpecialistProductPicker: {Provider: provider, SystemPrompt: "Ты специалист по подбору готовых проектов."},
		agentorch.SpecialistWarmup:        {Provider: provider, SystemPrompt: "Ты ведёшь прогрев клиента к встрече."},
	}
	return &agentorch.Router{
		RouterPrompt: "Ты маршрутизатор обращений клиента. Реши, нужен ли хэндофф специалисту, иначе ответь сам.",
		Default:      provider,
		Specialists:  specialists,
	}
}

func splitDisplayName(name string) (first, last string) {
	parts := strings.SplitN(strings.TrimSpace(name), " ", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "Менеджер", ""
	}
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
