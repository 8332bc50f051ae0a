package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	pulsebus "goa.design/troupe/features/bus/pulse"
	clientspulse "goa.design/troupe/features/bus/pulse/clients/pulse"
	"goa.design/troupe/features/model/anthropic"
	redisseq "goa.design/troupe/features/sequence/redis"
	"goa.design/troupe/features/skills/llm"
	"goa.design/troupe/runtime/agent"
	"goa.design/troupe/runtime/authority"
	authorityinmem "goa.design/troupe/runtime/authority/inmem"
	"goa.design/troupe/runtime/bus"
	businmem "goa.design/troupe/runtime/bus/inmem"
	delegationinmem "goa.design/troupe/runtime/delegation/inmem"
	"goa.design/troupe/runtime/envelope"
	"goa.design/troupe/runtime/refcode"
	refcodeinmem "goa.design/troupe/runtime/refcode/inmem"
	"goa.design/troupe/runtime/registry"
	registryinmem "goa.design/troupe/runtime/registry/inmem"
	"goa.design/troupe/runtime/router"
	"goa.design/troupe/runtime/skills"
	skillsinmem "goa.design/troupe/runtime/skills/inmem"
	"goa.design/troupe/runtime/supervision"
	"goa.design/troupe/runtime/telemetry"
	workflowinmem "goa.design/troupe/runtime/workflow/inmem"
)

// replyQueue receives the chief of staff's final answer. It stands in for
// whatever surface (chat bridge, API) fronts the human in a real deployment.
const replyQueue = "demo.replies"

func main() {
	// Define command line flags, add any other flag required to configure the
	// demo.
	var (
		personaF = flag.String("persona", "config/persona.yaml", "Router persona YAML file")
		skillsF  = flag.String("skills", "config/skills.yaml", "Skill catalog YAML file")
		goalF    = flag.String("goal", "Launch the monthly newsletter for our productivity app", "Goal to hand the chief of staff")
		redisF   = flag.String("redis", "", "Redis address; empty runs on the in-memory bus")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger. Replace logger with your own log package of choice.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Pick the transport and sequence store: in-memory by default, Redis when
	// -redis is set so several demo processes can share one deployment.
	var (
		b        bus.Bus
		seqStore refcode.SequenceStore
	)
	if *redisF != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: *redisF})
		client, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			log.Fatalf(ctx, err, "create pulse client")
		}
		pb, err := pulsebus.New(pulsebus.Options{Client: client, Logger: logger, Metrics: metrics})
		if err != nil {
			log.Fatalf(ctx, err, "create pulse bus")
		}
		st, err := redisseq.New(redisseq.Options{Client: rdb})
		if err != nil {
			log.Fatalf(ctx, err, "create redis sequence store")
		}
		b, seqStore = pb, st
		log.Print(ctx, log.KV{K: "bus", V: "pulse"}, log.KV{K: "redis", V: *redisF})
	} else {
		b = businmem.New(businmem.WithLogger(logger), businmem.WithMetrics(metrics))
		seqStore = refcodeinmem.New()
		log.Print(ctx, log.KV{K: "bus", V: "inmem"})
	}

	// Initialize the collaborators every agent shares.
	refcodes, err := refcode.NewGenerator(seqStore, refcode.WithLogger(logger))
	if err != nil {
		log.Fatalf(ctx, err, "create reference code generator")
	}
	var (
		reg     = registryinmem.New()
		delegs  = delegationinmem.NewTracker()
		retries = delegationinmem.NewCounter()
		flows   = workflowinmem.New()
		plans   = router.NewMemoryPlanStore()
		catalog = skillsinmem.New()
	)
	defs, err := skills.LoadCatalogFile(*skillsF)
	if err != nil {
		log.Fatalf(ctx, err, "load skill catalog %q", *skillsF)
	}
	for _, def := range defs {
		if err := catalog.Register(ctx, def); err != nil {
			log.Fatalf(ctx, err, "register skill %q", def.ID)
		}
	}

	// Triage runs against a real model when ANTHROPIC_API_KEY is set and falls
	// back to a canned decomposition otherwise, so the demo works offline.
	var triage skills.Executor = skills.Func(cannedTriage)
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		mc, err := anthropic.NewFromAPIKey(key, anthropic.Options{
			DefaultModel: "claude-3-5-sonnet-20241022",
			HighModel:    "claude-3-opus-20240229",
			SmallModel:   "claude-3-5-haiku-20241022",
		})
		if err != nil {
			log.Fatalf(ctx, err, "create anthropic client")
		}
		exec, err := llm.New(mc, llm.WithLogger(logger))
		if err != nil {
			log.Fatalf(ctx, err, "create llm executor")
		}
		triage = exec
		log.Print(ctx, log.KV{K: "triage", V: "anthropic"})
	} else {
		log.Print(ctx, log.KV{K: "triage", V: "canned"})
	}
	runner := skills.NewRunner(catalog, map[string]skills.Executor{llm.ExecutorType: triage},
		skills.WithLogger(logger))

	// Build the chief of staff from its persona file.
	persona, err := router.LoadPersonaFile(*personaF)
	if err != nil {
		log.Fatalf(ctx, err, "load persona %q", *personaF)
	}
	cos, err := router.New(persona, router.Config{
		Bus:         b,
		Registry:    reg,
		RefCodes:    refcodes,
		Delegations: delegs,
		Workflows:   flows,
		Plans:       plans,
		Pipeline:    runner,
	}, router.WithLogger(logger), router.WithMetrics(metrics))
	if err != nil {
		log.Fatalf(ctx, err, "create router")
	}

	// Start the team: the router, two specialists, and the founder seat that
	// approves gated plans and receives escalations.
	rt := agent.NewRuntime(b, reg,
		agent.WithRuntimeLogger(logger),
		agent.WithRuntimeMetrics(metrics),
		agent.WithRuntimeAuthority(authorityinmem.New()),
	)
	researcher := &specialist{
		id:   "researcher",
		name: "Market Researcher",
		caps: []registry.Capability{{Name: "market_research", Description: "Researches markets, audiences and competitors"}},
		respond: func(task string) string {
			return "Research notes: the audience skews toward small remote teams. Task was: " + task
		},
	}
	writer := &specialist{
		id:   "writer",
		name: "Copywriter",
		caps: []registry.Capability{{Name: "copywriting", Description: "Drafts announcements, emails and posts"}},
		respond: func(task string) string {
			return "Draft copy: \"Do more with your mornings.\" Task was: " + task
		},
	}
	boss := &founder{id: "founder", bus: b}
	for _, a := range []agent.Agent{cos, researcher, writer} {
		if _, err := rt.StartAgent(ctx, a); err != nil {
			log.Fatalf(ctx, err, "start agent %q", a.AgentID())
		}
	}
	if _, err := rt.StartAgent(ctx, boss,
		agent.WithHarnessOptions(agent.WithAgentType(registry.AgentTypeHuman))); err != nil {
		log.Fatalf(ctx, err, "start agent %q", boss.AgentID())
	}

	// Supervision watches delegated work and alerts the founder when a task
	// blows its SLA.
	sup, err := supervision.New(supervision.Config{
		CheckInterval:    5 * time.Second,
		MaxRetries:       2,
		AlertTarget:      bus.AgentQueue(boss.id),
		EscalationTarget: bus.AgentQueue(boss.id),
	}, b, delegs, retries,
		supervision.WithRunningReporter(rt),
		supervision.WithLogger(logger),
		supervision.WithMetrics(metrics),
	)
	if err != nil {
		log.Fatalf(ctx, err, "create supervisor")
	}
	if err := sup.Start(ctx); err != nil {
		log.Fatalf(ctx, err, "start supervisor")
	}

	// Consume the reply queue: the aggregate answer ends the demo.
	var once sync.Once
	done := make(chan struct{})
	replies, err := b.Consume(ctx, replyQueue, func(ctx context.Context, env envelope.Envelope) error {
		log.Print(ctx, log.KV{K: "reply", V: envelope.Describe(env.Payload)},
			log.KV{K: "ref_code", V: env.ReferenceCode.String()})
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		log.Fatalf(ctx, err, "consume %q", replyQueue)
	}

	// Hand the goal to the chief of staff.
	goal := envelope.Envelope{
		Payload: envelope.TextMessage{Meta: envelope.NewMeta(), Text: *goalF},
		Context: envelope.Context{ReplyTo: replyQueue, FromAgentID: "demo"},
		SLA:     2 * time.Minute,
	}
	if err := b.Publish(ctx, bus.AgentQueue(persona.AgentID), goal); err != nil {
		log.Fatalf(ctx, err, "publish goal")
	}
	log.Print(ctx, log.KV{K: "goal", V: *goalF})

	// Setup interrupt handler so SIGINT and SIGTERM stop the demo gracefully.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	select {
	case <-done:
		log.Printf(ctx, "goal completed")
	case err := <-errc:
		log.Printf(ctx, "exiting (%v)", err)
	}

	// Stop everything, bounded by one deadline.
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil {
		log.Printf(ctx, "stop supervisor: %v", err)
	}
	if err := replies.Stop(stopCtx); err != nil {
		log.Printf(ctx, "stop reply consumer: %v", err)
	}
	if err := rt.Close(stopCtx); err != nil {
		log.Printf(ctx, "stop agents: %v", err)
	}
	if err := b.Close(stopCtx); err != nil {
		log.Printf(ctx, "close bus: %v", err)
	}
	log.Printf(ctx, "exited")
}

// cannedTriage decomposes any goal into a research task and a drafting task.
// The drafting task asks for AskMeFirst authority so the demo walks through
// the plan approval gate before fanning out.
func cannedTriage(ctx context.Context, def skills.Definition, params map[string]any) (any, error) {
	goal := "the goal"
	if env, ok := params[skills.ParamEnvelope].(envelope.Envelope); ok {
		if text := envelope.Describe(env.Payload); text != "" {
			goal = text
		}
	}
	return router.Decomposition{
		Summary:    "Research the audience, then draft the announcement",
		Confidence: 0.9,
		Tasks: []router.Task{
			{
				Capability:    "market_research",
				Description:   "Summarize the target audience and competing products for: " + goal,
				AuthorityTier: authority.TierDoItAndShowMe,
			},
			{
				Capability:    "copywriting",
				Description:   "Draft the announcement copy for: " + goal,
				AuthorityTier: authority.TierAskMeFirst,
			},
		},
	}, nil
}

// specialist handles one capability with a canned response so the demo runs
// without external services behind the workers.
type specialist struct {
	id      string
	name    string
	caps    []registry.Capability
	respond func(task string) string
}

func (s *specialist) AgentID() string { return s.id }

func (s *specialist) Name() string { return s.name }

func (s *specialist) Capabilities() []registry.Capability { return s.caps }

func (s *specialist) Process(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, error) {
	task := envelope.Describe(env.Payload)
	log.Print(ctx, log.KV{K: "agent", V: s.id}, log.KV{K: "task", V: task})
	return &envelope.Envelope{
		Payload: envelope.TextMessage{Meta: envelope.NewMeta(), Text: s.respond(task)},
	}, nil
}

// founder fronts the human seat: it approves every plan proposal and logs
// whatever else lands on its queue. A real deployment would bridge this queue
// to chat or email instead.
type founder struct {
	id  string
	bus bus.Bus
}

func (f *founder) AgentID() string { return f.id }

func (f *founder) Name() string { return "Founder" }

func (f *founder) Capabilities() []registry.Capability {
	return []registry.Capability{{Name: "approvals", Description: "Approves plans and handles escalations"}}
}

func (f *founder) Process(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, error) {
	switch p := env.Payload.(type) {
	case envelope.PlanProposal:
		if env.Context.FromAgentID == "" {
			return nil, fmt.Errorf("plan proposal %s names no sender", p.WorkflowRefCode)
		}
		log.Print(ctx, log.KV{K: "plan", V: p.WorkflowRefCode.String()},
			log.KV{K: "summary", V: p.Summary}, log.KV{K: "approved", V: true})
		resp := envelope.Envelope{
			Payload: envelope.PlanApprovalResponse{
				Meta:            envelope.NewMeta(),
				IsApproved:      true,
				WorkflowRefCode: p.WorkflowRefCode,
			},
			Context: envelope.Context{FromAgentID: f.id},
		}
		return nil, f.bus.Publish(ctx, bus.AgentQueue(env.Context.FromAgentID), resp)
	case envelope.SupervisionAlert:
		log.Print(ctx, log.KV{K: "overdue", V: p.DelegationRefCode.String()},
			log.KV{K: "assignee", V: p.DelegatedTo}, log.KV{K: "retry", V: p.RetryCount})
		return nil, nil
	case envelope.EscalationAlert:
		log.Print(ctx, log.KV{K: "escalated", V: p.DelegationRefCode.String()},
			log.KV{K: "reason", V: p.Reason})
		return nil, nil
	default:
		log.Print(ctx, log.KV{K: "needs_attention", V: envelope.Describe(env.Payload)})
		return nil, nil
	}
}
