package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/theapemachine/mnemo/pkg/errors"
	"github.com/theapemachine/mnemo/pkg/memory"
	"github.com/theapemachine/mnemo/pkg/stores/neo4j"
	"github.com/theapemachine/mnemo/pkg/stores/qdrant"
)

/*
Server exposes the memory system over HTTP. All state is injected at
construction; there are no package-level singletons, and Init/Close make
the lifecycle explicit.
*/
type Server struct {
	app       *fiber.App
	episodic  memory.EpisodicStore
	semantic  memory.SemanticStore
	embedder  memory.Embedder
	assembler *memory.ContextAssembler
	working   *memory.WorkingMemoryManager
	queue     *memory.ExtractionQueue
	options   memory.AssembleOptions

	graph      *neo4j.Client
	vector     *qdrant.Client
	dimensions int
}

// Deps carries everything a Server needs. Graph and Vector are optional;
// when present Init provisions their schema.
type Deps struct {
	Episodic  memory.EpisodicStore
	Semantic  memory.SemanticStore
	Embedder  memory.Embedder
	Assembler *memory.ContextAssembler
	Working   *memory.WorkingMemoryManager
	Pipeline  *memory.ExtractionPipeline
	QueueSize int
	Options   memory.AssembleOptions

	Graph      *neo4j.Client
	Vector     *qdrant.Client
	Dimensions int
}

func NewServer(deps Deps) *Server {
	if deps.Options == (memory.AssembleOptions{}) {
		deps.Options = memory.DefaultAssembleOptions()
	}

	srv := &Server{
		app: fiber.New(fiber.Config{
			AppName:      "mnemo",
			ServerHeader: "Mnemo-Memory-Server",
		}),
		episodic:   deps.Episodic,
		semantic:   deps.Semantic,
		embedder:   deps.Embedder,
		assembler:  deps.Assembler,
		working:    deps.Working,
		queue:      memory.NewExtractionQueue(deps.Pipeline, deps.QueueSize),
		options:    deps.Options,
		graph:      deps.Graph,
		vector:     deps.Vector,
		dimensions: deps.Dimensions,
	}

	srv.routes()
	return srv
}

func (srv *Server) routes() {
	srv.app.Use(logger.New(logger.Config{
		Next: func(c fiber.Ctx) bool {
			return c.Path() == "/health"
		},
	}))

	srv.app.Get("/health", srv.handleHealth)

	srv.app.Post("/memory/episodic", srv.handleStoreEpisodic)
	srv.app.Post("/memory/semantic", srv.handleStoreSemantic)
	srv.app.Post("/memory/search", srv.handleSearch)
	srv.app.Get("/memory/context/:userId/:sessionId", srv.handleContext)
	srv.app.Get("/memory/stats/:userId", srv.handleStats)
	srv.app.Delete("/memory/user/:userId", srv.handleClearUser)
	srv.app.Delete("/memory/session/:userId/:sessionId", srv.handleClearSession)
	srv.app.Post("/memory/extract", srv.handleExtract)

	srv.app.Post("/memory/turn/:userId/:sessionId", srv.handleRecordTurn)
	srv.app.Post("/memory/goals/:userId/:sessionId", srv.handleAddGoal)
	srv.app.Patch("/memory/goals/:userId/:sessionId/:goalId", srv.handleUpdateGoal)
}

// Init provisions store schemas and verifies connectivity.
func (srv *Server) Init(ctx context.Context) error {
	if srv.graph != nil {
		if err := srv.graph.EnsureIndexes(ctx); err != nil {
			return err
		}
	}
	if srv.vector != nil {
		if err := srv.vector.EnsureCollection(ctx, srv.dimensions); err != nil {
			return err
		}
	}

	if err := srv.episodic.Ping(ctx); err != nil {
		return err
	}
	return srv.semantic.Ping(ctx)
}

func (srv *Server) Start(addr string) error {
	log.Info("memory server listening", "addr", addr)
	return srv.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Close stops the extraction worker, the working-memory cache and the
// HTTP listener.
func (srv *Server) Close() error {
	srv.queue.Stop()
	if srv.working != nil {
		srv.working.Close()
	}
	return srv.app.ShutdownWithTimeout(5 * time.Second)
}

// App exposes the underlying fiber app for in-process testing.
func (srv *Server) App() *fiber.App {
	return srv.app
}

func (srv *Server) handleHealth(ctx fiber.Ctx) error {
	checks := fiber.Map{"episodic": "ok", "semantic": "ok"}
	status := fiber.StatusOK

	if err := srv.episodic.Ping(ctx.RequestCtx()); err != nil {
		checks["episodic"] = err.Error()
		status = fiber.StatusServiceUnavailable
	}
	if err := srv.semantic.Ping(ctx.RequestCtx()); err != nil {
		checks["semantic"] = err.Error()
		status = fiber.StatusServiceUnavailable
	}

	return ctx.Status(status).JSON(checks)
}

func (srv *Server) handleStoreEpisodic(ctx fiber.Ctx) error {
	var mem memory.EpisodicMemory
	if err := ctx.Bind().Body(&mem); err != nil {
		return srv.fail(ctx, errors.NewValidation("body", err.Error()))
	}

	stored, err := srv.episodic.Store(ctx.RequestCtx(), &mem)
	if err != nil {
		return srv.fail(ctx, err)
	}

	return ctx.Status(fiber.StatusCreated).JSON(stored)
}

func (srv *Server) handleStoreSemantic(ctx fiber.Ctx) error {
	var mem memory.SemanticMemory
	if err := ctx.Bind().Body(&mem); err != nil {
		return srv.fail(ctx, errors.NewValidation("body", err.Error()))
	}

	stored, err := srv.semantic.Store(ctx.RequestCtx(), &mem)
	if err != nil {
		return srv.fail(ctx, err)
	}

	return ctx.Status(fiber.StatusCreated).JSON(stored)
}

// SearchRequest selects one of the two stores and carries its filters.
type SearchRequest struct {
	Kind      string   `json:"kind"` // episodic or semantic
	UserID    string   `json:"userId"`
	SessionID string   `json:"sessionId,omitempty"`
	Text      string   `json:"text,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Threshold float64  `json:"threshold,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

func (srv *Server) handleSearch(ctx fiber.Ctx) error {
	var req SearchRequest
	if err := ctx.Bind().Body(&req); err != nil {
		return srv.fail(ctx, errors.NewValidation("body", err.Error()))
	}

	switch req.Kind {
	case "episodic":
		results, err := srv.episodic.Search(ctx.RequestCtx(), memory.EpisodicQuery{
			UserID:    req.UserID,
			SessionID: req.SessionID,
			Tags:      req.Tags,
			Limit:     req.Limit,
		})
		if err != nil {
			return srv.fail(ctx, err)
		}
		return ctx.JSON(fiber.Map{"episodic": results})

	case "semantic":
		if req.Text == "" {
			return srv.fail(ctx, errors.NewValidation("text", "must not be blank"))
		}

		vector, err := srv.embedder.Embed(ctx.RequestCtx(), req.Text)
		if err != nil {
			return srv.fail(ctx, err)
		}

		threshold := req.Threshold
		if threshold == 0 {
			threshold = 0.7
		}

		results, err := srv.semantic.SearchBySimilarity(
			ctx.RequestCtx(), req.UserID, vector, threshold, req.Limit)
		if err != nil {
			return srv.fail(ctx, err)
		}
		return ctx.JSON(fiber.Map{"semantic": results})
	}

	return srv.fail(ctx, errors.NewValidation("kind", "must be episodic or semantic"))
}

// ContextResponse bundles the assembled context with the session's working
// memory. Stale is set when stores were unreachable and the cached working
// memory was served instead.
type ContextResponse struct {
	Memory  *memory.MemoryContext        `json:"memory,omitempty"`
	Working *memory.WorkingMemoryContext `json:"working,omitempty"`
	Stale   bool                         `json:"stale,omitempty"`
}

func (srv *Server) handleContext(ctx fiber.Ctx) error {
	userID := ctx.Params("userId")
	sessionID := ctx.Params("sessionId")
	query := ctx.Query("q")

	working, err := srv.working.Context(ctx.RequestCtx(), userID, sessionID)
	if err != nil {
		return srv.fail(ctx, err)
	}

	resp := ContextResponse{Working: working, Stale: working.Stale}

	if query != "" {
		assembled, err := srv.assembler.Assemble(
			ctx.RequestCtx(), userID, sessionID, query, srv.options)
		if err != nil {
			if !errors.IsRetryable(err) {
				return srv.fail(ctx, err)
			}
			// Degrade to the cached working memory rather than failing
			// the read.
			log.Warn("context assembly degraded", "userId", userID, "error", err)
			resp.Stale = true
		} else {
			resp.Memory = assembled
		}
	}

	return ctx.JSON(resp)
}

func (srv *Server) handleStats(ctx fiber.Ctx) error {
	userID := ctx.Params("userId")

	episodic, err := srv.episodic.Stats(ctx.RequestCtx(), userID)
	if err != nil {
		return srv.fail(ctx, err)
	}

	count, err := srv.semantic.Count(ctx.RequestCtx(), userID)
	if err != nil {
		return srv.fail(ctx, err)
	}

	return ctx.JSON(memory.MemoryStats{
		Episodic: episodic,
		Semantic: memory.SemanticStats{Count: count},
	})
}

func (srv *Server) handleClearUser(ctx fiber.Ctx) error {
	userID := ctx.Params("userId")

	if _, err := srv.episodic.ClearUser(ctx.RequestCtx(), userID); err != nil {
		return srv.fail(ctx, err)
	}
	if _, err := srv.semantic.ClearUser(ctx.RequestCtx(), userID); err != nil {
		return srv.fail(ctx, err)
	}

	return ctx.JSON(fiber.Map{"cleared": userID})
}

func (srv *Server) handleClearSession(ctx fiber.Ctx) error {
	userID := ctx.Params("userId")
	sessionID := ctx.Params("sessionId")

	if _, err := srv.episodic.ClearSession(ctx.RequestCtx(), userID, sessionID); err != nil {
		return srv.fail(ctx, err)
	}

	return ctx.JSON(fiber.Map{"cleared": userID + "/" + sessionID})
}

// ExtractRequest names the user (and optionally session) to run extraction
// for.
type ExtractRequest struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
}

func (srv *Server) handleExtract(ctx fiber.Ctx) error {
	var req ExtractRequest
	if err := ctx.Bind().Body(&req); err != nil {
		return srv.fail(ctx, errors.NewValidation("body", err.Error()))
	}
	if req.UserID == "" {
		return srv.fail(ctx, errors.NewValidation("userId", "must not be blank"))
	}

	err := srv.queue.Enqueue(memory.ExtractionJob{
		UserID:    req.UserID,
		SessionID: req.SessionID,
	})
	if err != nil {
		return srv.fail(ctx, err)
	}

	return ctx.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"queued":  true,
		"pending": srv.queue.Pending(),
	})
}

func (srv *Server) handleRecordTurn(ctx fiber.Ctx) error {
	var turn memory.ConversationTurn
	if err := ctx.Bind().Body(&turn); err != nil {
		return srv.fail(ctx, errors.NewValidation("body", err.Error()))
	}

	wm, err := srv.working.RecordTurn(
		ctx.RequestCtx(), ctx.Params("userId"), ctx.Params("sessionId"), turn)
	if err != nil {
		return srv.fail(ctx, err)
	}

	return ctx.JSON(wm)
}

func (srv *Server) handleAddGoal(ctx fiber.Ctx) error {
	var goal memory.Goal
	if err := ctx.Bind().Body(&goal); err != nil {
		return srv.fail(ctx, errors.NewValidation("body", err.Error()))
	}

	added, err := srv.working.AddGoal(ctx.Params("userId"), ctx.Params("sessionId"), goal)
	if err != nil {
		return srv.fail(ctx, err)
	}

	return ctx.Status(fiber.StatusCreated).JSON(added)
}

type updateGoalRequest struct {
	Status memory.GoalStatus `json:"status"`
}

func (srv *Server) handleUpdateGoal(ctx fiber.Ctx) error {
	var req updateGoalRequest
	if err := ctx.Bind().Body(&req); err != nil {
		return srv.fail(ctx, errors.NewValidation("body", err.Error()))
	}

	goal, err := srv.working.UpdateGoalStatus(
		ctx.Params("userId"), ctx.Params("sessionId"), ctx.Params("goalId"), req.Status)
	if err != nil {
		return srv.fail(ctx, err)
	}

	return ctx.JSON(goal)
}

// fail maps the error taxonomy onto HTTP status codes. Writes fail fast
// and loudly; silent data loss is worse than an error response.
func (srv *Server) fail(ctx fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError

	switch {
	case errors.IsValidation(err):
		status = fiber.StatusBadRequest
	case errors.IsNotFound(err):
		status = fiber.StatusNotFound
	case errors.IsRetryable(err):
		status = fiber.StatusBadGateway
	case stderrors.Is(err, memory.ErrQueueFull):
		status = fiber.StatusTooManyRequests
	}

	if status >= 500 {
		log.Error("request failed", "path", ctx.Path(), "error", err)
	}

	return ctx.Status(status).JSON(fiber.Map{"error": err.Error()})
}
