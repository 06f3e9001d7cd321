// Package worker runs calculations asynchronously from the EventBus and keeps
// the engine registry in step with table changes made on other nodes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/tiercalc/internal/bus"
	"github.com/opensource-finance/tiercalc/internal/decision"
	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/opensource-finance/tiercalc/internal/rules"
)

// Worker processes calculation requests asynchronously from the EventBus.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	engine    *rules.Engine
	processor *decision.Processor

	// OnRecorded is called after a calculation is saved, e.g. to invalidate
	// usage totals of the subject.
	OnRecorded func(ctx context.Context, calc *domain.Calculation)

	mu            sync.Mutex
	subscriptions []domain.Subscription
	sem           chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
	reloads   atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process. Empty subscribes to every
	// tenant through the global tenant.
	TenantIDs []string

	// WorkerCount bounds concurrent calculations.
	WorkerCount int
}

// NewWorker creates a new async worker. repo may be nil, in which case
// results are published but not recorded and table changes are ignored.
func NewWorker(eventBus domain.EventBus, repo domain.Repository, engine *rules.Engine, processor *decision.Processor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       eventBus,
		repo:      repo,
		engine:    engine,
		processor: processor,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to calculation requests for the given tenants and to
// table changes of every tenant.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	w.sem = make(chan struct{}, cfg.WorkerCount)

	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{domain.GlobalTenantID}
	}

	for _, tenantID := range tenants {
		if err := w.subscribe(tenantID, domain.TopicCalculationRequested, w.dispatch); err != nil {
			w.Stop()
			return fmt.Errorf("failed to start worker for tenant %s: %w", tenantID, err)
		}
	}

	if err := w.subscribe(domain.GlobalTenantID, domain.TopicTableChanged, w.handleTableChanged); err != nil {
		w.Stop()
		return err
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
		"worker_count", cfg.WorkerCount,
	)
	return nil
}

func (w *Worker) subscribe(tenantID, topic string, handler domain.MessageHandler) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, topic, handler)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Debug("worker subscribed", "tenant_id", tenantID, "topic", topic)
	return nil
}

// dispatch hands a request to the pool, waiting for a free slot so the bus
// buffer absorbs bursts.
func (w *Worker) dispatch(ctx context.Context, msg *domain.Message) error {
	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()

		if err := w.processCalculation(w.ctx, msg); err != nil {
			w.failed.Add(1)
			slog.Error("async calculation failed",
				"message_id", msg.ID,
				"tenant_id", msg.TenantID,
				"error", err,
			)
			return
		}
		w.processed.Add(1)
	}()
	return nil
}

// processCalculation runs one calculation request through the pipeline.
func (w *Worker) processCalculation(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req domain.CalculationMessage
	if err := bus.DecodePayload(msg, &req); err != nil {
		return err
	}

	tenantID := msg.TenantID
	traceID := req.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing calculation",
		"calculation_id", req.CalculationID,
		"tenant_id", tenantID,
		"table_id", req.TableID,
		"trace_id", traceID,
	)

	result, table, err := w.engine.Calculate(ctx, tenantID, req.TableID, &req.Request, rules.CalculateOptions{
		Order:     req.Order,
		Precision: req.Precision,
		Rounding:  req.Rounding,
	})
	if err != nil {
		if errors.Is(err, domain.ErrTableNotFound) || errors.Is(err, domain.ErrInvalidInput) {
			w.publishFailure(ctx, tenantID, req, err)
		}
		return err
	}

	calc := w.processor.Process(ctx, &decision.DecisionInput{
		TenantID:  tenantID,
		Table:     table,
		SubjectID: req.SubjectID,
		TraceID:   traceID,
		Request:   req.Request,
		Result:    result,
		Async:     true,
		StartTime: start,
	})
	if req.CalculationID != "" {
		calc.ID = req.CalculationID
	}

	if w.repo != nil {
		if err := w.repo.SaveCalculation(ctx, tenantID, calc); err != nil {
			slog.Error("failed to save calculation",
				"calculation_id", calc.ID,
				"error", err,
			)
		} else if w.OnRecorded != nil {
			w.OnRecorded(ctx, calc)
		}
	}

	topic := domain.TopicCalculationCompleted
	if decision.ShouldBlock(calc) {
		topic = domain.TopicCalculationBlocked
	}
	if err := bus.PublishJSON(ctx, w.bus, tenantID, topic, calc); err != nil {
		slog.Error("failed to publish calculation",
			"calculation_id", calc.ID,
			"topic", topic,
			"error", err,
		)
	}

	slog.Info("calculation processed",
		"calculation_id", calc.ID,
		"tenant_id", tenantID,
		"table_id", calc.TableID,
		"status", calc.Decision.Status,
		"final_value", result.FinalValue.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// publishFailure reports a request that can never succeed as blocked so
// callers waiting on the calculation id are not left hanging.
func (w *Worker) publishFailure(ctx context.Context, tenantID string, req domain.CalculationMessage, cause error) {
	calc := &domain.Calculation{
		ID:        req.CalculationID,
		TenantID:  tenantID,
		TableID:   req.TableID,
		SubjectID: req.SubjectID,
		Request:   req.Request,
		Decision: &domain.Decision{
			Status:  domain.DecisionBlocked,
			Reasons: []string{cause.Error()},
			Blocked: true,
		},
		CreatedAt: time.Now().UTC(),
		Metadata: domain.CalculationMetadata{
			TraceID:       req.TraceID,
			Async:         true,
			EngineVersion: decision.EngineVersion,
		},
	}
	if err := bus.PublishJSON(ctx, w.bus, tenantID, domain.TopicCalculationBlocked, calc); err != nil {
		slog.Error("failed to publish calculation failure", "calculation_id", calc.ID, "error", err)
	}
}

// handleTableChanged rebuilds the registry from the repository.
func (w *Worker) handleTableChanged(ctx context.Context, msg *domain.Message) error {
	if w.repo == nil {
		return nil
	}

	var event domain.TableChangedEvent
	if err := bus.DecodePayload(msg, &event); err != nil {
		return err
	}

	tables, err := w.repo.ListAllTables(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	if err := w.engine.ReloadTables(tables); err != nil {
		return fmt.Errorf("failed to reload tables: %w", err)
	}
	w.reloads.Add(1)

	slog.Info("tables reloaded",
		"tenant_id", msg.TenantID,
		"table_id", event.TableID,
		"action", event.Action,
		"tables_count", w.engine.TablesCount(),
	)
	return nil
}

// Stop gracefully stops all workers and waits for in-flight calculations.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.cancel()
	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
	Reloads           int64    `json:"reloads"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
		Reloads:           w.reloads.Load(),
	}
}
